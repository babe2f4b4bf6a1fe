package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PutStringField writes content into a fixed-width field at dst[:StringFieldSize].
// The field holds the content bytes, a NUL terminator, and zero padding.
func PutStringField(dst []byte, content string) error {
	if len(dst) < StringFieldSize {
		return fmt.Errorf("protocol: string field buffer too small: %d", len(dst))
	}
	if len(content) >= StringFieldSize {
		return ErrStringTooLong
	}
	copy(dst, content)
	for i := len(content); i < StringFieldSize; i++ {
		dst[i] = 0
	}
	return nil
}

// StringField extracts the content of a fixed-width string field, truncating
// at the first NUL terminator.
func StringField(src []byte) (string, error) {
	if len(src) < StringFieldSize {
		return "", ErrShortPayload
	}
	idx := bytes.IndexByte(src[:StringFieldSize], 0)
	if idx < 0 {
		return "", ErrUnterminatedString
	}
	return string(src[:idx]), nil
}

// EncodeRequest serializes a request header and payload into one buffer.
// The header's PayloadSize field is taken from len(payload).
func EncodeRequest(id ClientID, version uint8, code uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrOversizedPayload
	}
	buf := make([]byte, RequestHeaderSize+len(payload))
	copy(buf[:ClientIDSize], id[:])
	buf[ClientIDSize] = version
	binary.LittleEndian.PutUint16(buf[ClientIDSize+1:], code)
	binary.LittleEndian.PutUint32(buf[ClientIDSize+3:], uint32(len(payload)))
	copy(buf[RequestHeaderSize:], payload)
	return buf, nil
}

// DecodeRequest parses a buffer holding exactly one request message.
func DecodeRequest(data []byte) (Request, error) {
	if len(data) < RequestHeaderSize {
		return Request{}, ErrShortMessage
	}
	var h RequestHeader
	copy(h.ClientID[:], data[:ClientIDSize])
	h.Version = data[ClientIDSize]
	h.Code = binary.LittleEndian.Uint16(data[ClientIDSize+1:])
	h.PayloadSize = binary.LittleEndian.Uint32(data[ClientIDSize+3:])
	if h.PayloadSize > MaxPayloadSize {
		return Request{}, ErrOversizedPayload
	}
	if int(h.PayloadSize) != len(data)-RequestHeaderSize {
		return Request{}, ErrSizeMismatch
	}
	return Request{Header: h, Payload: data[RequestHeaderSize:]}, nil
}

// EncodeResponse serializes a response header and payload into one buffer.
func EncodeResponse(version uint8, code uint16, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, ErrOversizedPayload
	}
	buf := make([]byte, ResponseHeaderSize+len(payload))
	buf[0] = version
	binary.LittleEndian.PutUint16(buf[1:], code)
	binary.LittleEndian.PutUint32(buf[3:], uint32(len(payload)))
	copy(buf[ResponseHeaderSize:], payload)
	return buf, nil
}

// DecodeResponse parses a buffer holding exactly one response message.
func DecodeResponse(data []byte) (Response, error) {
	if len(data) < ResponseHeaderSize {
		return Response{}, ErrShortMessage
	}
	var h ResponseHeader
	h.Version = data[0]
	h.Code = binary.LittleEndian.Uint16(data[1:])
	h.PayloadSize = binary.LittleEndian.Uint32(data[3:])
	if h.PayloadSize > MaxPayloadSize {
		return Response{}, ErrOversizedPayload
	}
	if int(h.PayloadSize) != len(data)-ResponseHeaderSize {
		return Response{}, ErrSizeMismatch
	}
	return Response{Header: h, Payload: data[ResponseHeaderSize:]}, nil
}

// RegisterPayload is the body of Register and Reconnect requests.
type RegisterPayload struct {
	Name string
}

// Encode serializes the payload.
func (p RegisterPayload) Encode() ([]byte, error) {
	buf := make([]byte, StringFieldSize)
	if err := PutStringField(buf, p.Name); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeRegisterPayload parses a Register or Reconnect request body.
func DecodeRegisterPayload(data []byte) (RegisterPayload, error) {
	name, err := StringField(data)
	if err != nil {
		return RegisterPayload{}, err
	}
	return RegisterPayload{Name: name}, nil
}

// PublicKeyPayload is the body of a SubmitPublicKey request.
type PublicKeyPayload struct {
	Name      string
	PublicKey [PublicKeySize]byte
}

// Encode serializes the payload.
func (p PublicKeyPayload) Encode() ([]byte, error) {
	buf := make([]byte, StringFieldSize+PublicKeySize)
	if err := PutStringField(buf, p.Name); err != nil {
		return nil, err
	}
	copy(buf[StringFieldSize:], p.PublicKey[:])
	return buf, nil
}

// DecodePublicKeyPayload parses a SubmitPublicKey request body.
func DecodePublicKeyPayload(data []byte) (PublicKeyPayload, error) {
	if len(data) < StringFieldSize+PublicKeySize {
		return PublicKeyPayload{}, ErrShortPayload
	}
	name, err := StringField(data)
	if err != nil {
		return PublicKeyPayload{}, err
	}
	var p PublicKeyPayload
	p.Name = name
	copy(p.PublicKey[:], data[StringFieldSize:])
	return p, nil
}

// ChunkPayload is the body of a SendFileChunk request.
//
// DeclaredTotalSize is the plaintext size of the whole file; OriginalSize is
// the plaintext size of this chunk before encryption. Sequence is 1-based.
type ChunkPayload struct {
	DeclaredTotalSize uint32
	OriginalSize      uint32
	Sequence          uint16
	TotalChunks       uint16
	Filename          string
	Ciphertext        []byte
}

// Encode serializes the payload.
func (p ChunkPayload) Encode() ([]byte, error) {
	buf := make([]byte, ChunkFixedSize+len(p.Ciphertext))
	binary.LittleEndian.PutUint32(buf[0:], p.DeclaredTotalSize)
	binary.LittleEndian.PutUint32(buf[4:], p.OriginalSize)
	binary.LittleEndian.PutUint16(buf[8:], p.Sequence)
	binary.LittleEndian.PutUint16(buf[10:], p.TotalChunks)
	if err := PutStringField(buf[12:], p.Filename); err != nil {
		return nil, err
	}
	copy(buf[ChunkFixedSize:], p.Ciphertext)
	return buf, nil
}

// DecodeChunkPayload parses a SendFileChunk request body.
func DecodeChunkPayload(data []byte) (ChunkPayload, error) {
	if len(data) < ChunkFixedSize {
		return ChunkPayload{}, ErrShortPayload
	}
	var p ChunkPayload
	p.DeclaredTotalSize = binary.LittleEndian.Uint32(data[0:])
	p.OriginalSize = binary.LittleEndian.Uint32(data[4:])
	p.Sequence = binary.LittleEndian.Uint16(data[8:])
	p.TotalChunks = binary.LittleEndian.Uint16(data[10:])
	name, err := StringField(data[12:])
	if err != nil {
		return ChunkPayload{}, err
	}
	p.Filename = name
	p.Ciphertext = data[ChunkFixedSize:]
	return p, nil
}

// ChecksumPhasePayload is the body of ChecksumOK, ChecksumRetry and
// ChecksumAbort requests.
type ChecksumPhasePayload struct {
	Filename string
}

// Encode serializes the payload.
func (p ChecksumPhasePayload) Encode() ([]byte, error) {
	buf := make([]byte, StringFieldSize)
	if err := PutStringField(buf, p.Filename); err != nil {
		return nil, err
	}
	return buf, nil
}

// DecodeChecksumPhasePayload parses a checksum-phase request body.
func DecodeChecksumPhasePayload(data []byte) (ChecksumPhasePayload, error) {
	name, err := StringField(data)
	if err != nil {
		return ChecksumPhasePayload{}, err
	}
	return ChecksumPhasePayload{Filename: name}, nil
}

// IdentityPayload is the body of RegisterOK and Ack responses.
type IdentityPayload struct {
	ClientID ClientID
}

// Encode serializes the payload.
func (p IdentityPayload) Encode() ([]byte, error) {
	buf := make([]byte, ClientIDSize)
	copy(buf, p.ClientID[:])
	return buf, nil
}

// DecodeIdentityPayload parses a RegisterOK or Ack response body.
func DecodeIdentityPayload(data []byte) (IdentityPayload, error) {
	if len(data) < ClientIDSize {
		return IdentityPayload{}, ErrShortPayload
	}
	var p IdentityPayload
	copy(p.ClientID[:], data)
	return p, nil
}

// KeyExchangePayload is the body of KeyExchanged and ReconnectApproved
// responses: the client identity followed by the wrapped session key.
type KeyExchangePayload struct {
	ClientID   ClientID
	WrappedKey [WrappedKeySize]byte
}

// Encode serializes the payload.
func (p KeyExchangePayload) Encode() ([]byte, error) {
	buf := make([]byte, ClientIDSize+WrappedKeySize)
	copy(buf, p.ClientID[:])
	copy(buf[ClientIDSize:], p.WrappedKey[:])
	return buf, nil
}

// DecodeKeyExchangePayload parses a KeyExchanged or ReconnectApproved body.
func DecodeKeyExchangePayload(data []byte) (KeyExchangePayload, error) {
	if len(data) < ClientIDSize+WrappedKeySize {
		return KeyExchangePayload{}, ErrShortPayload
	}
	var p KeyExchangePayload
	copy(p.ClientID[:], data[:ClientIDSize])
	copy(p.WrappedKey[:], data[ClientIDSize:])
	return p, nil
}

// FileReceivedPayload is the body of a FileReceived response: the server's
// view of the reassembled file, including its checksum for the client to
// compare.
type FileReceivedPayload struct {
	ClientID    ClientID
	ContentSize uint32
	Filename    string
	Checksum    uint32
}

// Encode serializes the payload.
func (p FileReceivedPayload) Encode() ([]byte, error) {
	buf := make([]byte, ClientIDSize+4+StringFieldSize+ChecksumSize)
	copy(buf, p.ClientID[:])
	binary.LittleEndian.PutUint32(buf[ClientIDSize:], p.ContentSize)
	if err := PutStringField(buf[ClientIDSize+4:], p.Filename); err != nil {
		return nil, err
	}
	binary.LittleEndian.PutUint32(buf[ClientIDSize+4+StringFieldSize:], p.Checksum)
	return buf, nil
}

// DecodeFileReceivedPayload parses a FileReceived response body.
func DecodeFileReceivedPayload(data []byte) (FileReceivedPayload, error) {
	if len(data) < ClientIDSize+4+StringFieldSize+ChecksumSize {
		return FileReceivedPayload{}, ErrShortPayload
	}
	var p FileReceivedPayload
	copy(p.ClientID[:], data[:ClientIDSize])
	p.ContentSize = binary.LittleEndian.Uint32(data[ClientIDSize:])
	name, err := StringField(data[ClientIDSize+4:])
	if err != nil {
		return FileReceivedPayload{}, err
	}
	p.Filename = name
	p.Checksum = binary.LittleEndian.Uint32(data[ClientIDSize+4+StringFieldSize:])
	return p, nil
}
