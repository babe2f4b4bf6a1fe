// Package protocol implements the binary wire format shared by the backup
// client and server.
//
// Every multi-byte integer on the wire is little-endian. A request carries a
// 23-byte header (16-byte client ID, version, code, payload size) followed by
// the payload; a response carries a 7-byte header (version, code, payload
// size). String fields occupy fixed-width buffers: content, at least one NUL
// terminator, then zero padding to the declared width.
//
// Encoding and decoding are pure functions over byte slices. The stream
// helpers in this package only touch the io.Reader/io.Writer they are given.
package protocol

import "errors"

// ProtocolVersion is the current wire protocol version.
const ProtocolVersion = 1

const (
	// ClientIDSize is the width of the opaque client identity.
	ClientIDSize = 16
	// RequestHeaderSize is client ID + version + code + payload size.
	RequestHeaderSize = ClientIDSize + 1 + 2 + 4
	// ResponseHeaderSize is version + code + payload size.
	ResponseHeaderSize = 1 + 2 + 4
	// StringFieldSize is the fixed width of name and filename fields,
	// including the NUL terminator.
	StringFieldSize = 255
	// PublicKeySize is the width of an exported public key field.
	PublicKeySize = 294
	// WrappedKeySize is the width of an asymmetrically wrapped session key.
	WrappedKeySize = 256
	// ChecksumSize is the width of a checksum field.
	ChecksumSize = 4
	// MaxPayloadSize bounds the declared payload length of any message (10 MB).
	MaxPayloadSize = 10 * 1024 * 1024
	// ChunkFixedSize is the fixed prefix of a file-chunk payload before the
	// variable-length ciphertext.
	ChunkFixedSize = 4 + 4 + 2 + 2 + StringFieldSize
)

// Request codes (client to server).
const (
	CodeRegister        uint16 = 1025
	CodeSubmitPublicKey uint16 = 1026
	CodeReconnect       uint16 = 1027
	CodeSendFileChunk   uint16 = 1028
	CodeChecksumOK      uint16 = 1029
	CodeChecksumRetry   uint16 = 1030
	CodeChecksumAbort   uint16 = 1031
)

// Response codes (server to client).
const (
	CodeRegisterOK        uint16 = 1600
	CodeRegisterFail      uint16 = 1601
	CodeKeyExchanged      uint16 = 1602
	CodeFileReceived      uint16 = 1603
	CodeAck               uint16 = 1604
	CodeReconnectApproved uint16 = 1605
	CodeReconnectDenied   uint16 = 1606
	CodeGeneralError      uint16 = 1607
)

var (
	// ErrShortMessage indicates the buffer is smaller than its header.
	ErrShortMessage = errors.New("protocol: message shorter than header")
	// ErrSizeMismatch indicates the declared payload size does not match the
	// actual payload length.
	ErrSizeMismatch = errors.New("protocol: payload size mismatch")
	// ErrOversizedPayload indicates the declared payload size exceeds MaxPayloadSize.
	ErrOversizedPayload = errors.New("protocol: payload exceeds max size")
	// ErrUnterminatedString indicates a string field with no NUL terminator
	// within its fixed width.
	ErrUnterminatedString = errors.New("protocol: unterminated string field")
	// ErrStringTooLong indicates string content that leaves no room for the
	// terminator.
	ErrStringTooLong = errors.New("protocol: string exceeds field width")
	// ErrShortPayload indicates a payload smaller than its fixed layout.
	ErrShortPayload = errors.New("protocol: payload shorter than fixed layout")
	// ErrUnknownCode indicates a message code outside the protocol tables.
	ErrUnknownCode = errors.New("protocol: unknown message code")
)

// ClientID is the opaque 16-byte client identity assigned at registration.
type ClientID [ClientIDSize]byte

// IsZero reports whether the identity is unassigned.
func (id ClientID) IsZero() bool {
	return id == ClientID{}
}

// RequestHeader is the fixed header preceding every request payload.
type RequestHeader struct {
	ClientID    ClientID
	Version     uint8
	Code        uint16
	PayloadSize uint32
}

// ResponseHeader is the fixed header preceding every response payload.
type ResponseHeader struct {
	Version     uint8
	Code        uint16
	PayloadSize uint32
}

// Request is a decoded request message.
type Request struct {
	Header  RequestHeader
	Payload []byte
}

// Response is a decoded response message.
type Response struct {
	Header  ResponseHeader
	Payload []byte
}

// KnownRequestCode reports whether code is in the request table.
func KnownRequestCode(code uint16) bool {
	switch code {
	case CodeRegister, CodeSubmitPublicKey, CodeReconnect, CodeSendFileChunk,
		CodeChecksumOK, CodeChecksumRetry, CodeChecksumAbort:
		return true
	}
	return false
}

// KnownResponseCode reports whether code is in the response table.
func KnownResponseCode(code uint16) bool {
	switch code {
	case CodeRegisterOK, CodeRegisterFail, CodeKeyExchanged, CodeFileReceived,
		CodeAck, CodeReconnectApproved, CodeReconnectDenied, CodeGeneralError:
		return true
	}
	return false
}
