package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadRequest reads one request message from r: the fixed header, then
// exactly the declared payload. The declared size is validated against
// MaxPayloadSize before any payload bytes are read.
func ReadRequest(r io.Reader) (Request, error) {
	var hdr [RequestHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Request{}, fmt.Errorf("protocol: read request header: %w", err)
	}

	size := binary.LittleEndian.Uint32(hdr[ClientIDSize+3:])
	if size > MaxPayloadSize {
		return Request{}, ErrOversizedPayload
	}

	buf := make([]byte, RequestHeaderSize+int(size))
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[RequestHeaderSize:]); err != nil {
		return Request{}, fmt.Errorf("protocol: read request payload: %w", err)
	}

	return DecodeRequest(buf)
}

// WriteRequest encodes and writes one request message to w.
func WriteRequest(w io.Writer, id ClientID, version uint8, code uint16, payload []byte) error {
	buf, err := EncodeRequest(id, version, code, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write request: %w", err)
	}
	return nil
}

// ReadResponse reads one response message from r.
func ReadResponse(r io.Reader) (Response, error) {
	var hdr [ResponseHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Response{}, fmt.Errorf("protocol: read response header: %w", err)
	}

	size := binary.LittleEndian.Uint32(hdr[3:])
	if size > MaxPayloadSize {
		return Response{}, ErrOversizedPayload
	}

	buf := make([]byte, ResponseHeaderSize+int(size))
	copy(buf, hdr[:])
	if _, err := io.ReadFull(r, buf[ResponseHeaderSize:]); err != nil {
		return Response{}, fmt.Errorf("protocol: read response payload: %w", err)
	}

	return DecodeResponse(buf)
}

// WriteResponse encodes and writes one response message to w.
func WriteResponse(w io.Writer, version uint8, code uint16, payload []byte) error {
	buf, err := EncodeResponse(version, code, payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("protocol: write response: %w", err)
	}
	return nil
}
