// Package protocol implements the wire protocol spoken with the LDN relay
// server.
//
// Every record has a fixed byte layout with big-endian integers and no
// implicit padding; the sizes are an interop contract with the relay
// server and must not drift.
//
// Example:
//
//	frame := protocol.EncodeFrame(protocol.TypeProxyData, payload)
//	hdr, err := protocol.DecodeHeader(frame[:protocol.HeaderSize])
//	if err != nil {
//	    log.Fatal(err)
//	}
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType identifies the type of a relay frame.
type MessageType byte

const (
	TypeKeepalive MessageType = iota
	TypeProxyConfig
	TypeProxyConnect
	TypeProxyConnectReply
	TypeProxyData
	TypeProxyDisconnect
)

const (
	// Magic is the frame magic "LDN1".
	Magic uint32 = 0x4C444E31

	// Version is the protocol version this implementation speaks.
	Version byte = 1

	// HeaderSize is the fixed size of the frame header.
	HeaderSize = 12

	// MaxDataSize bounds a single frame payload. Frames claiming more are
	// rejected before any payload read is attempted.
	MaxDataSize = 1 << 20
)

var (
	ErrBadMagic     = errors.New("protocol: bad frame magic")
	ErrBadVersion   = errors.New("protocol: unsupported protocol version")
	ErrShortBuffer  = errors.New("protocol: buffer too short")
	ErrOversizedMsg = errors.New("protocol: frame payload exceeds limit")
)

// Header is the fixed 12-byte frame header preceding every payload.
//
// Layout: magic (u32), version (u8), type (u8), reserved (u16),
// data_size (u32).
type Header struct {
	Magic    uint32
	Version  byte
	Type     MessageType
	DataSize uint32
}

// Marshal converts the header to its 12-byte wire form.
func (h *Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = byte(h.Type)
	// bytes 6-7 reserved, zero
	binary.BigEndian.PutUint32(buf[8:12], h.DataSize)
	return buf
}

// DecodeHeader parses and validates a frame header.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortBuffer
	}

	h := &Header{
		Magic:    binary.BigEndian.Uint32(data[0:4]),
		Version:  data[4],
		Type:     MessageType(data[5]),
		DataSize: binary.BigEndian.Uint32(data[8:12]),
	}

	if h.Magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.DataSize > MaxDataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversizedMsg, h.DataSize)
	}

	return h, nil
}

// EncodeFrame builds a complete frame (header + payload) for transmission.
func EncodeFrame(msgType MessageType, payload []byte) []byte {
	h := Header{
		Magic:    Magic,
		Version:  Version,
		Type:     msgType,
		DataSize: uint32(len(payload)),
	}

	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, h.Marshal()...)
	frame = append(frame, payload...)
	return frame
}
