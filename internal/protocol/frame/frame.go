// Package frame is the length-prefixed wire unit the transport moves between
// console and agents: a fixed header, the sender/recipient identity, and an
// opaque payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0xDAC01001
	Version        uint16 = 1
	FixedHeaderLen uint16 = 32

	FlagHasIdentity uint32 = 0x01
)

// Message types.
const (
	// MsgHello announces the dealer identity right after a (re)connect.
	MsgHello uint32 = 1
	// MsgData carries one application payload.
	MsgData uint32 = 2
)

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrHeaderLenTooSmall  = errors.New("frame: header_len smaller than fixed header")
	ErrHeaderLenMismatch  = errors.New("frame: identity flag set but header_len has no identity bytes")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrIdentityTooLarge   = errors.New("frame: identity too large")
	ErrUnknownMessageType = errors.New("frame: unknown message type")
)

// Header is the fixed wire header.
type Header struct {
	Magic       uint32
	Version     uint16
	HeaderLen   uint16
	MessageID   uint64
	MessageType uint32
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message.
type Frame struct {
	Header   Header
	Identity []byte
	Payload  []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxIdentityBytes uint64
	MaxPayloadBytes  uint64
}

func DefaultLimits() Limits {
	return Limits{
		MaxIdentityBytes: 255,
		MaxPayloadBytes:  8 * 1024 * 1024,
	}
}

// Data builds a data frame for identity carrying payload.
func Data(messageID uint64, identity []byte, payload []byte) Frame {
	return Frame{
		Header:   Header{MessageID: messageID, MessageType: MsgData},
		Identity: identity,
		Payload:  payload,
	}
}

// Hello builds the identity announcement sent by a dealer after connecting.
func Hello(messageID uint64, identity []byte) Frame {
	return Frame{
		Header:   Header{MessageID: messageID, MessageType: MsgHello},
		Identity: identity,
	}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Frame{}, ErrUnsupportedVersion
	}
	if h.HeaderLen < FixedHeaderLen {
		return Frame{}, ErrHeaderLenTooSmall
	}
	if h.MessageType != MsgHello && h.MessageType != MsgData {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, h.MessageType)
	}

	idLen := uint64(h.HeaderLen - FixedHeaderLen)
	if h.Flags&FlagHasIdentity != 0 && idLen == 0 {
		return Frame{}, ErrHeaderLenMismatch
	}
	if idLen > limits.MaxIdentityBytes {
		return Frame{}, ErrIdentityTooLarge
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	identity := make([]byte, idLen)
	if idLen > 0 {
		if _, err := io.ReadFull(r, identity); err != nil {
			return Frame{}, err
		}
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}

	return Frame{Header: h, Identity: identity, Payload: payload}, nil
}

// WriteFrame encodes f as a single contiguous write so concurrent writers on
// distinct connections never interleave partial frames.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	idLen := uint64(len(f.Identity))
	payloadLen := uint64(len(f.Payload))
	if idLen > limits.MaxIdentityBytes {
		return ErrIdentityTooLarge
	}
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.HeaderLen = FixedHeaderLen + uint16(idLen)
	h.PayloadLen = payloadLen
	if idLen > 0 {
		h.Flags |= FlagHasIdentity
	} else {
		h.Flags &^= FlagHasIdentity
	}

	buf := make([]byte, 0, int(FixedHeaderLen)+int(idLen)+int(payloadLen))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Identity...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.HeaderLen)
	binary.BigEndian.PutUint64(buf[8:16], h.MessageID)
	binary.BigEndian.PutUint32(buf[16:20], h.MessageType)
	binary.BigEndian.PutUint32(buf[20:24], h.Flags)
	binary.BigEndian.PutUint64(buf[24:32], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		HeaderLen:   binary.BigEndian.Uint16(b[6:8]),
		MessageID:   binary.BigEndian.Uint64(b[8:16]),
		MessageType: binary.BigEndian.Uint32(b[16:20]),
		Flags:       binary.BigEndian.Uint32(b[20:24]),
		PayloadLen:  binary.BigEndian.Uint64(b[24:32]),
	}, nil
}
