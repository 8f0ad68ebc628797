package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Opcode is the 4-bit frame type.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Role selects masking: clients mask every frame they send, servers never do.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

const (
	finBit           = 0x80
	maskBit          = 0x80
	maxControlLen    = 125
	len16Marker      = 126
	len64Marker      = 127
	maxFramePayload  = 64 << 20
	maskKeyLen       = 4
	closeNormalCode  = 1000
	minHeaderLen     = 2
	ext16HeaderLen   = minHeaderLen + 2
	ext64HeaderLen   = minHeaderLen + 8
	opcodeMask       = 0x0F
	payloadLenMask   = 0x7F
	controlOpcodeBit = 0x08
)

// ErrMalformedFrame is reported by the frame parser. The receive buffer absorbs it.
var ErrMalformedFrame = errors.New("malformed frame")

// Frame is a single protocol frame.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Masked  bool
	Payload []byte
}

// DecodeKind tells the connection what a decoded frame asks of it.
type DecodeKind int

const (
	DecodeNone DecodeKind = iota
	DecodeMessage
	DecodeClose
	DecodePing
	DecodePong
)

// Decoded is the result of DecodeOne. Consumed == 0 means more bytes are needed.
type Decoded struct {
	Consumed int
	Kind     DecodeKind
	Text     string
	Payload  []byte
}

// DecodeOne decodes the frame at the head of buf. buf is not modified.
// Malformed input consumes the whole buffer and yields nothing.
func DecodeOne(buf []byte) Decoded {
	frame, n, err := decodeFrame(buf)
	if err != nil {
		return Decoded{Consumed: len(buf)}
	}
	if n == 0 {
		return Decoded{}
	}

	switch frame.Opcode {
	case OpText:
		if !frame.Fin || len(frame.Payload) == 0 {
			return Decoded{Consumed: n}
		}
		text := strings.ToValidUTF8(string(frame.Payload), "\uFFFD")
		if strings.TrimSpace(text) == "" {
			return Decoded{Consumed: n}
		}

		return Decoded{Consumed: n, Kind: DecodeMessage, Text: text}
	case OpClose:
		return Decoded{Consumed: n, Kind: DecodeClose, Payload: frame.Payload}
	case OpPing:
		return Decoded{Consumed: n, Kind: DecodePing, Payload: frame.Payload}
	case OpPong:
		return Decoded{Consumed: n, Kind: DecodePong, Payload: frame.Payload}
	default:
		return Decoded{Consumed: n}
	}
}

// decodeFrame parses one frame. It returns n == 0 without error while buf is incomplete.
func decodeFrame(buf []byte) (Frame, int, error) {
	var frame Frame
	if len(buf) < minHeaderLen {
		return Frame{}, 0, nil
	}

	frame.Fin = buf[0]&finBit != 0
	frame.Opcode = Opcode(buf[0] & opcodeMask)
	frame.Masked = buf[1]&maskBit != 0

	offset := minHeaderLen
	var length uint64
	switch hint := buf[1] & payloadLenMask; hint {
	case len16Marker:
		if len(buf) < ext16HeaderLen {
			return Frame{}, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[minHeaderLen:ext16HeaderLen]))
		offset = ext16HeaderLen
	case len64Marker:
		if len(buf) < ext64HeaderLen {
			return Frame{}, 0, nil
		}
		length = binary.BigEndian.Uint64(buf[minHeaderLen:ext64HeaderLen])
		offset = ext64HeaderLen
	default:
		length = uint64(hint)
	}

	if length > maxFramePayload {
		return Frame{}, 0, fmt.Errorf("%w: declared payload length %d", ErrMalformedFrame, length)
	}
	if frame.Opcode&controlOpcodeBit != 0 && length > maxControlLen {
		return Frame{}, 0, fmt.Errorf("%w: control frame payload length %d", ErrMalformedFrame, length)
	}

	var key [maskKeyLen]byte
	if frame.Masked {
		if len(buf) < offset+maskKeyLen {
			return Frame{}, 0, nil
		}
		copy(key[:], buf[offset:offset+maskKeyLen])
		offset += maskKeyLen
	}

	// #nosec G115 -- length is bounded by maxFramePayload above.
	total := offset + int(length)
	if len(buf) < total {
		return Frame{}, 0, nil
	}

	frame.Payload = append([]byte(nil), buf[offset:total]...)
	if frame.Masked {
		maskBytes(key, frame.Payload)
	}

	return frame, total, nil
}

// EncodeFrame builds a final (FIN=1) frame; client-role frames get a fresh random mask key.
func EncodeFrame(role Role, op Opcode, payload []byte) ([]byte, error) {
	var key *[maskKeyLen]byte
	if role == RoleClient {
		k := newMaskKey()
		key = &k
	}

	return encodeFrame(op, payload, key)
}

func EncodeText(role Role, text string) ([]byte, error) {
	return EncodeFrame(role, OpText, []byte(text))
}

func EncodePong(role Role, payload []byte) ([]byte, error) {
	return EncodeFrame(role, OpPong, payload)
}

// EncodeClose builds a Close frame carrying the normal-closure status code.
func EncodeClose(role Role) ([]byte, error) {
	var payload [2]byte
	binary.BigEndian.PutUint16(payload[:], closeNormalCode)

	return EncodeFrame(role, OpClose, payload[:])
}

func encodeFrame(op Opcode, payload []byte, key *[maskKeyLen]byte) ([]byte, error) {
	if op&controlOpcodeBit != 0 && len(payload) > maxControlLen {
		return nil, fmt.Errorf("control frame payload too large: %d", len(payload))
	}

	header := make([]byte, 0, ext64HeaderLen+maskKeyLen)
	header = append(header, finBit|byte(op))

	var maskFlag byte
	if key != nil {
		maskFlag = maskBit
	}
	switch n := len(payload); {
	case n < len16Marker:
		header = append(header, maskFlag|byte(n))
	case n <= math.MaxUint16:
		header = append(header, maskFlag|len16Marker)
		// #nosec G115 -- n is bounded by math.MaxUint16 in this branch.
		header = binary.BigEndian.AppendUint16(header, uint16(n))
	default:
		header = append(header, maskFlag|len64Marker)
		header = binary.BigEndian.AppendUint64(header, uint64(n))
	}
	if key != nil {
		header = append(header, key[:]...)
	}

	frame := make([]byte, len(header)+len(payload))
	copy(frame, header)
	copy(frame[len(header):], payload)
	if key != nil {
		maskBytes(*key, frame[len(header):])
	}

	return frame, nil
}

// maskBytes XORs payload with key in place. Applying it twice restores the input.
func maskBytes(key [maskKeyLen]byte, payload []byte) {
	for i := range payload {
		payload[i] ^= key[i%maskKeyLen]
	}
}

func newMaskKey() [maskKeyLen]byte {
	var key [maskKeyLen]byte
	_, _ = rand.Read(key[:])

	return key
}

// ReceiveBuffer accumulates raw reads and yields decoded frames. It is owned by a single reader.
type ReceiveBuffer struct {
	data []byte
}

// Feed appends p and decodes every complete frame. Frames that produce nothing are dropped.
func (b *ReceiveBuffer) Feed(p []byte) []Decoded {
	b.data = append(b.data, p...)

	var out []Decoded
	for len(b.data) > 0 {
		d := DecodeOne(b.data)
		if d.Consumed == 0 {
			break
		}
		b.data = b.data[d.Consumed:]
		if d.Kind != DecodeNone {
			out = append(out, d)
		}
	}
	if len(b.data) == 0 {
		b.data = nil
	}

	return out
}

// Len returns the number of buffered, not yet decoded bytes.
func (b *ReceiveBuffer) Len() int {
	return len(b.data)
}

func (b *ReceiveBuffer) Reset() {
	b.data = nil
}
