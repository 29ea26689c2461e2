// Package codec implements the byte-stuffed wire format used on the serial
// line.
//
// Frame format:
//
//	0x7E [escaped data...] [escaped checksum] 0x7E
//
// Inside a frame 0x7E is sent as 0x7D 0x5E and 0x7D as 0x7D 0x5D. The
// checksum is the mod-256 sum of the unescaped data bytes.
package codec

import (
	"fmt"

	"github.com/kabili207/serialframe-go/core"
)

const (
	// FlagByte marks the start and the end of every frame.
	FlagByte byte = 0x7E
	// EscapeByte introduces a two-byte escape sequence.
	EscapeByte byte = 0x7D

	escapedFlag   byte = 0x5E
	escapedEscape byte = 0x5D

	// FrameOverhead is the number of non-data bytes in a frame
	// (start marker, checksum, end marker) before escaping.
	FrameOverhead = 3
	// DefaultBufferSize is the default rx/tx buffer capacity.
	DefaultBufferSize = 256
)

// Frame is a decoded frame.
type Frame struct {
	Payload  []byte
	Checksum byte
}

// MaxPayload returns the largest payload that always fits in a frame buffer
// of the given capacity, assuming every data byte and the checksum need
// escaping. For the default 256-byte buffer this is 125.
func MaxPayload(capacity int) int {
	n := capacity/2 - FrameOverhead
	if n < 0 {
		return 0
	}
	return n
}

// Encode writes payload as a frame into dst and returns the number of bytes
// written. dst is the whole transmit region; its length bounds the payload
// through MaxPayload.
func Encode(dst, payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty payload", core.ErrParameter)
	}
	if limit := MaxPayload(len(dst)); len(payload) > limit {
		return 0, fmt.Errorf("%w: payload of %d bytes exceeds %d", core.ErrBuffer, len(payload), limit)
	}

	n := 0
	dst[n] = FlagByte
	n++

	var sum byte
	for _, b := range payload {
		sum += b
		n += putEscaped(dst[n:], b)
	}
	n += putEscaped(dst[n:], sum)

	dst[n] = FlagByte
	n++
	return n, nil
}

// EncodeFrame encodes payload into a newly allocated frame sized for a
// DefaultBufferSize transmit buffer.
func EncodeFrame(payload []byte) ([]byte, error) {
	buf := make([]byte, DefaultBufferSize)
	n, err := Encode(buf, payload)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func putEscaped(dst []byte, b byte) int {
	switch b {
	case FlagByte:
		dst[0], dst[1] = EscapeByte, escapedFlag
		return 2
	case EscapeByte:
		dst[0], dst[1] = EscapeByte, escapedEscape
		return 2
	default:
		dst[0] = b
		return 1
	}
}

// Decode decodes the first frame found in wire. Bytes before the start
// marker are skipped. It returns the frame and the bytes following the
// closing marker, which belong to no frame and are left to the caller.
//
// The scan never reads past len(wire): a missing marker or an escape byte
// without its pair yields ErrDataInvalid.
func Decode(wire []byte) (*Frame, []byte, error) {
	body, end, err := unescape(wire)
	if err != nil {
		return nil, wire, err
	}

	data := body[:len(body)-1]
	received := body[len(body)-1]
	if !ValidateChecksum(data, received) {
		return nil, wire, fmt.Errorf("%w: expected %02x, got %02x", core.ErrChecksum, Checksum(data), received)
	}

	return &Frame{Payload: data, Checksum: received}, wire[end+1:], nil
}

// unescape locates the two markers and returns the unescaped bytes between
// them (data followed by the checksum) and the index of the closing marker.
func unescape(wire []byte) ([]byte, int, error) {
	start := -1
	for i, b := range wire {
		if b == FlagByte {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, 0, fmt.Errorf("%w: no start marker", core.ErrDataInvalid)
	}

	body := make([]byte, 0, len(wire)-start)
	for i := start + 1; i < len(wire); i++ {
		b := wire[i]
		switch b {
		case FlagByte:
			if len(body) == 0 {
				return nil, 0, fmt.Errorf("%w: frame has no checksum", core.ErrDataInvalid)
			}
			return body, i, nil
		case EscapeByte:
			i++
			if i >= len(wire) {
				return nil, 0, fmt.Errorf("%w: truncated escape at offset %d", core.ErrDataInvalid, i-1)
			}
			switch wire[i] {
			case escapedFlag:
				b = FlagByte
			case escapedEscape:
				b = EscapeByte
			default:
				return nil, 0, fmt.Errorf("%w: invalid escape 7d %02x at offset %d", core.ErrDataInvalid, wire[i], i-1)
			}
		}
		body = append(body, b)
	}
	return nil, 0, fmt.Errorf("%w: no end marker", core.ErrDataInvalid)
}
