// Package wire implements the binary frame format shared by every callbus
// transport.
//
// A frame is a fixed 8-byte header, a variable-length payload, and a 2-byte
// CRC trailer. The receiver reads the header first to determine the payload
// length, then reads exactly that many bytes, then verifies the checksum.
//
// Frame format:
//
//	0        2        4        6        8                 8+len      10+len
//	┌────────┬────────┬────────┬────────┬─────────────────┬──────────┐
//	│ marker │   id   │ seqNum │ length │    payload ...  │  crc16   │
//	│ 0xAA55 │ uint16 │ uint16 │ uint16 │   length bytes  │  uint16  │
//	└────────┴────────┴────────┴────────┴─────────────────┴──────────┘
//
// All header fields and the CRC are big-endian regardless of host byte
// order. The marker is a constant sync value used to find frame boundaries
// in a garbled byte stream; id selects the remote endpoint (or the reserved
// ACK id); seqNum is the per-sender wrapping send counter the reliability
// layer matches ACKs against.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Marker is the frame sync value. On the wire it appears as the byte
	// 0xAA followed by 0x55, which is what the stream resync scan looks for.
	Marker uint16 = 0xAA55

	// AckID is the reserved endpoint id for acknowledgment frames.
	// ACK frames carry no payload; their seqNum echoes the frame being
	// acknowledged.
	AckID uint16 = 0xFFFF

	HeaderSize = 8     // marker + id + seqNum + length, 2 bytes each
	CRCSize    = 2     // CRC-16 trailer
	MaxPayload = 65535 // length is a uint16
)

var (
	ErrBadMarker       = errors.New("wire: invalid frame marker")
	ErrShortFrame      = errors.New("wire: frame truncated")
	ErrChecksum        = errors.New("wire: checksum mismatch")
	ErrPayloadTooLarge = errors.New("wire: payload exceeds 65535 bytes")
)

// Header is the fixed 8-byte frame header.
type Header struct {
	Marker uint16 // Constant sync value, always 0xAA55 on valid frames
	ID     uint16 // Remote endpoint id, or AckID for acknowledgments
	SeqNum uint16 // Per-sender send counter, wraps at 65535
	Length uint16 // Payload byte count (0 for ACK frames)
}

// NewHeader returns a header for the given endpoint and sequence number.
// Length is filled in by Encode from the actual payload.
func NewHeader(id, seqNum uint16) Header {
	return Header{Marker: Marker, ID: id, SeqNum: seqNum}
}

// IsAck reports whether the header describes an acknowledgment frame.
func (h Header) IsAck() bool {
	return h.ID == AckID
}

// Encode produces a complete frame: header, payload, CRC trailer.
// The header's Length field is set from the payload; the Marker field is
// forced to the sync constant. The result is exactly
// HeaderSize+len(payload)+CRCSize bytes.
func Encode(h Header, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload)+CRCSize)
	binary.BigEndian.PutUint16(buf[0:2], Marker)
	binary.BigEndian.PutUint16(buf[2:4], h.ID)
	binary.BigEndian.PutUint16(buf[4:6], h.SeqNum)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(payload)))
	copy(buf[HeaderSize:], payload)

	// CRC covers the header and payload exactly as they appear on the wire.
	crc := Checksum(buf[:HeaderSize+len(payload)])
	binary.BigEndian.PutUint16(buf[HeaderSize+len(payload):], crc)
	return buf, nil
}

// Decode parses one complete frame from a datagram. The input must contain
// exactly one frame: datagram transports preserve message boundaries, so a
// size mismatch means corruption, not a partial read.
//
// A checksum mismatch is reported as ErrChecksum and no header or payload is
// returned; a frame is either verified or rejected, never half-parsed.
func Decode(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize+CRCSize {
		return Header{}, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(b))
	}

	h := Header{
		Marker: binary.BigEndian.Uint16(b[0:2]),
		ID:     binary.BigEndian.Uint16(b[2:4]),
		SeqNum: binary.BigEndian.Uint16(b[4:6]),
		Length: binary.BigEndian.Uint16(b[6:8]),
	}
	if h.Marker != Marker {
		return Header{}, nil, fmt.Errorf("%w: %#04x", ErrBadMarker, h.Marker)
	}

	total := HeaderSize + int(h.Length) + CRCSize
	if len(b) != total {
		return Header{}, nil, fmt.Errorf("%w: header says %d bytes, datagram has %d",
			ErrShortFrame, total, len(b))
	}

	want := binary.BigEndian.Uint16(b[total-CRCSize:])
	if got := Checksum(b[:total-CRCSize]); got != want {
		return Header{}, nil, fmt.Errorf("%w: computed %#04x, frame carries %#04x",
			ErrChecksum, got, want)
	}

	payload := make([]byte, h.Length)
	copy(payload, b[HeaderSize:total-CRCSize])
	return h, payload, nil
}

// ReadFrame reads one complete frame from a byte stream.
//
// It first resynchronizes on the marker: bytes are consumed one at a time
// until two consecutive bytes equal 0xAA 0x55. This recovers framing after a
// partial or garbled stream without resetting the connection. It then reads
// the remaining six header bytes, exactly Length payload bytes, and the CRC
// trailer.
//
// Read deadlines set on the underlying connection surface here as ordinary
// errors; a short read is a decode failure for this frame, not a fatal
// condition, and the caller resumes framing from the next byte.
func ReadFrame(r *bufio.Reader) (Header, []byte, error) {
	var buf [HeaderSize]byte

	// Sync scan: discard bytes until the two marker bytes appear in order.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Header{}, nil, err
		}
		if b != 0xAA {
			continue
		}
		next, err := r.ReadByte()
		if err != nil {
			return Header{}, nil, err
		}
		if next == 0x55 {
			buf[0], buf[1] = b, next
			break
		}
		// 0xAA followed by something else: the second byte may itself be
		// the start of a marker, so push it back before rescanning.
		if next == 0xAA {
			if err := r.UnreadByte(); err != nil {
				return Header{}, nil, err
			}
		}
	}

	if _, err := io.ReadFull(r, buf[2:]); err != nil {
		return Header{}, nil, shortRead(err)
	}

	h := Header{
		Marker: binary.BigEndian.Uint16(buf[0:2]),
		ID:     binary.BigEndian.Uint16(buf[2:4]),
		SeqNum: binary.BigEndian.Uint16(buf[4:6]),
		Length: binary.BigEndian.Uint16(buf[6:8]),
	}

	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, shortRead(err)
	}

	var trailer [CRCSize]byte
	if _, err := io.ReadFull(r, trailer[:]); err != nil {
		return Header{}, nil, shortRead(err)
	}

	want := binary.BigEndian.Uint16(trailer[:])
	got := Checksum(buf[:])
	got = checksumUpdate(got, payload)
	if got != want {
		return Header{}, nil, fmt.Errorf("%w: computed %#04x, frame carries %#04x",
			ErrChecksum, got, want)
	}

	return h, payload, nil
}

// shortRead maps end-of-stream conditions onto ErrShortFrame so callers can
// classify them as framing faults. Other errors (deadlines, closed
// connections) pass through for the transport layer to interpret.
func shortRead(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrShortFrame, err)
	}
	return err
}
