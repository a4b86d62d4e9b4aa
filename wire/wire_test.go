package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	frame, err := Encode(NewHeader(7, 12345), payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if len(frame) != HeaderSize+len(payload)+CRCSize {
		t.Fatalf("frame size: got %d, want %d", len(frame), HeaderSize+len(payload)+CRCSize)
	}

	h, got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if h.Marker != Marker {
		t.Errorf("Marker: got %#04x, want %#04x", h.Marker, Marker)
	}
	if h.ID != 7 {
		t.Errorf("ID: got %d, want 7", h.ID)
	}
	if h.SeqNum != 12345 {
		t.Errorf("SeqNum: got %d, want 12345", h.SeqNum)
	}
	if h.Length != uint16(len(payload)) {
		t.Errorf("Length: got %d, want %d", h.Length, len(payload))
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload: got %q, want %q", got, payload)
	}
}

func TestEmptyPayloadRoundTrip(t *testing.T) {
	frame, err := Encode(NewHeader(AckID, 9), nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	h, payload, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !h.IsAck() {
		t.Errorf("expected ACK header, got id %d", h.ID)
	}
	if h.Length != 0 || len(payload) != 0 {
		t.Errorf("expected empty payload, got length %d", len(payload))
	}
}

func TestMaxPayloadRoundTrip(t *testing.T) {
	payload := make([]byte, MaxPayload)
	for i := range payload {
		payload[i] = byte(i)
	}
	frame, err := Encode(NewHeader(3, 1), payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	_, got, err := Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("max-size payload did not survive the round trip")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(NewHeader(1, 1), make([]byte, MaxPayload+1))
	if err == nil {
		t.Fatal("expected error for payload over 65535 bytes, got nil")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("65535")) {
		t.Errorf("error should mention the size limit, got: %v", err)
	}
}

func TestDecodeRejectsBadMarker(t *testing.T) {
	frame, err := Encode(NewHeader(1, 1), []byte("x"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	frame[0] = 0x00
	if _, _, err := Decode(frame); err == nil {
		t.Fatal("expected marker error, got nil")
	}
}

// Flipping any single bit anywhere in a frame must cause a rejection: a
// marker error, a size mismatch, or a checksum failure — never a frame that
// decodes cleanly with wrong content.
func TestSingleBitCorruptionDetected(t *testing.T) {
	payload := []byte("delivery status report")
	frame, err := Encode(NewHeader(5, 77), payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	for i := 0; i < len(frame)*8; i++ {
		corrupt := make([]byte, len(frame))
		copy(corrupt, frame)
		corrupt[i/8] ^= 1 << (i % 8)

		if _, _, err := Decode(corrupt); err == nil {
			t.Fatalf("bit flip at offset %d byte %d accepted silently", i, i/8)
		}
	}
}

func TestReadFrameResyncsOnGarbage(t *testing.T) {
	frame, err := Encode(NewHeader(2, 4), []byte("payload"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	var stream bytes.Buffer
	// Garbage ends with a lone 0xAA so the scan must handle an aborted
	// marker match immediately followed by a real one.
	stream.Write([]byte{0x00, 0x13, 0x55, 0xAA, 0x99, 0xAA})
	stream.Write(frame)

	h, payload, err := ReadFrame(bufio.NewReader(&stream))
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if h.ID != 2 || h.SeqNum != 4 {
		t.Errorf("header: got id=%d seq=%d, want id=2 seq=4", h.ID, h.SeqNum)
	}
	if !bytes.Equal(payload, []byte("payload")) {
		t.Errorf("payload: got %q", payload)
	}
}

func TestReadFrameBackToBack(t *testing.T) {
	var stream bytes.Buffer
	for seq := uint16(1); seq <= 3; seq++ {
		frame, err := Encode(NewHeader(9, seq), []byte{byte(seq)})
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		stream.Write(frame)
	}

	r := bufio.NewReader(&stream)
	for seq := uint16(1); seq <= 3; seq++ {
		h, payload, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("ReadFrame %d failed: %v", seq, err)
		}
		if h.SeqNum != seq {
			t.Errorf("frame order: got seq %d, want %d", h.SeqNum, seq)
		}
		if len(payload) != 1 || payload[0] != byte(seq) {
			t.Errorf("frame %d: wrong payload %v", seq, payload)
		}
	}
}

func TestReadFrameShortStream(t *testing.T) {
	frame, err := Encode(NewHeader(1, 1), []byte("truncated in flight"))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	r := bufio.NewReader(bytes.NewReader(frame[:len(frame)-5]))
	if _, _, err := ReadFrame(r); err == nil {
		t.Fatal("expected error for truncated stream, got nil")
	}
}

func TestChecksumKnownVector(t *testing.T) {
	// Standard CRC-16/CCITT-FALSE check value.
	if got := Checksum([]byte("123456789")); got != 0x29B1 {
		t.Fatalf("Checksum: got %#04x, want 0x29B1", got)
	}
}
