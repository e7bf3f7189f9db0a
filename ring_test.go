package srej

import (
	"bytes"
	"testing"
)

func ringPayload(seq uint32, size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(seq) + byte(i)
	}
	return payload
}

func TestRingRoundTrip(t *testing.T) {
	ring := NewRing(2*4*100, 100)
	for seq := uint32(0); seq < 8; seq++ {
		if err := ring.Write(ringPayload(seq, 100), seq); err != nil {
			t.Errorf("Write seq %v failed: %v", seq, err)
		}
	}
	out := make([]byte, 100)
	for seq := uint32(0); seq < 8; seq++ {
		n, err := ring.ReadSeq(out, seq)
		if err != nil {
			t.Errorf("ReadSeq %v failed: %v", seq, err)
		}
		if n != 100 {
			t.Errorf("ReadSeq %v returned %v bytes", seq, n)
		}
		if !bytes.Equal(out[:n], ringPayload(seq, 100)) {
			t.Errorf("ReadSeq %v returned wrong bytes", seq)
		}
	}
}

func TestRingEvictsOldest(t *testing.T) {
	ring := NewRing(2*4*100, 100)
	for seq := uint32(0); seq < 10; seq++ {
		if err := ring.Write(ringPayload(seq, 100), seq); err != nil {
			t.Errorf("Write seq %v failed: %v", seq, err)
		}
	}
	out := make([]byte, 100)
	// the two oldest sequences were evicted to make room
	if _, err := ring.ReadSeq(out, 0); err != ErrSeqNotStored {
		t.Errorf("Expected ErrSeqNotStored, got %v", err)
	}
	if _, err := ring.ReadSeq(out, 1); err != ErrSeqNotStored {
		t.Errorf("Expected ErrSeqNotStored, got %v", err)
	}
	// retained sequences still read back correctly across the wrap
	for seq := uint32(2); seq < 10; seq++ {
		n, err := ring.ReadSeq(out, seq)
		if err != nil || n != 100 {
			t.Errorf("ReadSeq %v: n=%v err=%v", seq, n, err)
			continue
		}
		if !bytes.Equal(out[:n], ringPayload(seq, 100)) {
			t.Errorf("ReadSeq %v returned wrong bytes after eviction", seq)
		}
	}
}

func TestRingShortLastPayload(t *testing.T) {
	ring := NewRing(2*4*100, 100)
	if err := ring.Write(ringPayload(0, 100), 0); err != nil {
		t.Error(err)
	}
	if err := ring.Write(ringPayload(1, 37), 1); err != nil {
		t.Error(err)
	}
	out := make([]byte, 100)
	n, err := ring.ReadSeq(out, 1)
	if err != nil {
		t.Error(err)
	}
	if n != 37 {
		t.Errorf("Expected 37 bytes for the short last payload, got %v", n)
	}
	if !bytes.Equal(out[:n], ringPayload(1, 37)) {
		t.Error("Short payload bytes mismatch")
	}
}

func TestRingReadOutOfRange(t *testing.T) {
	ring := NewRing(2*4*100, 100)
	out := make([]byte, 100)
	if _, err := ring.ReadSeq(out, 0); err != ErrSeqNotStored {
		t.Errorf("Expected ErrSeqNotStored on empty ring, got %v", err)
	}
	if err := ring.Write(ringPayload(0, 100), 0); err != nil {
		t.Error(err)
	}
	if _, err := ring.ReadSeq(out, 1); err != ErrSeqNotStored {
		t.Errorf("Expected ErrSeqNotStored past the end, got %v", err)
	}
}

func TestRingClampsToOutputBuffer(t *testing.T) {
	ring := NewRing(2*4*100, 100)
	if err := ring.Write(ringPayload(0, 100), 0); err != nil {
		t.Error(err)
	}
	out := make([]byte, 10)
	n, err := ring.ReadSeq(out, 0)
	if err != nil {
		t.Error(err)
	}
	if n != 10 {
		t.Errorf("Expected clamp to 10 bytes, got %v", n)
	}
}
