package srej

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

var (
	ErrRingFull     = errors.New("not enough space in retransmission ring")
	ErrSeqNotStored = errors.New("sequence not stored in retransmission ring")
)

// Ring is a circular byte buffer holding already-sent payloads addressable
// by sequence number. Payloads are laid out back to back in whole units of
// the negotiated buffer size, so the position of a sequence is derived from
// its offset relative to the oldest stored sequence. The sender reads from
// it when a packet has to be reconstructed after the live window lost its
// copy.
type Ring struct {
	data     []byte
	head     int // oldest stored byte
	tail     int // write cursor
	stored   int
	startSeq uint32 // oldest stored sequence
	endSeq   uint32 // one past the newest stored sequence
	unit     int    // negotiated payload size
}

// NewRing creates a ring of the given byte capacity, with payloads stored
// in units of unit bytes.
func NewRing(size int, unit int) *Ring {
	return &Ring{
		data: make([]byte, size),
		unit: unit,
	}
}

// Write appends the payload for seq, evicting the oldest payloads in whole
// units when space runs short. The first evicted unit may be partial since
// the head need not be unit aligned.
func (r *Ring) Write(payload []byte, seq uint32) error {
	if r.stored+len(payload) > len(r.data) {
		bytesToFree := len(payload)
		evicted := uint32(0)
		for bytesToFree > 0 && r.stored > 0 {
			unitSize := r.unit
			if evicted == 0 {
				unitSize = r.unit - r.head%r.unit
			}
			if unitSize > r.stored {
				unitSize = r.stored
			}
			r.head = (r.head + unitSize) % len(r.data)
			r.stored -= unitSize
			if bytesToFree > unitSize {
				bytesToFree -= unitSize
			} else {
				bytesToFree = 0
			}
			evicted++
		}
		r.startSeq += evicted
		log.Debugf("[RING] evicted %d payloads, start seq now %d", evicted, r.startSeq)

		if r.stored+len(payload) > len(r.data) {
			return ErrRingFull
		}
	}

	if r.tail+len(payload) <= len(r.data) {
		copy(r.data[r.tail:], payload)
	} else {
		first := len(r.data) - r.tail
		copy(r.data[r.tail:], payload[:first])
		copy(r.data, payload[first:])
	}
	r.tail = (r.tail + len(payload)) % len(r.data)
	r.stored += len(payload)

	if seq >= r.endSeq {
		r.endSeq = seq + 1
	}
	return nil
}

// ReadSeq copies the stored payload for seq into out and returns the number
// of bytes copied. The last stored sequence may be shorter than a full unit.
func (r *Ring) ReadSeq(out []byte, seq uint32) (int, error) {
	if seq < r.startSeq || seq >= r.endSeq {
		return 0, ErrSeqNotStored
	}

	offset := int(seq - r.startSeq)
	position := (r.head + offset*r.unit) % len(r.data)

	length := r.unit
	if length > len(out) {
		length = len(out)
	}
	if seq == r.endSeq-1 && r.stored < (offset+1)*r.unit {
		last := r.stored - offset*r.unit
		if last < length {
			length = last
		}
	}

	if position+length <= len(r.data) {
		copy(out, r.data[position:position+length])
	} else {
		first := len(r.data) - position
		copy(out, r.data[position:])
		copy(out[first:], r.data[:length-first])
	}
	return length, nil
}
