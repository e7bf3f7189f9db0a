package srej

import (
	"errors"

	log "github.com/sirupsen/logrus"
)

var ErrSeqTooFarAhead = errors.New("sequence number too far ahead of window base")

// packetSlot holds one tracked PDU inside the window
type packetSlot struct {
	seq             uint32
	flag            uint8
	data            []byte // complete sealed PDU
	acknowledged    bool
	retransmitCount int
}

func (slot *packetSlot) clear() {
	slot.seq = 0
	slot.flag = 0
	slot.data = nil
	slot.acknowledged = false
	slot.retransmitCount = 0
}

// Window is a fixed size slotted array indexed by seq modulo the window
// size. The sender uses it to track unacknowledged packets, the receiver
// reuses it as a reorder buffer for out-of-order packets.
// Slot placement normally follows seq mod size, but the replacement policy
// can displace a sequence out of its natural slot, so every lookup falls
// back to a linear scan on mismatch.
type Window struct {
	slots []packetSlot
	size  uint32
	base  uint32

	// duplicate ack tracking for acks just below the window base
	lastDupAck  uint32
	dupAckCount int
}

func NewWindow(size uint32) *Window {
	return &Window{
		slots: make([]packetSlot, size),
		size:  size,
	}
}

func (w *Window) Base() uint32 {
	return w.base
}

// SetBase sets the window base to seq. The receiver uses this to pin the reorder
// buffer to its next expected sequence.
func (w *Window) SetBase(seq uint32) {
	w.base = seq
}

// Add places a sealed PDU in the window and returns the slot index used.
// The primary slot is seq mod size. When the primary slot holds a different
// sequence and seq lies in [base, base+size), the slots are scanned from the
// primary one for an empty or acknowledged slot; with none available, or
// when seq lies outside that range, the primary slot is overwritten.
// Sequences beyond base+2*size are rejected.
func (w *Window) Add(seq uint32, pdu []byte, flag uint8) (int, error) {
	if seq > w.base+2*w.size {
		log.Debugf("[WINDOW] packet seq=%d is far ahead, window range [%d, %d]", seq, w.base, w.base+w.size-1)
		return -1, ErrSeqTooFarAhead
	}
	index := int(seq % w.size)

	if w.slots[index].data != nil && w.slots[index].seq != seq {
		if seq >= w.base && seq < w.base+w.size {
			for i := uint32(0); i < w.size; i++ {
				alt := int((uint32(index) + i) % w.size)
				if w.slots[alt].data == nil || w.slots[alt].acknowledged {
					log.Debugf("[WINDOW] alternate slot %d for packet seq=%d", alt, seq)
					index = alt
					break
				}
			}
		}
		if w.slots[index].data != nil && w.slots[index].seq != seq && !w.slots[index].acknowledged {
			log.Warnf("[WINDOW] no free slot, replacing packet seq=%d with seq=%d at index %d", w.slots[index].seq, seq, index)
		}
	}

	w.slots[index].seq = seq
	w.slots[index].flag = flag
	w.slots[index].data = append([]byte(nil), pdu...)
	w.slots[index].acknowledged = false
	w.slots[index].retransmitCount = 0
	return index, nil
}

// MarkAck processes a cumulative acknowledgement for every sequence in
// [base, ackSeq]. An ack for base-1 is tracked as a duplicate: three
// consecutive ones mark the packet at base unacknowledged so it gets
// retransmitted. Acks more than 5 below the base are stale and ignored.
func (w *Window) MarkAck(ackSeq uint32) {
	if ackSeq == w.base-1 {
		if w.lastDupAck == ackSeq {
			w.dupAckCount++
			if w.dupAckCount >= 3 {
				log.Debugf("[WINDOW] repeated ack for seq=%d (%d times)", ackSeq, w.dupAckCount)
				index := int(w.base % w.size)
				if w.slots[index].data != nil && w.slots[index].seq == w.base {
					w.slots[index].acknowledged = false
				}
			}
		} else {
			w.lastDupAck = ackSeq
			w.dupAckCount = 1
		}
		return
	}
	w.lastDupAck = 0
	w.dupAckCount = 0

	if ackSeq < w.base && w.base-ackSeq > 5 {
		log.Debugf("[WINDOW] ignoring stale ack seq=%d (base=%d)", ackSeq, w.base)
		return
	}
	if ackSeq < w.base {
		// [base, ackSeq] is empty
		return
	}

	packetsToAck := ackSeq - w.base + 1
	if packetsToAck > w.size {
		packetsToAck = w.size
	}

	for i := uint32(0); i < packetsToAck; i++ {
		seq := w.base + i
		index := int(seq % w.size)
		if w.slots[index].data != nil && w.slots[index].seq == seq {
			w.slots[index].acknowledged = true
			continue
		}
		for j := uint32(0); j < w.size; j++ {
			alt := int((uint32(index) + j) % w.size)
			if w.slots[alt].data != nil && w.slots[alt].seq == seq {
				w.slots[alt].acknowledged = true
				break
			}
		}
	}
}

// Get returns the slot holding seq, or nil when the sequence is outside
// the retrievable range or not buffered.
func (w *Window) Get(seq uint32) *packetSlot {
	if seq < w.base && w.base-seq > w.size {
		return nil
	}
	if seq >= w.base+2*w.size {
		return nil
	}
	index := int(seq % w.size)
	if w.slots[index].data != nil && w.slots[index].seq == seq {
		return &w.slots[index]
	}
	for i := uint32(0); i < w.size; i++ {
		alt := int((uint32(index) + i) % w.size)
		if w.slots[alt].data != nil && w.slots[alt].seq == seq {
			return &w.slots[alt]
		}
	}
	return nil
}

// Slide advances the base past consecutive acknowledged packets, releasing
// their payloads. Work is capped at one full window per call.
func (w *Window) Slide() int {
	slid := 0
	for uint32(slid) < w.size {
		index := int(w.base % w.size)
		if w.slots[index].data != nil && w.slots[index].seq == w.base && w.slots[index].acknowledged {
			w.slots[index].clear()
			w.base++
			slid++
			continue
		}
		found := false
		for i := uint32(0); i < w.size; i++ {
			alt := int((uint32(index) + i) % w.size)
			if w.slots[alt].data != nil && w.slots[alt].seq == w.base && w.slots[alt].acknowledged {
				w.slots[alt].clear()
				w.base++
				slid++
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	if slid > 0 {
		log.Debugf("[WINDOW] slid %d packets, base=%d", slid, w.base)
	}
	return slid
}

// forceAck stamps the slot at the primary index of the base sequence as
// acknowledged so Slide can move past it. Used by the bounded retry escape
// hatch when a packet cannot be delivered.
func (w *Window) forceAck() {
	index := int(w.base % w.size)
	w.slots[index].seq = w.base
	w.slots[index].acknowledged = true
	if w.slots[index].data == nil {
		w.slots[index].data = []byte{}
	}
}
