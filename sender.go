package srej

import (
	"io"
	"net"
	"time"

	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
)

// SenderSession drives one outgoing transfer : fill the window from the
// file, transmit, process RR/SREJ feedback, recover from timeouts and
// finally negotiate EOF. Each session owns its socket, window and
// retransmission ring, nothing is shared across sessions.
type SenderSession struct {
	id         string
	conn       Conn
	peer       *net.UDPAddr
	file       io.Reader
	windowSize uint32
	bufferSize uint32
	cfg        *Config
	metrics    *Metrics

	window     *Window
	store      *Ring
	nextSeq    uint32
	eofReached bool
	active     bool

	// timeout recovery state
	lastBase       uint32
	timeoutCounter int

	// duplicate RR tracking for fast retransmit
	lastRRSeq     uint32
	repeatRRCount int

	recvBuf []byte
}

func NewSenderSession(conn Conn, peer *net.UDPAddr, file io.Reader, windowSize uint32, bufferSize uint32, cfg *Config) *SenderSession {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &SenderSession{
		id:         xid.New().String(),
		conn:       conn,
		peer:       peer,
		file:       file,
		windowSize: windowSize,
		bufferSize: bufferSize,
		cfg:        cfg,
		window:     NewWindow(windowSize),
		store:      NewRing(int(2*windowSize*bufferSize), int(bufferSize)),
		active:     true,
		recvBuf:    make([]byte, MaxPDUSize),
	}
}

// SetMetrics attaches transfer counters, may be nil
func (s *SenderSession) SetMetrics(m *Metrics) {
	s.metrics = m
}

// ID returns the session transfer id used in logs
func (s *SenderSession) ID() string {
	return s.id
}

// Run executes the transfer until the file is fully acknowledged or the
// bounded retry state machine gives up.
func (s *SenderSession) Run() error {
	log.Infof("[SENDER][%v] starting transfer to %v, window=%d buffer=%d", s.id, s.peer, s.windowSize, s.bufferSize)

	for s.active {
		if err := s.fillWindow(); err != nil {
			return err
		}

		if s.eofReached && s.window.Base() == s.nextSeq {
			break
		}

		windowFull := s.nextSeq-s.window.Base() == s.windowSize
		timeout := time.Duration(0)
		handleTimeout := false
		if windowFull {
			timeout = s.cfg.DataTimeout
			log.Debugf("[SENDER][%v] window full [%d-%d], waiting for acknowledgments", s.id, s.window.Base(), s.window.Base()+s.windowSize-1)
			// a window base unchanged across 3 full-window iterations counts
			// as a timeout without polling again; any feedback received
			// resets the count, so a base held back while feedback keeps
			// arriving does not trigger it
			if s.window.Base() == s.lastBase {
				s.timeoutCounter++
				if s.timeoutCounter >= 3 {
					handleTimeout = true
				}
			} else {
				s.timeoutCounter = 0
				s.lastBase = s.window.Base()
			}
		}

		if !handleTimeout {
			n, _, err := s.conn.RecvFrom(s.recvBuf, timeout)
			switch {
			case err == nil:
				s.timeoutCounter = 0
				s.processFeedback(s.recvBuf[:n])
			case IsTimeout(err):
				if windowFull {
					handleTimeout = true
				}
			default:
				return err
			}
		}

		if handleTimeout {
			s.recoverTimeout()
		}

		if s.eofReached && s.window.Base() >= s.nextSeq {
			s.active = false
		}
	}

	return s.sendEOF()
}

// fillWindow reads file data into new packets while window slots are free
func (s *SenderSession) fillWindow() error {
	data := make([]byte, s.bufferSize)
	for s.nextSeq-s.window.Base() < s.windowSize && !s.eofReached {
		n, err := io.ReadFull(s.file, data)
		if n == 0 {
			s.eofReached = true
			log.Debugf("[SENDER][%v] end of file reached at seq=%d", s.id, s.nextSeq)
			break
		}
		if err == io.ErrUnexpectedEOF {
			// short read, this is the last packet
			s.eofReached = true
		} else if err != nil && err != io.EOF {
			return err
		}

		if werr := s.store.Write(data[:n], s.nextSeq); werr != nil {
			log.Warnf("[SENDER][%v] could not store payload seq=%d : %v", s.id, s.nextSeq, werr)
		}

		pdu := buildPDU(s.nextSeq, FlagData, data[:n])
		if _, aerr := s.window.Add(s.nextSeq, pdu, FlagData); aerr != nil {
			log.Warnf("[SENDER][%v] could not track packet seq=%d : %v", s.id, s.nextSeq, aerr)
		}
		if serr := s.conn.SendTo(pdu, s.peer); serr != nil {
			return serr
		}
		log.Debugf("[SENDER][%v][TX] DATA seq=%d, %d bytes", s.id, s.nextSeq, n)
		s.metrics.dataPacket(n)
		s.nextSeq++

		// pick up any feedback already queued
		s.drainFeedback()
	}
	return nil
}

// drainFeedback processes every RR/SREJ currently queued on the socket
func (s *SenderSession) drainFeedback() {
	for {
		n, _, err := s.conn.RecvFrom(s.recvBuf, 0)
		if err != nil {
			return
		}
		s.processFeedback(s.recvBuf[:n])
	}
}

func (s *SenderSession) processFeedback(pdu []byte) {
	if len(pdu) < HeaderSize+4 {
		return
	}
	if !verifyPDU(pdu) {
		log.Debugf("[SENDER][%v][RX] dropping corrupted feedback packet", s.id)
		return
	}
	header := parseHeader(pdu)
	seq, ok := ackSeq(pdu)
	if !ok {
		return
	}
	switch header.Flag {
	case FlagRR:
		s.handleRR(seq)
	case FlagSREJ:
		s.handleSREJ(seq)
	}
}

func (s *SenderSession) handleRR(seq uint32) {
	log.Debugf("[SENDER][%v][RX] RR seq=%d (base=%d)", s.id, seq, s.window.Base())

	// three identical RRs for the packet just below the base mean the
	// receiver is missing the packet at the base
	if s.lastRRSeq == seq && seq == s.window.Base()-1 {
		s.repeatRRCount++
		if s.repeatRRCount >= 3 {
			log.Debugf("[SENDER][%v] repeated RR seq=%d, fast retransmit of base=%d", s.id, seq, s.window.Base())
			if slot := s.window.Get(s.window.Base()); slot != nil && len(slot.data) > 0 {
				restampPDU(slot.data, FlagResentTimeout)
				slot.flag = FlagResentTimeout
				if err := s.conn.SendTo(slot.data, s.peer); err != nil {
					log.Warnf("[SENDER][%v] fast retransmit failed : %v", s.id, err)
				}
				s.metrics.retransmission(len(slot.data) - HeaderSize)
			} else {
				log.Warnf("[SENDER][%v] could not find packet seq=%d for fast retransmit", s.id, s.window.Base())
			}
			s.repeatRRCount = 0
		}
	} else if seq != s.lastRRSeq {
		s.lastRRSeq = seq
		s.repeatRRCount = 1
	}

	s.window.MarkAck(seq)
	s.window.Slide()
}

func (s *SenderSession) handleSREJ(seq uint32) {
	log.Debugf("[SENDER][%v][RX] SREJ seq=%d", s.id, seq)
	slot := s.window.Get(seq)
	if slot == nil || len(slot.data) == 0 {
		// the window lost its copy, SREJ recovery does not fall back to
		// the ring, only timeout recovery does
		log.Warnf("[SENDER][%v] could not find packet seq=%d to resend", s.id, seq)
		return
	}
	restampPDU(slot.data, FlagResentSREJ)
	slot.flag = FlagResentSREJ
	if err := s.conn.SendTo(slot.data, s.peer); err != nil {
		log.Warnf("[SENDER][%v] SREJ retransmit failed : %v", s.id, err)
		return
	}
	log.Debugf("[SENDER][%v][TX] RESENT_SREJ seq=%d", s.id, seq)
	s.metrics.retransmission(len(slot.data) - HeaderSize)
}

// recoverTimeout retransmits the packet at the window base. When the window
// has lost the base's copy it resends the oldest unacknowledged packet still
// tracked instead, and reconstructs the base from the ring only when no such
// packet is tracked. Repeated failure force-advances the base rather than
// retrying forever.
func (s *SenderSession) recoverTimeout() {
	base := s.window.Base()
	log.Debugf("[SENDER][%v] timeout, attempting recovery for seq=%d", s.id, base)

	slot := s.window.Get(base)
	if slot == nil || len(slot.data) == 0 {
		slot = nil
		// fall back to the oldest unacknowledged packet still tracked
		for i := uint32(0); i < s.windowSize; i++ {
			seq := base + i
			if seq >= s.nextSeq {
				break
			}
			if candidate := s.window.Get(seq); candidate != nil && len(candidate.data) > 0 && !candidate.acknowledged {
				slot = candidate
				break
			}
		}
	}

	if slot == nil {
		// reconstruct from the retransmission ring
		payload := make([]byte, s.bufferSize)
		n, err := s.store.ReadSeq(payload, base)
		if err == nil && n > 0 {
			pdu := buildPDU(base, FlagResentTimeout, payload[:n])
			if _, aerr := s.window.Add(base, pdu, FlagResentTimeout); aerr != nil {
				log.Warnf("[SENDER][%v] could not re-track packet seq=%d : %v", s.id, base, aerr)
			}
			if serr := s.conn.SendTo(pdu, s.peer); serr != nil {
				log.Warnf("[SENDER][%v] retransmit of reconstructed seq=%d failed : %v", s.id, base, serr)
				return
			}
			log.Debugf("[SENDER][%v][TX] RESENT_TIMEOUT seq=%d (reconstructed)", s.id, base)
			s.metrics.retransmission(n)
			return
		}

		// nothing left to resend for this sequence
		if s.timeoutCounter > s.cfg.ForceAdvanceAfter && s.cfg.ForceAdvance {
			log.Warnf("[SENDER][%v] too many consecutive timeouts, forcing window past seq=%d", s.id, base)
			s.window.forceAck()
			s.window.Slide()
			s.metrics.forceAdvance()
		}
		return
	}

	restampPDU(slot.data, FlagResentTimeout)
	slot.flag = FlagResentTimeout
	if err := s.conn.SendTo(slot.data, s.peer); err != nil {
		log.Warnf("[SENDER][%v] timeout retransmit failed : %v", s.id, err)
		return
	}
	log.Debugf("[SENDER][%v][TX] RESENT_TIMEOUT seq=%d (attempt %d)", s.id, slot.seq, slot.retransmitCount+1)
	s.metrics.retransmission(len(slot.data) - HeaderSize)

	slot.retransmitCount++
	if slot.retransmitCount >= s.cfg.MaxRetransmit && s.cfg.ForceAdvance {
		log.Warnf("[SENDER][%v] packet seq=%d exceeded %d retransmissions, skipping", s.id, slot.seq, s.cfg.MaxRetransmit)
		slot.acknowledged = true
		s.window.Slide()
		s.metrics.forceAdvance()
	}
}

// sendEOF transmits the EOF packet and waits for the terminal RR. After
// EOFAcceptAfter attempts any response from the receiver completes the
// transfer, after EOFRetryLimit silent attempts the session terminates.
func (s *SenderSession) sendEOF() error {
	pdu := buildPDU(s.nextSeq, FlagEOF, nil)
	log.Infof("[SENDER][%v] file sent, negotiating EOF seq=%d (base=%d)", s.id, s.nextSeq, s.window.Base())

	retries := 0
	sawResponse := false
	for retries < s.cfg.EOFRetryLimit {
		if err := s.conn.SendTo(pdu, s.peer); err != nil {
			return err
		}
		log.Debugf("[SENDER][%v][TX] EOF seq=%d (attempt %d/%d)", s.id, s.nextSeq, retries+1, s.cfg.EOFRetryLimit)

		n, _, err := s.conn.RecvFrom(s.recvBuf, s.cfg.EOFTimeout)
		if err == nil {
			sawResponse = true
			resp := s.recvBuf[:n]
			if n >= HeaderSize+4 && verifyPDU(resp) {
				header := parseHeader(resp)
				seq, _ := ackSeq(resp)
				if header.Flag == FlagRR {
					if s.window.Base() == 0 || seq >= s.window.Base()-1 || retries >= 3 {
						log.Infof("[SENDER][%v] transfer complete, final RR seq=%d", s.id, seq)
						return nil
					}
					log.Debugf("[SENDER][%v] RR seq=%d but waiting for newer ack (base=%d)", s.id, seq, s.window.Base())
				} else if header.Flag == FlagSREJ {
					if seq < s.window.Base() {
						log.Debugf("[SENDER][%v] SREJ seq=%d after EOF refers to a skipped packet", s.id, seq)
					} else {
						log.Debugf("[SENDER][%v] ignoring SREJ seq=%d after EOF", s.id, seq)
					}
					if retries >= 3 {
						log.Infof("[SENDER][%v] accepting receiver response as terminal after %d EOF attempts", s.id, retries)
						return nil
					}
					continue
				}
			}
		} else if !IsTimeout(err) {
			return err
		}

		retries++
		if retries >= s.cfg.EOFAcceptAfter && sawResponse {
			log.Infof("[SENDER][%v] considering transfer complete after %d EOF attempts with receiver activity", s.id, retries)
			return nil
		}
	}

	log.Warnf("[SENDER][%v] no terminal acknowledgment after %d EOF attempts", s.id, s.cfg.EOFRetryLimit)
	return nil
}
