package srej

import (
	"errors"
	"fmt"
	"io"
	"net"

	log "github.com/sirupsen/logrus"
)

var (
	ErrHandshakeTimeout = errors.New("no handshake response from server")
	ErrFileNotFound     = errors.New("file not found on server")
)

// ReceiverSession drives one incoming transfer : request the file, validate
// and deliver data packets in order, buffer out-of-order ones and feed RR /
// SREJ back to the sender. Delivered bytes are written to out in strictly
// increasing sequence order.
type ReceiverSession struct {
	conn       Conn
	server     *net.UDPAddr
	out        io.Writer
	windowSize uint32
	cfg        *Config

	window              *Window
	expectedSeq         uint32
	highestReceivedSeq  uint32
	eofReceived         bool
	consecutiveTimeouts int

	recvBuf []byte
}

func NewReceiverSession(conn Conn, server *net.UDPAddr, out io.Writer, windowSize uint32, cfg *Config) *ReceiverSession {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ReceiverSession{
		conn:       conn,
		server:     server,
		out:        out,
		windowSize: windowSize,
		cfg:        cfg,
		window:     NewWindow(windowSize),
		recvBuf:    make([]byte, MaxPDUSize),
	}
}

// Handshake sends the FILENAME request and waits for the server response.
// On success the session peer is rewritten to the source address of the
// response : the server answers from a fresh ephemeral port and all further
// traffic goes there.
func (r *ReceiverSession) Handshake(filename string, bufferSize uint32) error {
	payload, err := marshalInitRequest(InitRequest{
		Filename:   filename,
		WindowSize: r.windowSize,
		BufferSize: bufferSize,
	})
	if err != nil {
		return err
	}
	request := buildPDU(0, FlagFilename, payload)

	for attempt := 1; attempt <= r.cfg.InitRetryLimit; attempt++ {
		log.Debugf("[RECEIVER][TX] FILENAME request for %q (attempt %d/%d)", filename, attempt, r.cfg.InitRetryLimit)
		if err := r.conn.SendTo(request, r.server); err != nil {
			return err
		}

		n, src, rerr := r.conn.RecvFrom(r.recvBuf, r.cfg.HandshakeTimeout)
		if rerr != nil {
			if IsTimeout(rerr) {
				continue
			}
			return rerr
		}
		resp := r.recvBuf[:n]
		if n < HeaderSize || !verifyPDU(resp) {
			log.Debugf("[RECEIVER][RX] dropping corrupted handshake response")
			continue
		}
		header := parseHeader(resp)
		if header.Flag != FlagFilenameResp {
			log.Debugf("[RECEIVER][RX] unexpected flag %d during handshake, ignoring", header.Flag)
			continue
		}

		status := cString(resp[HeaderSize:])
		log.Debugf("[RECEIVER][RX] FILENAME_RESP %q from %v", status, src)
		if status != handshakeResponseOK {
			return fmt.Errorf("%w : server said %q", ErrFileNotFound, status)
		}

		// the server re-bound to an ephemeral port for this session
		log.Debugf("[RECEIVER] server address updated %v -> %v", r.server, src)
		r.server = src
		return nil
	}
	return ErrHandshakeTimeout
}

// Run processes data packets until EOF or until the bounded timeout state
// machine gives up.
func (r *ReceiverSession) Run() error {
	log.Debugf("[RECEIVER] ready, expecting seq=%d", r.expectedSeq)

	for {
		n, _, err := r.conn.RecvFrom(r.recvBuf, r.cfg.ReceiverTimeout)
		if err != nil {
			if !IsTimeout(err) {
				return err
			}
			if done, terr := r.handleIdle(); done {
				return terr
			}
			continue
		}

		pdu := r.recvBuf[:n]
		if n < HeaderSize {
			continue
		}
		if !verifyPDU(pdu) {
			// a corrupted data packet is dropped, but the sender is nudged
			// to retransmit what we are waiting for
			log.Debugf("[RECEIVER][RX] corrupted packet, requesting seq=%d", r.expectedSeq)
			r.sendSREJ(r.expectedSeq)
			continue
		}

		header := parseHeader(pdu)
		log.Debugf("[RECEIVER][RX] seq=%d flag=%d size=%d expected=%d", header.Seq, header.Flag, n, r.expectedSeq)
		r.consecutiveTimeouts = 0

		switch header.Flag {
		case FlagData, FlagResentSREJ, FlagResentTimeout:
			if werr := r.handleData(header.Seq, pdu); werr != nil {
				return werr
			}
		case FlagEOF:
			if werr := r.handleEOF(header.Seq, pdu); werr != nil {
				return werr
			}
			return nil
		}

		if header.Seq > r.highestReceivedSeq {
			r.highestReceivedSeq = header.Seq
		}
	}
}

func (r *ReceiverSession) handleData(seq uint32, pdu []byte) error {
	switch {
	case seq == r.expectedSeq:
		if _, err := r.out.Write(pdu[HeaderSize:]); err != nil {
			return fmt.Errorf("writing output : %w", err)
		}
		r.sendRR(seq)
		r.expectedSeq++

		// deliver buffered packets that are now in order
		for {
			slot := r.window.Get(r.expectedSeq)
			if slot == nil {
				break
			}
			if _, err := r.out.Write(slot.data[HeaderSize:]); err != nil {
				return fmt.Errorf("writing output : %w", err)
			}
			log.Debugf("[RECEIVER] delivered buffered seq=%d", r.expectedSeq)
			r.window.MarkAck(r.expectedSeq)
			r.sendRR(r.expectedSeq)
			r.expectedSeq++
		}

	case seq > r.expectedSeq:
		log.Debugf("[RECEIVER] out of order seq=%d, buffering and requesting seq=%d", seq, r.expectedSeq)
		if r.window.Base() < r.expectedSeq {
			r.window.SetBase(r.expectedSeq)
		}
		if _, err := r.window.Add(seq, pdu, parseHeader(pdu).Flag); err != nil {
			log.Warnf("[RECEIVER] could not buffer seq=%d : %v", seq, err)
		}
		r.sendSREJ(r.expectedSeq)

	default:
		// duplicate or old packet, re-acknowledge the newest delivery
		log.Debugf("[RECEIVER] duplicate seq=%d (expected=%d)", seq, r.expectedSeq)
		if r.expectedSeq > 0 {
			r.sendRR(r.expectedSeq - 1)
		}
	}
	return nil
}

func (r *ReceiverSession) handleEOF(seq uint32, pdu []byte) error {
	log.Debugf("[RECEIVER][RX] EOF seq=%d", seq)
	if len(pdu) > HeaderSize {
		if _, err := r.out.Write(pdu[HeaderSize:]); err != nil {
			return fmt.Errorf("writing output : %w", err)
		}
	}
	final := uint32(0)
	if r.expectedSeq > 0 {
		final = r.expectedSeq - 1
	}
	// terminal storm, give the sender several chances to see the ack
	for i := 0; i < r.cfg.TerminalRRCount; i++ {
		r.sendRR(final)
	}
	r.eofReceived = true
	log.Infof("[RECEIVER] EOF received, transfer complete")
	return nil
}

// handleIdle reacts to a poll timeout. Returns done=true when the session
// should terminate.
func (r *ReceiverSession) handleIdle() (bool, error) {
	if r.eofReceived {
		return true, nil
	}
	log.Debugf("[RECEIVER] timeout, re-acknowledging seq=%d", r.highestReceivedSeq)
	r.sendRR(r.highestReceivedSeq)
	r.consecutiveTimeouts++
	if r.consecutiveTimeouts >= r.cfg.MaxConsecutiveIdle {
		log.Warnf("[RECEIVER] %d consecutive timeouts, giving up (possible data loss)", r.consecutiveTimeouts)
		r.sendSREJ(r.highestReceivedSeq + 1)
		return true, nil
	}
	return false, nil
}

func (r *ReceiverSession) sendRR(seq uint32) {
	log.Debugf("[RECEIVER][TX] RR seq=%d", seq)
	if err := r.conn.SendTo(buildAckPDU(FlagRR, seq), r.server); err != nil {
		log.Warnf("[RECEIVER] sending RR seq=%d failed : %v", seq, err)
	}
}

func (r *ReceiverSession) sendSREJ(seq uint32) {
	log.Debugf("[RECEIVER][TX] SREJ seq=%d", seq)
	if err := r.conn.SendTo(buildAckPDU(FlagSREJ, seq), r.server); err != nil {
		log.Warnf("[RECEIVER] sending SREJ seq=%d failed : %v", seq, err)
	}
}

// cString interprets buf as a NUL terminated string
func cString(buf []byte) string {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i])
		}
	}
	return string(buf)
}
