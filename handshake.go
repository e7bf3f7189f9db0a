package srej

import (
	"net"

	log "github.com/sirupsen/logrus"
)

const handshakeResponseOK = "OK"

// sendFilenameResponse answers a FILENAME request from the session socket.
// A success response is repeated until the client retries its request (the
// retry is the implicit ack and ends the repeats) or until
// HandshakeBreakAfter quiet attempts suggest the response landed. A failure
// response is repeated NotFoundRepeat times without awaiting anything.
func sendFilenameResponse(conn Conn, client *net.UDPAddr, msg string, expectAck bool, cfg *Config) {
	payload := append([]byte(msg), 0)
	pdu := buildPDU(0, FlagFilenameResp, payload)
	buf := make([]byte, MaxPDUSize)

	attempts := cfg.NotFoundRepeat
	if expectAck {
		attempts = cfg.InitRetryLimit
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		log.Debugf("[SERVER][TX] FILENAME_RESP %q (attempt %d/%d)", msg, attempt, attempts)
		if err := conn.SendTo(pdu, client); err != nil {
			log.Warnf("[SERVER] sending filename response failed : %v", err)
			return
		}
		if !expectAck {
			continue
		}

		n, _, err := conn.RecvFrom(buf, cfg.HandshakeAckTimeout)
		if err == nil && n >= HeaderSize && verifyPDU(buf[:n]) && parseHeader(buf[:n]).Flag == FlagFilename {
			log.Debugf("[SERVER][RX] client retried FILENAME, response acknowledged")
			return
		}
		if attempt >= cfg.HandshakeBreakAfter {
			// silence from the client means the response was received
			return
		}
	}
}
