package srej

import (
	"encoding/binary"
	"errors"
	"strings"
)

// PDU header layout, big-endian, unpadded: seq(4) | checksum(2) | flag(1)
const (
	HeaderSize  = 7
	MaxDataSize = 1400
	MaxPDUSize  = HeaderSize + MaxDataSize

	headerSeqOffset      = 0
	headerChecksumOffset = 4
	headerFlagOffset     = 6
)

// Packet type flags
const (
	FlagRR            uint8 = 5  // Receiver Ready, cumulative ack
	FlagSREJ          uint8 = 6  // Selective Reject
	FlagFilename      uint8 = 8  // Filename request (handshake)
	FlagFilenameResp  uint8 = 9  // Response to filename request
	FlagEOF           uint8 = 10 // End of file
	FlagData          uint8 = 16 // Regular data packet
	FlagResentSREJ    uint8 = 17 // Data resent in response to a SREJ
	FlagResentTimeout uint8 = 18 // Data resent due to timeout or duplicate RR
)

// Handshake init payload : filename (100 chars max + null) followed by
// window size and buffer size, both 32 bit big-endian
const (
	FilenameMax     = 100
	initPayloadSize = FilenameMax + 1 + 4 + 4
)

var (
	ErrFilenameLength = errors.New("filename exceeds 100 characters")
	ErrInitPayload    = errors.New("malformed init payload")
)

// Header is the decoded form of the 7 byte PDU header
type Header struct {
	Seq      uint32
	Checksum uint16
	Flag     uint8
}

func parseHeader(pdu []byte) Header {
	return Header{
		Seq:      binary.BigEndian.Uint32(pdu[headerSeqOffset:]),
		Checksum: binary.BigEndian.Uint16(pdu[headerChecksumOffset:]),
		Flag:     pdu[headerFlagOffset],
	}
}

func putHeader(pdu []byte, seq uint32, flag uint8) {
	binary.BigEndian.PutUint32(pdu[headerSeqOffset:], seq)
	binary.BigEndian.PutUint16(pdu[headerChecksumOffset:], 0)
	pdu[headerFlagOffset] = flag
}

// sealPDU computes the checksum over the whole datagram with the checksum
// field zeroed and writes it back into the header.
func sealPDU(pdu []byte) {
	pdu[headerChecksumOffset] = 0
	pdu[headerChecksumOffset+1] = 0
	binary.BigEndian.PutUint16(pdu[headerChecksumOffset:], Checksum(pdu))
}

// verifyPDU checks the datagram checksum. The buffer is restored before
// returning so callers can keep using it.
func verifyPDU(pdu []byte) bool {
	if len(pdu) < HeaderSize {
		return false
	}
	received := binary.BigEndian.Uint16(pdu[headerChecksumOffset:])
	pdu[headerChecksumOffset] = 0
	pdu[headerChecksumOffset+1] = 0
	computed := Checksum(pdu)
	binary.BigEndian.PutUint16(pdu[headerChecksumOffset:], received)
	return received == computed
}

// buildPDU assembles and seals a datagram with the given payload
func buildPDU(seq uint32, flag uint8, payload []byte) []byte {
	pdu := make([]byte, HeaderSize+len(payload))
	putHeader(pdu, seq, flag)
	copy(pdu[HeaderSize:], payload)
	sealPDU(pdu)
	return pdu
}

// buildAckPDU assembles an RR or SREJ datagram. The referenced sequence is
// carried both in the header and repeated as a 4 byte big-endian payload,
// both fields must stay identical.
func buildAckPDU(flag uint8, seq uint32) []byte {
	pdu := make([]byte, HeaderSize+4)
	putHeader(pdu, seq, flag)
	binary.BigEndian.PutUint32(pdu[HeaderSize:], seq)
	sealPDU(pdu)
	return pdu
}

// ackSeq extracts the sequence referenced by an RR or SREJ datagram.
// Receivers use the payload copy, not the header.
func ackSeq(pdu []byte) (uint32, bool) {
	if len(pdu) < HeaderSize+4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(pdu[HeaderSize:]), true
}

// restampPDU rewrites the flag of an already sealed datagram and reseals it.
// Used when retransmitting a stored packet as RESENT_SREJ / RESENT_TIMEOUT.
func restampPDU(pdu []byte, flag uint8) {
	pdu[headerFlagOffset] = flag
	sealPDU(pdu)
}

// InitRequest is the payload of a FILENAME handshake datagram
type InitRequest struct {
	Filename   string
	WindowSize uint32
	BufferSize uint32
}

func marshalInitRequest(req InitRequest) ([]byte, error) {
	if len(req.Filename) > FilenameMax {
		return nil, ErrFilenameLength
	}
	payload := make([]byte, initPayloadSize)
	copy(payload, req.Filename)
	binary.BigEndian.PutUint32(payload[FilenameMax+1:], req.WindowSize)
	binary.BigEndian.PutUint32(payload[FilenameMax+1+4:], req.BufferSize)
	return payload, nil
}

func parseInitRequest(payload []byte) (InitRequest, error) {
	if len(payload) < initPayloadSize {
		return InitRequest{}, ErrInitPayload
	}
	name := payload[:FilenameMax+1]
	end := strings.IndexByte(string(name), 0)
	if end < 0 {
		end = FilenameMax
	}
	return InitRequest{
		Filename:   string(name[:end]),
		WindowSize: binary.BigEndian.Uint32(payload[FilenameMax+1:]),
		BufferSize: binary.BigEndian.Uint32(payload[FilenameMax+1+4:]),
	}, nil
}
