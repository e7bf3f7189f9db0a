package srej

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildAndVerifyPDU(t *testing.T) {
	pdu := buildPDU(42, FlagData, []byte("some file bytes"))
	assert.Equal(t, HeaderSize+15, len(pdu))
	assert.True(t, verifyPDU(pdu))

	header := parseHeader(pdu)
	assert.EqualValues(t, 42, header.Seq)
	assert.Equal(t, FlagData, header.Flag)
	assert.Equal(t, []byte("some file bytes"), pdu[HeaderSize:])
}

func TestVerifyPDURestoresBuffer(t *testing.T) {
	pdu := buildPDU(3, FlagEOF, nil)
	before := append([]byte(nil), pdu...)
	assert.True(t, verifyPDU(pdu))
	assert.Equal(t, before, pdu)
}

func TestRestampPDU(t *testing.T) {
	pdu := buildPDU(7, FlagData, []byte{1, 2, 3})
	restampPDU(pdu, FlagResentSREJ)
	assert.True(t, verifyPDU(pdu))
	assert.Equal(t, FlagResentSREJ, parseHeader(pdu).Flag)
}

func TestAckPDUCarriesSequenceTwice(t *testing.T) {
	pdu := buildAckPDU(FlagRR, 1337)
	assert.True(t, verifyPDU(pdu))

	header := parseHeader(pdu)
	seq, ok := ackSeq(pdu)
	assert.True(t, ok)
	assert.EqualValues(t, 1337, seq)
	assert.Equal(t, header.Seq, seq)

	_, ok = ackSeq(pdu[:HeaderSize])
	assert.False(t, ok)
}

func TestInitRequestRoundTrip(t *testing.T) {
	payload, err := marshalInitRequest(InitRequest{
		Filename:   "testdata/some-file.bin",
		WindowSize: 10,
		BufferSize: 1000,
	})
	assert.Nil(t, err)
	assert.Equal(t, initPayloadSize, len(payload))

	req, err := parseInitRequest(payload)
	assert.Nil(t, err)
	assert.Equal(t, "testdata/some-file.bin", req.Filename)
	assert.EqualValues(t, 10, req.WindowSize)
	assert.EqualValues(t, 1000, req.BufferSize)
}

func TestInitRequestFilenameTooLong(t *testing.T) {
	long := make([]byte, FilenameMax+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := marshalInitRequest(InitRequest{Filename: string(long)})
	assert.Equal(t, ErrFilenameLength, err)
}

func TestParseInitRequestTooShort(t *testing.T) {
	_, err := parseInitRequest(make([]byte, initPayloadSize-1))
	assert.Equal(t, ErrInitPayload, err)
}
