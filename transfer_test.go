package srej

import (
	"bytes"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fastConfig shrinks the protocol timeouts so loopback tests finish quickly
func fastConfig() *Config {
	cfg := DefaultConfig()
	cfg.DataTimeout = 200 * time.Millisecond
	cfg.ReceiverTimeout = 2 * time.Second
	cfg.HandshakeTimeout = time.Second
	cfg.HandshakeAckTimeout = 50 * time.Millisecond
	cfg.EOFTimeout = 200 * time.Millisecond
	return cfg
}

func makeContent(size int) []byte {
	content := make([]byte, size)
	rand.New(rand.NewSource(7)).Read(content)
	return content
}

func loopback(conn Conn) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv6loopback, Port: conn.LocalAddr().Port}
}

// dropConn drops the first outgoing datagram matching seq and flag
type dropConn struct {
	Conn
	dropSeq  uint32
	dropFlag uint8
	dropped  bool
}

func (d *dropConn) SendTo(p []byte, addr *net.UDPAddr) error {
	if !d.dropped && len(p) >= HeaderSize {
		header := parseHeader(p)
		if header.Seq == d.dropSeq && header.Flag == d.dropFlag {
			d.dropped = true
			return nil
		}
	}
	return d.Conn.SendTo(p, addr)
}

// flipConn corrupts one byte of the first outgoing datagram matching seq
// and flag
type flipConn struct {
	Conn
	flipSeq  uint32
	flipFlag uint8
	flipped  bool
}

func (f *flipConn) SendTo(p []byte, addr *net.UDPAddr) error {
	if !f.flipped && len(p) >= HeaderSize {
		header := parseHeader(p)
		if header.Seq == f.flipSeq && header.Flag == f.flipFlag {
			f.flipped = true
			corrupted := append([]byte(nil), p...)
			corrupted[2] ^= 0x40
			return f.Conn.SendTo(corrupted, addr)
		}
	}
	return f.Conn.SendTo(p, addr)
}

// delayConn holds back the datagram matching seq until the next send, so
// two consecutive packets arrive swapped
type delayConn struct {
	Conn
	delaySeq uint32
	held     []byte
	heldAddr *net.UDPAddr
	done     bool
}

func (d *delayConn) SendTo(p []byte, addr *net.UDPAddr) error {
	if !d.done && d.held == nil && len(p) >= HeaderSize && parseHeader(p).Seq == d.delaySeq && parseHeader(p).Flag == FlagData {
		d.held = append([]byte(nil), p...)
		d.heldAddr = addr
		return nil
	}
	if err := d.Conn.SendTo(p, addr); err != nil {
		return err
	}
	if d.held != nil {
		held := d.held
		d.held = nil
		d.done = true
		return d.Conn.SendTo(held, d.heldAddr)
	}
	return nil
}

// runSessionPair wires a sender and a receiver directly over loopback,
// optionally decorating the sender side, and returns the received bytes
func runSessionPair(t *testing.T, content []byte, windowSize uint32, bufferSize uint32, decorate func(Conn) Conn) []byte {
	t.Helper()
	cfg := fastConfig()

	senderConn, err := ListenUDP(0)
	assert.Nil(t, err)
	defer senderConn.Close()
	receiverConn, err := ListenUDP(0)
	assert.Nil(t, err)
	defer receiverConn.Close()

	senderSide := senderConn
	if decorate != nil {
		senderSide = decorate(senderConn)
	}

	sender := NewSenderSession(senderSide, loopback(receiverConn), bytes.NewReader(content), windowSize, bufferSize, cfg)
	out := &bytes.Buffer{}
	receiver := NewReceiverSession(receiverConn, loopback(senderConn), out, windowSize, cfg)

	senderDone := make(chan error, 1)
	go func() {
		senderDone <- sender.Run()
	}()
	assert.Nil(t, receiver.Run())

	select {
	case err := <-senderDone:
		assert.Nil(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("sender did not terminate")
	}
	assert.EqualValues(t, sender.nextSeq, sender.window.Base())
	return out.Bytes()
}

func TestTransferLossless(t *testing.T) {
	content := makeContent(50000)
	received := runSessionPair(t, content, 10, 1000, nil)
	assert.Equal(t, content, received)
}

func TestTransferShortLastPacket(t *testing.T) {
	content := makeContent(2500)
	received := runSessionPair(t, content, 4, 1000, nil)
	assert.Equal(t, content, received)
}

func TestTransferSingleDrop(t *testing.T) {
	content := makeContent(50000)
	received := runSessionPair(t, content, 10, 1000, func(conn Conn) Conn {
		return &dropConn{Conn: conn, dropSeq: 17, dropFlag: FlagData}
	})
	assert.Equal(t, content, received)
}

func TestTransferBitFlip(t *testing.T) {
	content := makeContent(50000)
	received := runSessionPair(t, content, 10, 1000, func(conn Conn) Conn {
		return &flipConn{Conn: conn, flipSeq: 17, flipFlag: FlagData}
	})
	assert.Equal(t, content, received)
}

func TestTransferReorder(t *testing.T) {
	content := makeContent(50000)
	received := runSessionPair(t, content, 10, 1000, func(conn Conn) Conn {
		return &delayConn{Conn: conn, delaySeq: 17}
	})
	assert.Equal(t, content, received)
}

func TestServerEndToEnd(t *testing.T) {
	dir := t.TempDir()
	content := makeContent(30000)
	source := filepath.Join(dir, "input.bin")
	assert.Nil(t, os.WriteFile(source, content, 0644))

	cfg := fastConfig()
	srv, err := NewServer(0, 0, cfg)
	assert.Nil(t, err)
	go func() {
		if serr := srv.Serve(); serr != nil {
			t.Errorf("server stopped: %v", serr)
		}
	}()
	defer srv.Close()

	conn, err := ListenUDP(0)
	assert.Nil(t, err)
	defer conn.Close()

	out := &bytes.Buffer{}
	session := NewReceiverSession(conn, &net.UDPAddr{IP: net.IPv6loopback, Port: srv.Addr().Port}, out, 10, cfg)
	assert.Nil(t, session.Handshake(source, 1000))
	assert.Nil(t, session.Run())
	assert.Equal(t, content, out.Bytes())
}

func TestServerFileNotFound(t *testing.T) {
	cfg := fastConfig()
	srv, err := NewServer(0, 0, cfg)
	assert.Nil(t, err)
	go srv.Serve()
	defer srv.Close()

	conn, err := ListenUDP(0)
	assert.Nil(t, err)
	defer conn.Close()

	out := &bytes.Buffer{}
	session := NewReceiverSession(conn, &net.UDPAddr{IP: net.IPv6loopback, Port: srv.Addr().Port}, out, 10, cfg)
	err = session.Handshake("does-not-exist", 1000)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.Equal(t, 0, out.Len())
}
