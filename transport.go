package srej

import (
	"errors"
	"math/rand"
	"net"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
)

// Conn is the unreliable datagram surface driving a session. Datagrams may
// be dropped, corrupted, reordered or duplicated underneath it; sessions
// only rely on SendTo being fire-and-forget and RecvFrom being bounded by
// the timeout. Peer addresses may be IPv6 or IPv4-mapped.
type Conn interface {
	SendTo(p []byte, addr *net.UDPAddr) error
	// RecvFrom waits up to timeout for one datagram. A non-positive timeout
	// performs a quick drain poll. A timeout is reported through the error,
	// check it with IsTimeout.
	RecvFrom(p []byte, timeout time.Duration) (int, *net.UDPAddr, error)
	LocalAddr() *net.UDPAddr
	Close() error
}

// IsTimeout reports whether err is a receive timeout rather than a real
// socket failure.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

type udpConn struct {
	conn *net.UDPConn
}

// ListenUDP binds a datagram socket on the given port, or on an ephemeral
// port when port is 0.
func ListenUDP(port int) (Conn, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return &udpConn{conn: conn}, nil
}

// ResolveServer resolves host:port into a datagram peer address
func ResolveServer(host string, port int) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
}

func (c *udpConn) SendTo(p []byte, addr *net.UDPAddr) error {
	_, err := c.conn.WriteToUDP(p, addr)
	return err
}

func (c *udpConn) RecvFrom(p []byte, timeout time.Duration) (int, *net.UDPAddr, error) {
	if timeout <= 0 {
		// drain poll, just long enough to pick up queued datagrams
		timeout = time.Millisecond
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	return c.conn.ReadFromUDP(p)
}

func (c *udpConn) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *udpConn) Close() error {
	return c.conn.Close()
}

// lossyConn deterministically drops or bit-flips outgoing datagrams to
// exercise the retransmission machinery. Reception is left untouched.
type lossyConn struct {
	Conn
	rate float64
	rng  *rand.Rand
}

// NewLossyConn wraps inner so that each send is lost or corrupted with the
// given probability. A fixed seed makes runs replayable. A rate of zero
// returns inner unchanged.
func NewLossyConn(inner Conn, errorRate float64, seed int64) Conn {
	if errorRate <= 0 {
		return inner
	}
	return &lossyConn{
		Conn: inner,
		rate: errorRate,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

func (l *lossyConn) SendTo(p []byte, addr *net.UDPAddr) error {
	if l.rng.Float64() < l.rate {
		if l.rng.Intn(2) == 0 {
			log.Debugf("[LOSSY] dropping %d byte datagram", len(p))
			return nil
		}
		corrupted := append([]byte(nil), p...)
		bit := l.rng.Intn(len(corrupted) * 8)
		corrupted[bit/8] ^= 1 << uint(bit%8)
		log.Debugf("[LOSSY] flipping bit %d of %d byte datagram", bit, len(p))
		return l.Conn.SendTo(corrupted, addr)
	}
	return l.Conn.SendTo(p, addr)
}
