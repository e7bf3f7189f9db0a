package srej

import (
	"errors"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Server accepts FILENAME requests on a listening socket and serves each
// one from an isolated session : its own ephemeral-port socket, window and
// retransmission ring. Sessions share nothing, the listening socket is only
// used to accept handshakes.
type Server struct {
	conn      Conn
	errorRate float64
	cfg       *Config
	metrics   *Metrics
	wgProcess sync.WaitGroup
}

// NewServer binds the listening socket. A port of 0 selects an ephemeral
// port, readable through Addr.
func NewServer(port int, errorRate float64, cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	conn, err := ListenUDP(port)
	if err != nil {
		return nil, err
	}
	return &Server{
		conn:      NewLossyConn(conn, errorRate, time.Now().UnixNano()),
		errorRate: errorRate,
		cfg:       cfg,
	}, nil
}

// SetMetrics attaches transfer counters shared by all sessions, may be nil
func (srv *Server) SetMetrics(m *Metrics) {
	srv.metrics = m
}

// Addr returns the listening address
func (srv *Server) Addr() *net.UDPAddr {
	return srv.conn.LocalAddr()
}

// Serve accepts handshake requests until the server is closed
func (srv *Server) Serve() error {
	log.Infof("[SERVER] listening on %v", srv.conn.LocalAddr())
	buf := make([]byte, MaxPDUSize)
	for {
		n, client, err := srv.conn.RecvFrom(buf, time.Second)
		if err != nil {
			if IsTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if n < HeaderSize || !verifyPDU(buf[:n]) {
			log.Debugf("[SERVER][RX] dropping corrupted initial packet")
			continue
		}
		if parseHeader(buf[:n]).Flag != FlagFilename {
			continue
		}

		request := append([]byte(nil), buf[:n]...)
		srv.wgProcess.Add(1)
		go func() {
			defer srv.wgProcess.Done()
			srv.handleClient(request, client)
		}()
	}
}

// Close stops accepting requests and waits for running sessions
func (srv *Server) Close() error {
	err := srv.conn.Close()
	srv.wgProcess.Wait()
	return err
}

// handleClient runs one transfer session on a fresh ephemeral-port socket
func (srv *Server) handleClient(request []byte, client *net.UDPAddr) {
	if len(request) < HeaderSize+initPayloadSize {
		log.Warnf("[SERVER] malformed filename request from %v", client)
		return
	}
	req, err := parseInitRequest(request[HeaderSize:])
	if err != nil {
		log.Warnf("[SERVER] malformed filename request from %v : %v", client, err)
		return
	}
	log.Infof("[SERVER] client %v requests %q, window=%d buffer=%d", client, req.Filename, req.WindowSize, req.BufferSize)

	inner, err := ListenUDP(0)
	if err != nil {
		log.Errorf("[SERVER] could not bind session socket : %v", err)
		return
	}
	conn := NewLossyConn(inner, srv.errorRate, time.Now().UnixNano())
	defer conn.Close()
	log.Debugf("[SERVER] session socket %v serving %v", conn.LocalAddr(), client)

	if req.WindowSize == 0 || req.WindowSize >= 1<<30 || req.BufferSize == 0 || req.BufferSize > MaxDataSize {
		log.Warnf("[SERVER] rejecting invalid parameters from %v", client)
		sendFilenameResponse(conn, client, "Invalid parameters", false, srv.cfg)
		srv.metrics.sessionFailed()
		return
	}

	file, err := os.Open(req.Filename)
	if err != nil {
		log.Warnf("[SERVER] file %q not found, rejecting", req.Filename)
		sendFilenameResponse(conn, client, "File not found", false, srv.cfg)
		srv.metrics.sessionFailed()
		return
	}
	defer file.Close()

	sendFilenameResponse(conn, client, handshakeResponseOK, true, srv.cfg)

	session := NewSenderSession(conn, client, file, req.WindowSize, req.BufferSize, srv.cfg)
	session.SetMetrics(srv.metrics)
	srv.metrics.sessionStarted()
	if err := session.Run(); err != nil {
		log.Errorf("[SENDER][%v] transfer failed : %v", session.ID(), err)
		srv.metrics.sessionFailed()
		return
	}
	srv.metrics.sessionCompleted()
}
