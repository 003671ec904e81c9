package memcachedb

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const (
	// retryDelay is the quarantine window after a server failure.
	retryDelay = 30 * time.Second
	// readBufferSize is the size of the per-connection read buffer.
	readBufferSize = 16 * 1024
)

var getNow = time.Now

// SetNowFunc is a helper function to replace time.Now(), usually used for testing.
func SetNowFunc(f func() time.Time) { getNow = f }

// ServerStatus is the connection state of a Server.
type ServerStatus int

const (
	StatusNotConnected ServerStatus = iota
	StatusConnected
	StatusDead
)

func (s ServerStatus) String() string {
	switch s {
	case StatusConnected:
		return "CONNECTED"
	case StatusDead:
		return "DEAD"
	default:
		return "NOT CONNECTED"
	}
}

// Server is one memcachedb TCP endpoint. The socket is opened lazily on
// first use and owned exclusively by the Server; all access goes through
// the client's serialization gate.
type Server struct {
	host    string
	port    int
	weight  int
	timeout time.Duration
	log     zerolog.Logger

	conn       net.Conn
	rd         *bufio.Reader
	status     ServerStatus
	deadReason error
	retryAfter time.Time
}

func newServer(ep endpoint, timeout time.Duration, log zerolog.Logger) *Server {
	s := &Server{
		host:    ep.host,
		port:    ep.port,
		weight:  ep.weight,
		timeout: timeout,
		status:  StatusNotConnected,
	}
	s.log = log.With().Str("server", s.Addr()).Logger()
	return s
}

// Addr returns the host:port of this server.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Weight returns the relative weight of this server.
func (s *Server) Weight() int { return s.weight }

// Status returns the connection state.
func (s *Server) Status() ServerStatus { return s.status }

// statusString renders the state the way operators see it in logs and
// error messages.
func (s *Server) statusString() string {
	if s.status == StatusDead {
		return fmt.Sprintf("%s DEAD (%v), will retry at %s", s.Addr(), s.deadReason, s.retryAfter.Format(time.RFC3339))
	}
	return s.status.String()
}

// Alive reports whether a socket to this server can be acquired. A
// quarantined server answers false without touching the network.
func (s *Server) Alive() bool {
	return s.acquireSocket() != nil
}

// acquireSocket returns the open socket, connecting lazily if needed.
// It returns nil while the server is quarantined or when the connect fails
// (which starts a new quarantine window).
func (s *Server) acquireSocket() net.Conn {
	if s.conn != nil {
		return s.conn
	}
	if !s.retryAfter.IsZero() && getNow().Before(s.retryAfter) {
		return nil
	}
	addr := s.Addr()
	var conn net.Conn
	var err error
	if s.timeout > 0 {
		conn, err = net.DialTimeout("tcp", addr, s.timeout)
	} else {
		conn, err = net.Dial("tcp", addr)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			err = &ConnectTimeoutError{Addr: addr}
		}
		s.markDead(err)
		return nil
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	s.conn = conn
	s.rd = bufio.NewReaderSize(conn, readBufferSize)
	s.status = StatusConnected
	s.deadReason = nil
	s.retryAfter = time.Time{}
	s.log.Debug().Msg("connected")
	return s.conn
}

// markDead closes the socket and quarantines the server for retryDelay.
func (s *Server) markDead(reason error) {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.rd = nil
	}
	s.deadReason = reason
	s.retryAfter = getNow().Add(retryDelay)
	s.status = StatusDead
	s.log.Warn().Err(reason).Time("retry_after", s.retryAfter).Msg("server marked dead")
}

// close drops the socket without quarantining: the server is eligible for
// a fresh connect on the next acquire.
func (s *Server) close() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.rd = nil
	}
	s.status = StatusNotConnected
	s.deadReason = nil
	s.retryAfter = time.Time{}
}

func (s *Server) write(p []byte) error {
	if s.conn == nil {
		return fmt.Errorf("%w (%s)", ErrNoConnection, s.statusString())
	}
	if s.timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.timeout))
	}
	_, err := s.conn.Write(p)
	return err
}

// readLine reads bytes up to and including the next \n.
func (s *Server) readLine() ([]byte, error) {
	if s.rd == nil {
		return nil, fmt.Errorf("%w (%s)", ErrNoConnection, s.statusString())
	}
	if s.timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
	return s.rd.ReadBytes('\n')
}

// readExact reads exactly n bytes or fails.
func (s *Server) readExact(n int) ([]byte, error) {
	if s.rd == nil {
		return nil, fmt.Errorf("%w (%s)", ErrNoConnection, s.statusString())
	}
	if s.timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.timeout))
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.rd, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
