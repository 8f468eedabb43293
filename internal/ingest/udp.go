// Package ingest owns the datagram socket and delivers raw byte buffers to
// the session worker. It knows nothing about NAL units.
package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// MaxDatagramSize bounds a single receive. Datagram payloads are MTU-bounded
// in practice but the wire allows anything up to the UDP maximum.
const MaxDatagramSize = 65536

// Sentinel receive outcomes. A timeout bounds loop latency and is not an
// error; a closed socket is the expected termination condition.
var (
	ErrTimeout = errors.New("ingest: receive timed out")
	ErrClosed  = errors.New("ingest: socket closed")
)

// PacketSource is the receive side of the datagram transport. Implementations
// must unblock pending Receive calls when Close is called, and must tolerate
// Close being called more than once: both Stop and the worker's teardown
// close the source.
type PacketSource interface {
	Receive(buf []byte, timeout time.Duration) (int, error)
	Close() error
}

// Stats captures socket-level metrics for a source, exposed through the
// session stats flush for monitoring sender health.
type Stats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr,omitempty"`
}

// UDPSource reads datagrams from a UDP socket with per-call deadlines.
type UDPSource struct {
	log       *slog.Logger
	conn      *net.UDPConn
	openedAt  time.Time
	remote    string
	closeOnce sync.Once
	closeErr  error

	bytesReceived atomic.Int64
	readCount     atomic.Int64
}

// probe is the single datagram sent on Dial so the sender learns the
// receiver's address and port.
var probe = []byte{0x00}

// Dial opens a socket connected to the sender's endpoint (host:port) and
// announces the receiver with a single probe datagram. If log is nil,
// slog.Default() is used.
func Dial(endpoint string, log *slog.Logger) (*UDPSource, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", endpoint, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	if _, err := conn.Write(probe); err != nil {
		conn.Close()
		return nil, fmt.Errorf("probe %s: %w", endpoint, err)
	}
	return newSource(conn, addr.String(), log), nil
}

// Listen opens a socket bound to addr, receiving from any sender. Used when
// the peer streams to a well-known receiver port.
func Listen(addr string, log *slog.Logger) (*UDPSource, error) {
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return newSource(conn, "", log), nil
}

func newSource(conn *net.UDPConn, remote string, log *slog.Logger) *UDPSource {
	if log == nil {
		log = slog.Default()
	}
	s := &UDPSource{
		log:      log.With("component", "udp-source"),
		conn:     conn,
		openedAt: time.Now(),
		remote:   remote,
	}
	s.log.Info("socket open", "local", conn.LocalAddr(), "remote", remote)
	return s
}

// Receive blocks for at most timeout waiting for one datagram and copies its
// payload into buf. Returns ErrTimeout when the deadline passes and ErrClosed
// once the socket is closed.
func (s *UDPSource) Receive(buf []byte, timeout time.Duration) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("set deadline: %w", err)
	}

	n, err := s.conn.Read(buf)
	if err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return 0, ErrTimeout
		case errors.Is(err, net.ErrClosed):
			return 0, ErrClosed
		default:
			return 0, fmt.Errorf("read: %w", err)
		}
	}

	s.bytesReceived.Add(int64(n))
	s.readCount.Add(1)
	return n, nil
}

// Close shuts the socket down, unblocking any pending Receive. Idempotent.
func (s *UDPSource) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Stats returns a snapshot of socket metrics.
func (s *UDPSource) Stats() Stats {
	return Stats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.openedAt.UnixMilli(),
		UptimeMs:      time.Since(s.openedAt).Milliseconds(),
		RemoteAddr:    s.remote,
	}
}
