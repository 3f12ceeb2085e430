package cmdport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/jvbridge/camctl/internal/model"
)

// WriteHandler forwards a command-port-originated tally write to the
// tally router; program or preview is nil when the write did not touch
// that half of the pair.
type WriteHandler func(idx model.DeviceIndex, program, preview *bool)

// Server accepts a single TCP client at a time and serves the §4.I/§6
// tally query-and-write grammar. Further connection attempts are
// rejected while a client is attached; the listener stays bound across
// disconnects.
type Server struct {
	log     *slog.Logger
	addr    string
	vector  *Vector
	onWrite WriteHandler

	mu             sync.Mutex
	activeConn     net.Conn
	unsolicited    bool
	updateInterval time.Duration
}

// NewServer builds a Server bound to addr, backed by vector, forwarding
// inbound direct writes through onWrite.
func NewServer(log *slog.Logger, addr string, vector *Vector, onWrite WriteHandler) *Server {
	return &Server{log: log, addr: addr, vector: vector, onWrite: onWrite}
}

// Run listens on addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("cmdport: listen %s: %w", s.addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("cmdport: accept: %w", err)
			}
		}

		s.mu.Lock()
		if s.activeConn != nil {
			s.mu.Unlock()
			s.log.Warn("cmdport: rejecting connection, client already attached", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.activeConn = conn
		s.unsolicited = true
		s.updateInterval = 0
		s.mu.Unlock()

		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	s.log.Info("cmdport: client connected", "remote", conn.RemoteAddr())
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer func() {
		s.mu.Lock()
		if s.activeConn == conn {
			s.activeConn = nil
		}
		s.mu.Unlock()
		conn.Close()
		s.log.Info("cmdport: client disconnected", "remote", conn.RemoteAddr())
	}()

	go s.pushLoop(connCtx, conn)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		frame, ok := extractFrame(scanner.Text())
		if !ok {
			continue
		}
		for _, resp := range s.handleFrame(frame) {
			if _, err := fmt.Fprintf(conn, "<%s>\n", resp); err != nil {
				return
			}
		}
	}
}

// pushLoop sends unsolicited change notifications and periodic full
// dumps to the attached client until the connection ends.
func (s *Server) pushLoop(ctx context.Context, conn net.Conn) {
	var ticker *time.Ticker
	var tickC <-chan time.Time

	for {
		s.mu.Lock()
		interval := s.updateInterval
		s.mu.Unlock()
		if ticker == nil && interval > 0 {
			ticker = time.NewTicker(interval)
			tickC = ticker.C
		} else if ticker != nil && interval <= 0 {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}

		select {
		case <-ctx.Done():
			if ticker != nil {
				ticker.Stop()
			}
			return
		case <-s.vector.Changes():
			s.mu.Lock()
			on := s.unsolicited
			s.mu.Unlock()
			if !on {
				continue
			}
			s.pushAll(conn)
		case <-tickC:
			s.pushAll(conn)
		case <-time.After(200 * time.Millisecond):
			// re-check interval/unsolicited config periodically in case
			// UPDATE.TIME/UPDATE.UNSOLICITED changed with no tally activity.
		}
	}
}

func (s *Server) pushAll(conn net.Conn) {
	for _, resp := range s.dumpVector(true) {
		if _, err := fmt.Fprintf(conn, "<%s>\n", resp); err != nil {
			return
		}
	}
	for _, resp := range s.dumpVector(false) {
		if _, err := fmt.Fprintf(conn, "<%s>\n", resp); err != nil {
			return
		}
	}
}

func (s *Server) setUpdateInterval(ms int) {
	s.mu.Lock()
	s.updateInterval = time.Duration(ms) * time.Millisecond
	s.mu.Unlock()
}

func (s *Server) setUnsolicited(on bool) {
	s.mu.Lock()
	s.unsolicited = on
	s.mu.Unlock()
}
