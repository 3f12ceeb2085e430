package cmdport

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/jvbridge/camctl/internal/model"
)

// freeAddr reserves an ephemeral port and immediately releases it so a
// Server under test can bind to a known, currently-free address.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func dialWithRetry(t *testing.T, addr string) net.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			return conn
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("could not dial %s", addr)
	return nil
}

func TestServerRunRespondsToPing(t *testing.T) {
	addr := freeAddr(t)
	s := NewServer(silentLogger(), addr, NewVector(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn := dialWithRetry(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("<PING?>\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "<PONG>\n" {
		t.Fatalf("expected <PONG>, got %q", line)
	}
}

func TestServerRunForwardsTallyWriteToHandler(t *testing.T) {
	addr := freeAddr(t)
	writes := make(chan model.DeviceIndex, 1)
	s := NewServer(silentLogger(), addr, NewVector(), func(idx model.DeviceIndex, program, preview *bool) {
		writes <- idx
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	conn := dialWithRetry(t, addr)
	defer conn.Close()

	if _, err := conn.Write([]byte("<TALLY.PGM:4=1>\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case idx := <-writes:
		if idx != 4 {
			t.Fatalf("expected device index 4, got %d", idx)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the write handler to fire")
	}
}

func TestServerRejectsSecondConcurrentClient(t *testing.T) {
	addr := freeAddr(t)
	s := NewServer(silentLogger(), addr, NewVector(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	first := dialWithRetry(t, addr)
	defer first.Close()
	// give the server a moment to register the first connection as active
	time.Sleep(50 * time.Millisecond)

	second := dialWithRetry(t, addr)
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the second connection to be closed immediately by the server")
	}
}

func TestServerStopsAcceptingOnContextCancel(t *testing.T) {
	addr := freeAddr(t)
	s := NewServer(silentLogger(), addr, NewVector(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// wait for the listener to come up before cancelling
	dialWithRetry(t, addr).Close()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected a clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancellation")
	}
}
