// Package clamdtest provides an in-process clamd double for tests.
package clamdtest

import (
	"bufio"
	"encoding/binary"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
)

// Handler decides the reply line for a completed INSTREAM upload.
type Handler func(data []byte) string

// Reply answers every scan with line.
func Reply(line string) Handler {
	return func([]byte) string { return line }
}

// Eicar answers FOUND when data contains marker, OK otherwise.
func Eicar(marker string) Handler {
	return func(data []byte) string {
		if strings.Contains(string(data), marker) {
			return "stream: Eicar-Test-Signature FOUND"
		}
		return "stream: OK"
	}
}

type Option func(*Server)

// WithHang makes the server consume streams without ever answering.
func WithHang() Option {
	return func(s *Server) { s.hang = true }
}

// WithEarlyReply answers right after the first frame, then drains the rest.
func WithEarlyReply() Option {
	return func(s *Server) { s.early = true }
}

// Server is a fake clamd listening on 127.0.0.1.
type Server struct {
	Addr string

	ln      net.Listener
	handler Handler
	hang    bool
	early   bool

	mu       sync.Mutex
	streams  [][]byte
	maxFrame int
	commands []string

	wg sync.WaitGroup
}

// NewServer starts a fake clamd and registers its shutdown with tb.
func NewServer(tb testing.TB, h Handler, opts ...Option) *Server {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("clamdtest: listen: %v", err)
	}
	s := &Server{Addr: ln.Addr().String(), ln: ln, handler: h}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go s.serve()
	tb.Cleanup(s.Close)
	return s
}

// ClosedAddr returns an address nothing is listening on.
func ClosedAddr(tb testing.TB) string {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("clamdtest: listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func (s *Server) Close() {
	_ = s.ln.Close()
	s.wg.Wait()
}

// Streams returns the payloads received so far.
func (s *Server) Streams() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.streams))
	copy(out, s.streams)
	return out
}

// MaxFrame is the largest frame length seen.
func (s *Server) MaxFrame() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFrame
}

// Commands lists the command lines received, e.g. "nINSTREAM".
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handle(conn)
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	r := bufio.NewReader(conn)
	cmd, err := r.ReadString('\n')
	if err != nil {
		return
	}
	cmd = strings.TrimSpace(cmd)

	s.mu.Lock()
	s.commands = append(s.commands, cmd)
	s.mu.Unlock()

	switch cmd {
	case "nPING":
		_, _ = io.WriteString(conn, "PONG\n")
		return
	case "nVERSION":
		_, _ = io.WriteString(conn, "ClamAV 1.3.0/27000/Mon Jan  1 00:00:00 2024\n")
		return
	case "nINSTREAM":
	default:
		_, _ = io.WriteString(conn, "UNKNOWN COMMAND\n")
		return
	}

	var data []byte
	replied := false
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			return
		}
		n := int(binary.BigEndian.Uint32(header))
		if n == 0 {
			break
		}
		chunk := make([]byte, n)
		if _, err := io.ReadFull(r, chunk); err != nil {
			return
		}
		data = append(data, chunk...)

		s.mu.Lock()
		if n > s.maxFrame {
			s.maxFrame = n
		}
		s.mu.Unlock()

		if s.early && !replied && !s.hang {
			_, _ = io.WriteString(conn, s.handler(data)+"\n")
			replied = true
		}
	}

	s.mu.Lock()
	s.streams = append(s.streams, data)
	s.mu.Unlock()

	if s.hang {
		// Hold the connection until the client gives up.
		_, _ = io.Copy(io.Discard, r)
		return
	}
	if !replied {
		_, _ = io.WriteString(conn, s.handler(data)+"\n")
	}
}
