// Package clamd is a minimal client for the clamd TCP protocol. Only the
// commands needed for streaming scans are implemented.
package clamd

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	DefaultChunkSize = 8 << 10
	MinChunkSize     = 1 << 10
	MaxChunkSize     = 1 << 20
	DefaultTimeout   = 10 * time.Second
)

var (
	// ErrTimeout is returned when no verdict arrives within the client timeout.
	ErrTimeout = errors.New("clamd: timed out waiting for verdict")
	// ErrUnexpectedReply is returned by Ping for anything but PONG.
	ErrUnexpectedReply = errors.New("clamd: unexpected reply")
)

// Client talks to a single clamd daemon. The zero value is not usable; set
// at least Address or use NewClient.
type Client struct {
	Network   string
	Address   string
	Timeout   time.Duration
	ChunkSize int
}

// NewClient returns a TCP client with the chunk size clamped to the range
// clamd accepts without tuning StreamMaxLength.
func NewClient(address string, timeout time.Duration, chunkSize int) *Client {
	return &Client{
		Network:   "tcp",
		Address:   address,
		Timeout:   timeout,
		ChunkSize: ClampChunkSize(chunkSize),
	}
}

// ClampChunkSize maps n into [MinChunkSize, MaxChunkSize]; zero or negative
// selects DefaultChunkSize.
func ClampChunkSize(n int) int {
	switch {
	case n <= 0:
		return DefaultChunkSize
	case n < MinChunkSize:
		return MinChunkSize
	case n > MaxChunkSize:
		return MaxChunkSize
	default:
		return n
	}
}

func (c *Client) network() string {
	if c.Network == "" {
		return "tcp"
	}
	return c.Network
}

func (c *Client) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network(), c.Address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("dial %s: %w", c.Address, ErrTimeout)
		}
		return nil, fmt.Errorf("dial %s: %w", c.Address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

type outcome struct {
	resp *Response
	err  error
}

// ScanStream submits r with INSTREAM and returns the parsed verdict. The
// whole exchange is bounded by the client timeout. The reply is read
// concurrently with the upload, so a verdict sent before the stream ends
// (for example when clamd hits its size limit) is still honored.
func (c *Client) ScanStream(ctx context.Context, r io.Reader) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var (
		once   sync.Once
		result outcome
		done   = make(chan struct{})
	)
	complete := func(o outcome) {
		once.Do(func() {
			result = o
			close(done)
			// Unblock a writer stuck behind a peer that stopped reading.
			_ = conn.SetWriteDeadline(time.Now())
		})
	}

	stop := context.AfterFunc(ctx, func() {
		complete(outcome{err: ErrTimeout})
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	if _, err := io.WriteString(conn, "nINSTREAM\n"); err != nil {
		complete(outcome{err: fmt.Errorf("send INSTREAM: %w", err)})
		<-done
		return nil, result.err
	}

	go func() {
		line, err := bufio.NewReader(conn).ReadString('\n')
		line = strings.TrimSpace(strings.TrimRight(line, "\x00"))
		if line != "" {
			complete(outcome{resp: ParseResponse(line)})
			return
		}
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			err = ErrTimeout
		case err == nil:
			err = io.ErrUnexpectedEOF
		}
		complete(outcome{err: fmt.Errorf("read verdict: %w", err)})
	}()

	if err := c.send(conn, r, done); err != nil {
		var srcErr *sourceError
		if errors.As(err, &srcErr) {
			complete(outcome{err: err})
		}
		// A failed socket write usually means clamd already answered and
		// closed; the reader reports whichever happened.
	}

	<-done
	return result.resp, result.err
}

type sourceError struct{ err error }

func (e *sourceError) Error() string { return "read source: " + e.err.Error() }
func (e *sourceError) Unwrap() error { return e.err }

// send writes r as length-prefixed frames followed by the zero terminator.
// It stops early once done is closed.
func (c *Client) send(w io.Writer, r io.Reader, done <-chan struct{}) error {
	size := ClampChunkSize(c.ChunkSize)
	buf := make([]byte, 4+size)

	for {
		select {
		case <-done:
			return nil
		default:
		}

		n, err := io.ReadFull(r, buf[4:])
		if n > 0 {
			binary.BigEndian.PutUint32(buf[:4], uint32(n))
			if _, werr := w.Write(buf[:4+n]); werr != nil {
				return fmt.Errorf("write chunk: %w", werr)
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
		if err != nil {
			return &sourceError{err: err}
		}
	}

	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return fmt.Errorf("write terminator: %w", err)
	}
	return nil
}

// Ping checks that the daemon is alive.
func (c *Client) Ping(ctx context.Context) error {
	reply, err := c.command(ctx, "PING")
	if err != nil {
		return err
	}
	if reply != "PONG" {
		return fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)
	}
	return nil
}

// Version returns the engine and signature database version string.
func (c *Client) Version(ctx context.Context) (string, error) {
	return c.command(ctx, "VERSION")
}

func (c *Client) command(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := io.WriteString(conn, "n"+cmd+"\n"); err != nil {
		return "", fmt.Errorf("send %s: %w", cmd, err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	line = strings.TrimSpace(strings.TrimRight(line, "\x00"))
	if line == "" {
		if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
			return "", fmt.Errorf("%s: %w", cmd, ErrTimeout)
		}
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("read %s reply: %w", cmd, err)
	}
	return line, nil
}
