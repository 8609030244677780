// Package mantis talks to Mantis solver servers over TCP.
package mantis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/manthysbr/npsat-dispatch/internal/core/codec"
	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
	"github.com/manthysbr/npsat-dispatch/internal/core/ports"
)

const (
	readChunk = 4096
	// the status reply is a single short line
	maxProbeReplyBytes = 4096
)

var errReplyTooLarge = errors.New("reply too large")

// ClientConfig configures timeouts and the liveness probe exchange
type ClientConfig struct {
	Timeout       time.Duration // whole send/receive budget per job
	ProbeTimeout  time.Duration
	ProbeRequest  string
	ProbeResponse string
	MaxReplyBytes int // a longer reply is malformed
}

// Client opens one connection per call. The solver closes the stream itself
// once a reply is written, so there is nothing to pool.
type Client struct {
	logger *slog.Logger
	cfg    ClientConfig
	dialer net.Dialer
}

var (
	_ ports.Transport = (*Client)(nil)
	_ ports.Prober    = (*Client)(nil)
)

func NewClient(logger *slog.Logger, cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.MaxReplyBytes <= 0 {
		cfg.MaxReplyBytes = 64 << 20
	}
	return &Client{logger: logger, cfg: cfg}
}

// Send writes message and accumulates the reply until it ends with the
// protocol sentinel. It never retries.
func (c *Client) Send(ctx context.Context, endpoint domain.Endpoint, message string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, message); err != nil {
		return nil, classify(endpoint, "write", err)
	}

	buf, err := readUntil(conn, codec.Complete, c.cfg.MaxReplyBytes)
	if errors.Is(err, errReplyTooLarge) {
		return nil, fmt.Errorf("%w: reply from %s exceeds %d bytes", domain.ErrMalformedResult, endpoint.Address(), c.cfg.MaxReplyBytes)
	}
	if err != nil {
		return nil, classify(endpoint, "read", err)
	}

	c.logger.Debug("solver reply received", "endpoint", endpoint.Address(), "bytes", len(buf))
	return buf, nil
}

// Probe sends the status query and expects the fixed status reply. The
// server may either close the connection or terminate the reply with the
// sentinel.
func (c *Client) Probe(ctx context.Context, endpoint domain.Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ProbeTimeout)
	defer cancel()

	conn, err := c.dial(ctx, endpoint)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, c.cfg.ProbeRequest); err != nil {
		return classify(endpoint, "write probe", err)
	}

	buf, err := readUntil(conn, codec.Complete, maxProbeReplyBytes)
	if errors.Is(err, errReplyTooLarge) {
		return fmt.Errorf("status reply from %s exceeds %d bytes", endpoint.Address(), maxProbeReplyBytes)
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return classify(endpoint, "read probe", err)
	}

	reply := strings.TrimSpace(strings.TrimSuffix(string(buf), codec.Sentinel))
	if reply != strings.TrimSpace(c.cfg.ProbeResponse) {
		return fmt.Errorf("unexpected status reply from %s: %q", endpoint.Address(), reply)
	}
	return nil
}

// dial connects and binds the context deadline to the connection so every
// later read and write shares the same budget.
func (c *Client) dial(ctx context.Context, endpoint domain.Endpoint) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", endpoint.Address())
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: connect %s: %v", domain.ErrTransportTimeout, endpoint.Address(), err)
		}
		return nil, classify(endpoint, "connect", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, classify(endpoint, "set deadline", err)
		}
	}

	// Unblock pending I/O if the caller goes away before the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	return &stoppingConn{Conn: conn, stop: stop}, nil
}

// readUntil reads chunks into one buffer until done reports a full reply,
// giving up with errReplyTooLarge once more than limit bytes arrived. On
// error the bytes read so far are returned along with it.
func readUntil(r io.Reader, done func([]byte) bool, limit int) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		buf.Write(chunk[:n])
		if done(buf.Bytes()) {
			return buf.Bytes(), nil
		}
		if buf.Len() > limit {
			return buf.Bytes(), errReplyTooLarge
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return buf.Bytes(), fmt.Errorf("connection closed after %d bytes without end of message: %w", buf.Len(), err)
			}
			return buf.Bytes(), err
		}
	}
}

// classify maps socket failures onto the two retryable transport errors
func classify(endpoint domain.Endpoint, op string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %v", domain.ErrTransportTimeout, op, endpoint.Address(), err)
	}
	// Refused, reset, closed early: all the same to the dispatcher.
	return fmt.Errorf("%w: %s %s: %v", domain.ErrTransportUnreachable, op, endpoint.Address(), err)
}

type stoppingConn struct {
	net.Conn
	stop func() bool
}

func (c *stoppingConn) Close() error {
	c.stop()
	return c.Conn.Close()
}
