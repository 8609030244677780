package mantis

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/manthysbr/npsat-dispatch/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSolver accepts connections on a loopback port and hands each one to handle
func fakeSolver(t *testing.T, handle func(net.Conn)) domain.Endpoint {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handle(conn)
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return domain.Endpoint{Host: "127.0.0.1", Port: addr.Port}
}

// readMessage consumes one request up to the sentinel
func readMessage(conn net.Conn) string {
	r := bufio.NewReader(conn)
	var b strings.Builder
	for {
		line, err := r.ReadString('\n')
		b.WriteString(line)
		if err != nil || strings.HasSuffix(b.String(), "ENDofMSG\n") {
			return b.String()
		}
	}
}

func newTestClient(timeout time.Duration) *Client {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return NewClient(logger, ClientConfig{
		Timeout:       timeout,
		ProbeTimeout:  time.Second,
		ProbeRequest:  "isReady ENDofMSG\n",
		ProbeResponse: "Mantis is ready",
	})
}

func TestClient_SendAccumulatesChunks(t *testing.T) {
	received := make(chan string, 1)
	ep := fakeSolver(t, func(conn net.Conn) {
		received <- readMessage(conn)
		// Split the reply, and the sentinel itself, across writes
		for _, part := range []string{"1 2 2 ", "0.5 1.5 ", "2.5 3.5 END", "ofMSG\n"} {
			_, _ = conn.Write([]byte(part))
			time.Sleep(10 * time.Millisecond)
		}
	})

	client := newTestClient(2 * time.Second)
	reply, err := client.Send(context.Background(), ep, "endSimYear 2300 ENDofMSG\n")
	require.NoError(t, err)
	assert.Equal(t, "1 2 2 0.5 1.5 2.5 3.5 ENDofMSG\n", string(reply))
	assert.Equal(t, "endSimYear 2300 ENDofMSG\n", <-received)
}

func TestClient_SendTimeout(t *testing.T) {
	ep := fakeSolver(t, func(conn net.Conn) {
		readMessage(conn)
		_, _ = conn.Write([]byte("1 1 1 "))
		time.Sleep(time.Second)
	})

	client := newTestClient(100 * time.Millisecond)
	_, err := client.Send(context.Background(), ep, "x ENDofMSG\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransportTimeout)
	assert.True(t, domain.IsRetryable(err))
}

func TestClient_SendClosedBeforeSentinel(t *testing.T) {
	ep := fakeSolver(t, func(conn net.Conn) {
		readMessage(conn)
		_, _ = conn.Write([]byte("1 1 1 4"))
	})

	client := newTestClient(time.Second)
	_, err := client.Send(context.Background(), ep, "x ENDofMSG\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransportUnreachable)
}

func TestClient_SendReplyTooLarge(t *testing.T) {
	ep := fakeSolver(t, func(conn net.Conn) {
		readMessage(conn)
		chunk := []byte(strings.Repeat("1.5 ", 1024))
		for {
			if _, err := conn.Write(chunk); err != nil {
				return
			}
		}
	})

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	client := NewClient(logger, ClientConfig{Timeout: 5 * time.Second, MaxReplyBytes: 64 << 10})
	_, err := client.Send(context.Background(), ep, "x ENDofMSG\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMalformedResult)
	assert.False(t, domain.IsRetryable(err))
}

func TestClient_ProbeReplyTooLarge(t *testing.T) {
	ep := fakeSolver(t, func(conn net.Conn) {
		readMessage(conn)
		_, _ = conn.Write([]byte(strings.Repeat("Mantis is ready ", 1024)))
	})

	err := newTestClient(time.Second).Probe(context.Background(), ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")
}

func TestClient_SendRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	client := newTestClient(time.Second)
	_, err = client.Send(context.Background(), domain.Endpoint{Host: "127.0.0.1", Port: port}, "x ENDofMSG\n")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransportUnreachable)
	assert.Contains(t, err.Error(), "127.0.0.1:"+strconv.Itoa(port))
}

func TestClient_Probe(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr bool
	}{
		{"ready then close", "Mantis is ready", false},
		{"ready with sentinel", "Mantis is ready ENDofMSG\n", false},
		{"ready with newline", "Mantis is ready\n", false},
		{"busy", "Mantis is busy", true},
		{"silent", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := fakeSolver(t, func(conn net.Conn) {
				if readMessage(conn) != "isReady ENDofMSG\n" {
					return
				}
				_, _ = conn.Write([]byte(tt.reply))
			})

			err := newTestClient(time.Second).Probe(context.Background(), ep)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_ProbeCancelled(t *testing.T) {
	ep := fakeSolver(t, func(conn net.Conn) {
		readMessage(conn)
		time.Sleep(2 * time.Second)
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := newTestClient(time.Second).Probe(ctx, ep)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}
