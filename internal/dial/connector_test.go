package dial

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDialSucceedsAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	c := New(ln.Addr().String())
	conn, err := c.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
}

func TestReconnectIncrementsBackoffUpToCap(t *testing.T) {
	c := New("127.0.0.1:1") // nothing listens here; every dial fails fast
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _ = c.Reconnect(ctx)

	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	require.GreaterOrEqual(t, attempts, 1)
	require.LessOrEqual(t, attempts, maxBackoffSteps)
}

func TestReconnectRespectsContextCancellation(t *testing.T) {
	c := New("127.0.0.1:1") // nothing listens here
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Reconnect(ctx)
	require.Error(t, err)
}

func TestResetClearsBackoffCounter(t *testing.T) {
	c := New("127.0.0.1:1")
	c.mu.Lock()
	c.attempts = 3
	c.mu.Unlock()

	c.Reset()

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, 0, c.attempts)
}
