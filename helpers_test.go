package zsock

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

func newTestContext(t *testing.T) *Context {
	t.Helper()
	logger := zerolog.Nop()
	ctx := NewContext(ContextConfig{Logger: &logger})
	t.Cleanup(func() {
		ctx.Close()
	})
	return ctx
}

func newTestSocket(t *testing.T, ctx *Context, kind SocketType, config SocketConfig) *Socket {
	t.Helper()
	s, err := ctx.NewSocket(kind, config)
	require.NoError(t, err)
	return s
}

// bindLocal binds s to an ephemeral loopback port and returns the resolved endpoint
func bindLocal(t *testing.T, s *Socket) string {
	t.Helper()
	require.NoError(t, s.Bind("tcp://127.0.0.1:*"))
	eps := s.Endpoints()
	require.NotEmpty(t, eps)
	return eps[len(eps)-1]
}

func waitPeers(t *testing.T, s *Socket, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.PeerCount() == n
	}, waitTimeout, 5*time.Millisecond, "want %d peers", n)
}

func waitSubscriptions(t *testing.T, pub *Socket, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return pub.Metrics().Snapshot().Subscriptions == n
	}, waitTimeout, 5*time.Millisecond, "want %d subscriptions", n)
}

// drain receives until the socket stays idle for idle
func drain(t *testing.T, s *Socket, idle time.Duration) []Message {
	t.Helper()
	var out []Message
	for {
		msg, err := s.ReceiveTimeout(idle)
		if err != nil {
			require.ErrorIs(t, err, ErrTimeout)
			return out
		}
		out = append(out, msg)
	}
}
