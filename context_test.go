package zsock

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext(t *testing.T) {
	t.Run("creates typed sockets", func(t *testing.T) {
		ctx := newTestContext(t)

		pub, err := ctx.NewPublisher(SocketConfig{})
		require.NoError(t, err)
		sub, err := ctx.NewSubscriber(SocketConfig{Identity: "sub-1"})
		require.NoError(t, err)
		push, err := ctx.NewPush(SocketConfig{})
		require.NoError(t, err)
		pull, err := ctx.NewPull(SocketConfig{})
		require.NoError(t, err)

		assert.Equal(t, Pub, pub.Type())
		assert.Equal(t, Sub, sub.Type())
		assert.Equal(t, Push, push.Type())
		assert.Equal(t, Pull, pull.Type())
		assert.Equal(t, "sub-1", sub.Identity())
		assert.NotEmpty(t, pub.Identity())
		assert.ElementsMatch(t, []*Socket{pub, sub, push, pull}, ctx.Sockets())
	})

	t.Run("rejects unknown types and bad options", func(t *testing.T) {
		ctx := newTestContext(t)

		_, err := ctx.NewSocket(SocketType("DEALER"), SocketConfig{})
		var ce *ConfigurationError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, "socket type", ce.Field)

		_, err = ctx.NewSocket(Push, SocketConfig{HWMPolicy: "maybe"})
		assert.True(t, errors.As(err, &ce))
	})

	t.Run("close releases every socket", func(t *testing.T) {
		ctx := newTestContext(t)
		pull := newTestSocket(t, ctx, Pull, SocketConfig{})
		push := newTestSocket(t, ctx, Push, SocketConfig{})
		require.NoError(t, push.Connect(bindLocal(t, pull)))
		waitPeers(t, push, 1)

		require.NoError(t, ctx.Close())
		require.NoError(t, ctx.Close())

		assert.Empty(t, ctx.Sockets())
		assert.ErrorIs(t, push.SendStrings("x"), ErrClosed)
		_, err := pull.TryReceive()
		assert.ErrorIs(t, err, ErrClosed)

		_, err = ctx.NewSocket(Pull, SocketConfig{})
		assert.ErrorIs(t, err, ErrContextClosed)
	})
}
