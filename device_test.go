package zsock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFrontend = "tcp://127.0.0.1:*"
	testBackend  = "tcp://127.0.0.1:*"
)

func startDevice(t *testing.T, d *Device) (frontend, backend *Socket) {
	t.Helper()
	require.NoError(t, d.Start())
	t.Cleanup(func() {
		d.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = d.Wait(ctx)
	})
	frontend, _ = d.Frontend().(*Socket)
	backend, _ = d.Backend().(*Socket)
	return frontend, backend
}

func waitStopped(t *testing.T, d *Device) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	assert.Equal(t, DeviceStopped, d.State())
}

func TestForwarderDevice(t *testing.T) {
	for _, clients := range []int{1, 10} {
		t.Run(fmt.Sprintf("%d clients", clients), func(t *testing.T) {
			ctx := newTestContext(t)
			d, err := NewForwarderDevice(ctx, testFrontend, testBackend, DeviceConfig{
				PollInterval:  50 * time.Millisecond,
				Subscriptions: []string{""},
			})
			require.NoError(t, err)
			frontend, backend := startDevice(t, d)

			worker := newTestSocket(t, ctx, Sub, SocketConfig{})
			require.NoError(t, worker.Subscribe([]byte("CanHazTopic")))
			require.NoError(t, worker.Connect(backend.Endpoints()[0]))
			waitSubscriptions(t, backend, 1)

			pubs := make([]*Socket, clients)
			for i := range pubs {
				pubs[i] = newTestSocket(t, ctx, Pub, SocketConfig{})
				require.NoError(t, pubs[i].Connect(frontend.Endpoints()[0]))
				waitSubscriptions(t, pubs[i], 1)
			}

			want := make([]string, clients)
			for i, pub := range pubs {
				want[i] = fmt.Sprintf("Hello World %d", i)
				require.NoError(t, pub.SendStrings("OtherTopic", "ignored"))
				require.NoError(t, pub.SendStrings("CanHazTopic", want[i]))
			}

			var got []string
			for _, m := range drain(t, worker, 300*time.Millisecond) {
				require.Equal(t, "CanHazTopic", string(m.First()))
				got = append(got, string(m.Frames[1].Payload))
			}
			assert.ElementsMatch(t, want, got)
			assert.Equal(t, uint64(2*clients), d.Stats().Relayed)
		})
	}

	t.Run("frontend setup adds subscriptions", func(t *testing.T) {
		ctx := newTestContext(t)
		d, err := NewForwarderDevice(ctx, testFrontend, testBackend, DeviceConfig{})
		require.NoError(t, err)
		d.FrontendSetup().Subscribe([]byte("a")).Subscribe([]byte("b"))

		frontend, _ := startDevice(t, d)
		assert.Equal(t, 2, frontend.Metrics().Snapshot().Subscriptions)
	})
}

func TestStreamerDevice(t *testing.T) {
	t.Run("relays in order and stops", func(t *testing.T) {
		ctx := newTestContext(t)
		d, err := NewStreamerDevice(ctx, testFrontend, testBackend, DeviceConfig{PollInterval: 50 * time.Millisecond})
		require.NoError(t, err)
		frontend, backend := startDevice(t, d)
		assert.Equal(t, DeviceRunning, d.State())

		client := newTestSocket(t, ctx, Push, SocketConfig{})
		require.NoError(t, client.Connect(frontend.Endpoints()[0]))
		worker := newTestSocket(t, ctx, Pull, SocketConfig{})
		require.NoError(t, worker.Connect(backend.Endpoints()[0]))
		waitPeers(t, backend, 1)

		for i := 0; i < 10; i++ {
			require.NoError(t, client.SendStrings("job", fmt.Sprint(i)))
		}
		for i := 0; i < 10; i++ {
			msg, err := worker.ReceiveTimeout(waitTimeout)
			require.NoError(t, err)
			assert.Equal(t, []string{"job", fmt.Sprint(i)}, msg.Strings())
		}

		d.Stop()
		waitStopped(t, d)
		assert.Equal(t, uint64(10), d.Stats().Relayed)
		assert.Zero(t, d.Stats().Undelivered)

		_, err = frontend.TryReceive()
		assert.ErrorIs(t, err, ErrClosed, "owned sockets are closed")
	})

	t.Run("rejects subscriptions", func(t *testing.T) {
		ctx := newTestContext(t)
		_, err := NewStreamerDevice(ctx, testFrontend, testBackend, DeviceConfig{Subscriptions: []string{"x"}})
		var ce *ConfigurationError
		assert.True(t, errors.As(err, &ce))
	})

	t.Run("rejects bad endpoints", func(t *testing.T) {
		ctx := newTestContext(t)
		_, err := NewStreamerDevice(ctx, "bogus", testBackend, DeviceConfig{})
		var ce *ConfigurationError
		assert.True(t, errors.As(err, &ce))
		assert.Empty(t, ctx.Sockets())
	})
}

func TestDevice_Lifecycle(t *testing.T) {
	t.Run("stop right after start is prompt", func(t *testing.T) {
		ctx := newTestContext(t)
		d, err := NewStreamerDevice(ctx, testFrontend, testBackend, DeviceConfig{PollInterval: 50 * time.Millisecond})
		require.NoError(t, err)
		require.NoError(t, d.Start())

		start := time.Now()
		d.Stop()
		waitStopped(t, d)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("stop before start", func(t *testing.T) {
		ctx := newTestContext(t)
		d, err := NewStreamerDevice(ctx, testFrontend, testBackend, DeviceConfig{})
		require.NoError(t, err)

		d.Stop()
		waitStopped(t, d)
		assert.Empty(t, ctx.Sockets())
		assert.ErrorIs(t, d.Start(), ErrDeviceState)
	})

	t.Run("start twice", func(t *testing.T) {
		ctx := newTestContext(t)
		d, err := NewStreamerDevice(ctx, testFrontend, testBackend, DeviceConfig{})
		require.NoError(t, err)
		startDevice(t, d)
		assert.ErrorIs(t, d.Start(), ErrDeviceState)
	})

	t.Run("failed setup stops the device", func(t *testing.T) {
		ctx := newTestContext(t)
		d, err := NewStreamerDevice(ctx, testFrontend, testBackend, DeviceConfig{})
		require.NoError(t, err)
		d.BackendSetup().Connect("nonsense")

		err = d.Start()
		var ce *ConfigurationError
		assert.True(t, errors.As(err, &ce))
		assert.Equal(t, DeviceStopped, d.State())
	})

	t.Run("closing the frontend ends the relay", func(t *testing.T) {
		ctx := newTestContext(t)
		pull := newTestSocket(t, ctx, Pull, SocketConfig{})
		push := newTestSocket(t, ctx, Push, SocketConfig{})
		d, err := NewDevice(KindStreamer, pull, push, DeviceConfig{PollInterval: 20 * time.Millisecond})
		require.NoError(t, err)
		require.NoError(t, d.Start())

		require.NoError(t, pull.Close())
		waitStopped(t, d)
		assert.ErrorIs(t, push.TrySend(NewMessageString("x")), ErrNoPeerAvailable, "caller sockets stay open")
	})
}

func TestNewDevice(t *testing.T) {
	ctx := newTestContext(t)
	pub := newTestSocket(t, ctx, Pub, SocketConfig{})
	sub := newTestSocket(t, ctx, Sub, SocketConfig{})
	push := newTestSocket(t, ctx, Push, SocketConfig{})
	pull := newTestSocket(t, ctx, Pull, SocketConfig{})

	cases := []struct {
		name     string
		kind     DeviceKind
		frontend *Socket
		backend  *Socket
		ok       bool
	}{
		{name: "forwarder", kind: KindForwarder, frontend: sub, backend: pub, ok: true},
		{name: "streamer", kind: KindStreamer, frontend: pull, backend: push, ok: true},
		{name: "reversed forwarder", kind: KindForwarder, frontend: pub, backend: sub},
		{name: "mixed", kind: KindStreamer, frontend: sub, backend: push},
		{name: "gateway needs interfaces", kind: KindGateway, frontend: pull, backend: push},
		{name: "missing socket", kind: KindStreamer, frontend: pull},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := NewDevice(tc.kind, tc.frontend, tc.backend, DeviceConfig{})
			if tc.ok {
				require.NoError(t, err)
				assert.Equal(t, tc.kind, d.Kind())
				assert.Equal(t, DeviceCreated, d.State())
				return
			}
			var ce *ConfigurationError
			assert.True(t, errors.As(err, &ce), "got %v", err)
		})
	}
}

func TestDevice_Registry(t *testing.T) {
	ctx := newTestContext(t)
	reg := newTestRegistry(t)
	d, err := NewStreamerDevice(ctx, testFrontend, testBackend, DeviceConfig{
		Name:     "jobs",
		Registry: reg,
	})
	require.NoError(t, err)
	frontend, backend := startDevice(t, d)

	info, err := reg.Discover("jobs", time.Second)
	require.NoError(t, err)
	assert.Equal(t, KindStreamer, info.Kind)
	assert.Equal(t, frontend.Endpoints()[0], info.Frontend)
	assert.Equal(t, backend.Endpoints()[0], info.Backend)

	d.Stop()
	waitStopped(t, d)
	services, err := reg.List()
	require.NoError(t, err)
	assert.NotContains(t, services, "jobs")
}

type fakeReceiver struct {
	ch chan Message
}

func (f *fakeReceiver) ReceiveTimeout(timeout time.Duration) (Message, error) {
	select {
	case m := <-f.ch:
		return m, nil
	case <-time.After(timeout):
		return Message{}, ErrTimeout
	}
}

// fakeSender fails the first failures sends (all of them when negative)
type fakeSender struct {
	mu       sync.Mutex
	failures int
	failWith error
	onFail   func()
	got      []Message
}

func (f *fakeSender) SendTimeout(msg Message, timeout time.Duration) error {
	f.mu.Lock()
	if f.failures != 0 {
		if f.failures > 0 {
			f.failures--
		}
		err, onFail := f.failWith, f.onFail
		f.mu.Unlock()
		time.Sleep(timeout)
		if onFail != nil {
			onFail()
		}
		return err
	}
	f.got = append(f.got, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) received() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.got...)
}

func TestGatewayDevice(t *testing.T) {
	t.Run("retries the same message until accepted", func(t *testing.T) {
		in := &fakeReceiver{ch: make(chan Message, 4)}
		out := &fakeSender{failures: 3, failWith: ErrTimeout}
		d, err := NewGatewayDevice(in, out, DeviceConfig{PollInterval: 10 * time.Millisecond})
		require.NoError(t, err)
		require.NoError(t, d.Start())

		in.ch <- NewMessageString("a")
		in.ch <- NewMessageString("b")
		require.Eventually(t, func() bool {
			return len(out.received()) == 2
		}, waitTimeout, 5*time.Millisecond)

		got := out.received()
		assert.Equal(t, "a", string(got[0].First()))
		assert.Equal(t, "b", string(got[1].First()))

		d.Stop()
		waitStopped(t, d)
		assert.Equal(t, RelayStats{Relayed: 2, Retries: 3}, d.Stats())
	})

	t.Run("stopping counts the message in hand as undelivered", func(t *testing.T) {
		in := &fakeReceiver{ch: make(chan Message, 1)}
		out := &fakeSender{failures: -1, failWith: ErrNoPeerAvailable}
		d, err := NewGatewayDevice(in, out, DeviceConfig{PollInterval: 10 * time.Millisecond})
		require.NoError(t, err)
		require.NoError(t, d.Start())

		in.ch <- NewMessageString("stuck")
		require.Eventually(t, func() bool {
			return d.Stats().Retries > 0
		}, waitTimeout, 5*time.Millisecond)

		d.Stop()
		waitStopped(t, d)
		assert.Equal(t, uint64(1), d.Stats().Undelivered)
		assert.Zero(t, d.Stats().Relayed)
	})

	t.Run("stop retries the message in hand and receives nothing more", func(t *testing.T) {
		in := &fakeReceiver{ch: make(chan Message, 2)}
		in.ch <- NewMessageString("a")
		in.ch <- NewMessageString("b")

		out := &fakeSender{failures: 1, failWith: ErrTimeout}
		d, err := NewGatewayDevice(in, out, DeviceConfig{PollInterval: 50 * time.Millisecond})
		require.NoError(t, err)
		out.onFail = d.Stop
		require.NoError(t, d.Start())

		waitStopped(t, d)
		got := out.received()
		require.Len(t, got, 1)
		assert.Equal(t, "a", string(got[0].First()))
		assert.Equal(t, RelayStats{Relayed: 1, Retries: 1}, d.Stats())
		assert.Len(t, in.ch, 1)
	})

	t.Run("setup needs a configurable target", func(t *testing.T) {
		d, err := NewGatewayDevice(&fakeReceiver{ch: make(chan Message)}, &fakeSender{}, DeviceConfig{})
		require.NoError(t, err)
		d.FrontendSetup().Bind("tcp://127.0.0.1:*")

		var ce *ConfigurationError
		assert.True(t, errors.As(d.Start(), &ce))
	})

	t.Run("requires both sides", func(t *testing.T) {
		_, err := NewGatewayDevice(nil, &fakeSender{}, DeviceConfig{})
		var ce *ConfigurationError
		assert.True(t, errors.As(err, &ce))
	})

	t.Run("wait honours the context", func(t *testing.T) {
		d, err := NewGatewayDevice(&fakeReceiver{ch: make(chan Message)}, &fakeSender{}, DeviceConfig{})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, d.Wait(ctx), context.DeadlineExceeded)
	})
}

func TestDeviceState_String(t *testing.T) {
	assert.Equal(t, "created", DeviceCreated.String())
	assert.Equal(t, "running", DeviceRunning.String())
	assert.Equal(t, "stopping", DeviceStopping.String())
	assert.Equal(t, "stopped", DeviceStopped.String())
	assert.Equal(t, "unknown", DeviceState(9).String())
}
