package zsock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	zmq "github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"
)

// ZMTPConfig holds configuration for a ZMTPSocket
type ZMTPConfig struct {
	// Identity is the ZMTP socket identity; a random one when empty.
	Identity string
	// DialRetry is the interval between reconnect attempts in Connect.
	DialRetry time.Duration
	Logger    *zerolog.Logger
}

// ZMTPSocket adapts a native ZeroMQ socket speaking ZMTP so gateway devices
// can bridge it to and from zsock sockets. Frames are carried unchanged.
type ZMTPSocket struct {
	kind   SocketType
	socket zmq.Socket
	cancel context.CancelFunc
	log    zerolog.Logger

	recvOnce sync.Once
	incoming chan zmtpResult

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

type zmtpResult struct {
	msg Message
	err error
}

// NewZMTPSocket creates a native ZeroMQ socket of the given pattern
func NewZMTPSocket(kind SocketType, config ZMTPConfig) (*ZMTPSocket, error) {
	ctx, cancel := context.WithCancel(context.Background())

	var opts []zmq.Option
	if config.Identity != "" {
		opts = append(opts, zmq.WithID(zmq.SocketIdentity(config.Identity)))
	}
	if config.DialRetry > 0 {
		opts = append(opts, zmq.WithDialerRetry(config.DialRetry))
	}

	var sock zmq.Socket
	switch kind {
	case Pub:
		sock = zmq.NewPub(ctx, opts...)
	case Sub:
		sock = zmq.NewSub(ctx, opts...)
	case Push:
		sock = zmq.NewPush(ctx, opts...)
	case Pull:
		sock = zmq.NewPull(ctx, opts...)
	default:
		cancel()
		return nil, &ConfigurationError{Field: "socket type", Reason: fmt.Sprintf("unknown socket type %q", kind)}
	}

	logger := defaultLogger()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &ZMTPSocket{
		kind:     kind,
		socket:   sock,
		cancel:   cancel,
		incoming: make(chan zmtpResult, 1),
		closed:   make(chan struct{}),
		log: logger.With().
			Str("socket", string(kind)).
			Str("transport", "zmtp").
			Logger(),
	}, nil
}

// Type returns the socket's pattern role
func (z *ZMTPSocket) Type() SocketType { return z.kind }

// Bind listens on a ZeroMQ endpoint
func (z *ZMTPSocket) Bind(endpoint string) error {
	if err := z.socket.Listen(endpoint); err != nil {
		return fmt.Errorf("failed to bind to %s: %w", endpoint, err)
	}
	return nil
}

// Connect dials a ZeroMQ endpoint
func (z *ZMTPSocket) Connect(endpoint string) error {
	if err := z.socket.Dial(endpoint); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return nil
}

// Subscribe adds a prefix filter on a SUB socket
func (z *ZMTPSocket) Subscribe(prefix []byte) error {
	if z.kind != Sub {
		return ErrNotSupported
	}
	return z.socket.SetOption(zmq.OptionSubscribe, string(prefix))
}

// Unsubscribe removes a prefix filter on a SUB socket
func (z *ZMTPSocket) Unsubscribe(prefix []byte) error {
	if z.kind != Sub {
		return ErrNotSupported
	}
	return z.socket.SetOption(zmq.OptionUnsubscribe, string(prefix))
}

// SendTimeout sends msg as one multi-part ZMTP message. The underlying
// socket does not take a deadline, so timeout is not enforced.
func (z *ZMTPSocket) SendTimeout(msg Message, _ time.Duration) error {
	if z.kind != Pub && z.kind != Push {
		return ErrNotSupported
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	select {
	case <-z.closed:
		return ErrClosed
	default:
	}
	if err := z.socket.Send(zmq.NewMsgFrom(msg.Bytes()...)); err != nil {
		return fmt.Errorf("zmtp send: %w", err)
	}
	return nil
}

// ReceiveTimeout waits up to timeout for the next message; zero waits forever
func (z *ZMTPSocket) ReceiveTimeout(timeout time.Duration) (Message, error) {
	if z.kind != Sub && z.kind != Pull {
		return Message{}, ErrNotSupported
	}
	z.recvOnce.Do(func() {
		z.wg.Add(1)
		go z.receiveLoop()
	})

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}
	select {
	case r := <-z.incoming:
		return r.msg, r.err
	case <-z.closed:
		return Message{}, ErrClosed
	case <-timeoutC:
		return Message{}, ErrTimeout
	}
}

// receiveLoop turns the blocking Recv into a channel
func (z *ZMTPSocket) receiveLoop() {
	defer z.wg.Done()
	for {
		zmsg, err := z.socket.Recv()
		var r zmtpResult
		switch {
		case err != nil:
			select {
			case <-z.closed:
				return
			default:
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			z.log.Debug().Err(err).Msg("zmtp receive failed")
			time.Sleep(10 * time.Millisecond)
			continue
		case len(zmsg.Frames) == 0:
			continue
		default:
			r.msg = NewMessage(zmsg.Frames...)
		}

		select {
		case z.incoming <- r:
		case <-z.closed:
			return
		}
	}
}

// Close closes the underlying socket and stops the receive goroutine
func (z *ZMTPSocket) Close() error {
	var err error
	z.closeOnce.Do(func() {
		close(z.closed)
		err = z.socket.Close()
		z.cancel()
		z.wg.Wait()
	})
	return err
}
