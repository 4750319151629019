package zsock

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// Context owns one Poller and every socket created from it. Closing the
// context closes its sockets and then stops the poller.
type Context struct {
	poller *Poller
	clock  clock.Clock
	log    zerolog.Logger

	mu      sync.Mutex
	sockets map[*Socket]struct{}
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// NewContext creates a Context and starts its poller
func NewContext(config ContextConfig) *Context {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	logger := defaultLogger()
	if config.Logger != nil {
		logger = *config.Logger
	}

	c := &Context{
		clock:   config.Clock,
		log:     logger,
		sockets: make(map[*Socket]struct{}),
	}
	c.poller = NewPoller(PollerConfig{Clock: config.Clock, Logger: &logger})
	go c.poller.Run()
	return c
}

// NewSocket creates a socket of the given type
func (c *Context) NewSocket(kind SocketType, config SocketConfig) (*Socket, error) {
	if !kind.valid() {
		return nil, &ConfigurationError{Field: "socket type", Reason: fmt.Sprintf("unknown socket type %q", kind)}
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrContextClosed
	}
	s := newSocket(c, kind, config)
	c.sockets[s] = struct{}{}
	c.mu.Unlock()

	if s.config.HeartbeatInterval > 0 {
		s.poller.Post(s.startHeartbeat)
	}
	s.log.Debug().Msg("socket created")
	return s, nil
}

// NewPublisher creates a PUB socket
func (c *Context) NewPublisher(config SocketConfig) (*Socket, error) {
	return c.NewSocket(Pub, config)
}

// NewSubscriber creates a SUB socket
func (c *Context) NewSubscriber(config SocketConfig) (*Socket, error) {
	return c.NewSocket(Sub, config)
}

// NewPush creates a PUSH socket
func (c *Context) NewPush(config SocketConfig) (*Socket, error) {
	return c.NewSocket(Push, config)
}

// NewPull creates a PULL socket
func (c *Context) NewPull(config SocketConfig) (*Socket, error) {
	return c.NewSocket(Pull, config)
}

// Sockets returns the sockets still open on this context
func (c *Context) Sockets() []*Socket {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Socket, 0, len(c.sockets))
	for s := range c.sockets {
		out = append(out, s)
	}
	return out
}

// Logger returns the context's base logger
func (c *Context) Logger() zerolog.Logger {
	return c.log
}

func (c *Context) forget(s *Socket) {
	c.mu.Lock()
	delete(c.sockets, s)
	c.mu.Unlock()
}

// Close closes every socket concurrently, waits for their peers to drain and
// stops the poller. Further socket creation fails with ErrContextClosed.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sockets := make([]*Socket, 0, len(c.sockets))
		for s := range c.sockets {
			sockets = append(sockets, s)
		}
		c.mu.Unlock()

		var (
			errMu sync.Mutex
			err   error
		)
		var g errgroup.Group
		for _, s := range sockets {
			s := s
			g.Go(func() error {
				if cerr := s.Close(); cerr != nil {
					errMu.Lock()
					err = multierr.Append(err, fmt.Errorf("close %s socket: %w", s.kind, cerr))
					errMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		c.poller.Stop()
		<-c.poller.Done()
		c.closeErr = err
		c.log.Debug().Int("sockets", len(sockets)).Msg("context closed")
	})
	return c.closeErr
}
