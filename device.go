package zsock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// DeviceKind names a relay topology
type DeviceKind string

const (
	// KindForwarder relays SUB -> PUB
	KindForwarder DeviceKind = "forwarder"
	// KindStreamer relays PULL -> PUSH
	KindStreamer DeviceKind = "streamer"
	// KindGateway relays between arbitrary receivers and senders
	KindGateway DeviceKind = "gateway"
)

// DeviceState is a device's lifecycle position
type DeviceState int32

const (
	DeviceCreated DeviceState = iota
	DeviceRunning
	DeviceStopping
	DeviceStopped
)

func (s DeviceState) String() string {
	switch s {
	case DeviceCreated:
		return "created"
	case DeviceRunning:
		return "running"
	case DeviceStopping:
		return "stopping"
	case DeviceStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Receiver is the frontend side of a device
type Receiver interface {
	ReceiveTimeout(timeout time.Duration) (Message, error)
}

// Sender is the backend side of a device
type Sender interface {
	SendTimeout(msg Message, timeout time.Duration) error
}

// configurable is implemented by sockets a SocketSetup can prepare
type configurable interface {
	Bind(endpoint string) error
	Connect(endpoint string) error
	Subscribe(prefix []byte) error
	Unsubscribe(prefix []byte) error
}

type setupOp struct {
	name string
	arg  string
	fn   func(configurable) error
}

// SocketSetup records configuration applied to a device socket on Start, in
// the order it was added.
type SocketSetup struct {
	mu  sync.Mutex
	ops []setupOp
}

func (s *SocketSetup) add(name, arg string, fn func(configurable) error) *SocketSetup {
	s.mu.Lock()
	s.ops = append(s.ops, setupOp{name: name, arg: arg, fn: fn})
	s.mu.Unlock()
	return s
}

// Bind adds a bind to endpoint
func (s *SocketSetup) Bind(endpoint string) *SocketSetup {
	return s.add("bind", endpoint, func(c configurable) error { return c.Bind(endpoint) })
}

// Connect adds a connect to endpoint
func (s *SocketSetup) Connect(endpoint string) *SocketSetup {
	return s.add("connect", endpoint, func(c configurable) error { return c.Connect(endpoint) })
}

// Subscribe adds a subscription
func (s *SocketSetup) Subscribe(prefix []byte) *SocketSetup {
	prefix = append([]byte{}, prefix...)
	return s.add("subscribe", string(prefix), func(c configurable) error { return c.Subscribe(prefix) })
}

// Unsubscribe adds an unsubscription
func (s *SocketSetup) Unsubscribe(prefix []byte) *SocketSetup {
	prefix = append([]byte{}, prefix...)
	return s.add("unsubscribe", string(prefix), func(c configurable) error { return c.Unsubscribe(prefix) })
}

func (s *SocketSetup) apply(target any) error {
	s.mu.Lock()
	ops := append([]setupOp(nil), s.ops...)
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}
	c, ok := target.(configurable)
	if !ok {
		return &ConfigurationError{Field: "socket setup", Reason: fmt.Sprintf("%T cannot be configured", target)}
	}
	for _, op := range ops {
		if err := op.fn(c); err != nil {
			return fmt.Errorf("%s %q: %w", op.name, op.arg, err)
		}
	}
	return nil
}

// RelayStats counts relay outcomes
type RelayStats struct {
	Relayed     uint64 `json:"relayed"`
	Retries     uint64 `json:"retries"`
	Undelivered uint64 `json:"undelivered"`
}

// Device relays every message received on its frontend to its backend,
// unchanged, on a dedicated goroutine.
type Device struct {
	kind     DeviceKind
	config   DeviceConfig
	frontend Receiver
	backend  Sender
	log      zerolog.Logger

	// sockets created by the device and closed when it stops
	owned []*Socket

	frontendSetup SocketSetup
	backendSetup  SocketSetup

	state      atomic.Int32
	stopOnce   sync.Once
	finishOnce sync.Once
	stopCh     chan struct{}
	stopAt     atomic.Int64
	done       chan struct{}

	relayed     atomic.Uint64
	retries     atomic.Uint64
	undelivered atomic.Uint64
}

func newDevice(kind DeviceKind, frontend Receiver, backend Sender, config DeviceConfig, logger zerolog.Logger) *Device {
	config = config.withDefaults()
	d := &Device{
		kind:     kind,
		config:   config,
		frontend: frontend,
		backend:  backend,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	ctx := logger.With().Str("device", string(kind))
	if config.Name != "" {
		ctx = ctx.Str("name", config.Name)
	}
	d.log = ctx.Logger()
	if kind == KindForwarder {
		for _, topic := range config.Subscriptions {
			d.frontendSetup.Subscribe([]byte(topic))
		}
	}
	return d
}

// NewForwarderDevice creates a device whose SUB frontend binds frontendAddr
// and whose PUB backend binds backendAddr. DeviceConfig.Subscriptions seed
// the frontend; FrontendSetup adds more.
func NewForwarderDevice(ctx *Context, frontendAddr, backendAddr string, config DeviceConfig) (*Device, error) {
	return newSocketDevice(ctx, KindForwarder, Sub, Pub, frontendAddr, backendAddr, config)
}

// NewStreamerDevice creates a device whose PULL frontend binds frontendAddr
// and whose PUSH backend binds backendAddr.
func NewStreamerDevice(ctx *Context, frontendAddr, backendAddr string, config DeviceConfig) (*Device, error) {
	if len(config.Subscriptions) > 0 {
		return nil, &ConfigurationError{Field: "subscriptions", Reason: "streamer devices do not subscribe"}
	}
	return newSocketDevice(ctx, KindStreamer, Pull, Push, frontendAddr, backendAddr, config)
}

func newSocketDevice(ctx *Context, kind DeviceKind, frontType, backType SocketType, frontendAddr, backendAddr string, config DeviceConfig) (*Device, error) {
	if _, err := ParseEndpoint(frontendAddr); err != nil {
		return nil, err
	}
	if _, err := ParseEndpoint(backendAddr); err != nil {
		return nil, err
	}
	frontend, err := ctx.NewSocket(frontType, config.Frontend)
	if err != nil {
		return nil, err
	}
	backend, err := ctx.NewSocket(backType, config.Backend)
	if err != nil {
		return nil, multierr.Append(err, frontend.Close())
	}

	d := newDevice(kind, frontend, backend, config, ctx.Logger())
	d.owned = []*Socket{frontend, backend}
	d.frontendSetup.Bind(frontendAddr)
	d.backendSetup.Bind(backendAddr)
	return d, nil
}

// NewDevice relays between existing sockets, which stay owned by the caller.
// The pair must match kind: SUB -> PUB for a forwarder, PULL -> PUSH for a
// streamer.
func NewDevice(kind DeviceKind, frontend, backend *Socket, config DeviceConfig) (*Device, error) {
	if frontend == nil || backend == nil {
		return nil, &ConfigurationError{Field: "sockets", Reason: "frontend and backend are required"}
	}
	var want [2]SocketType
	switch kind {
	case KindForwarder:
		want = [2]SocketType{Sub, Pub}
	case KindStreamer:
		want = [2]SocketType{Pull, Push}
	default:
		return nil, &ConfigurationError{Field: "kind", Reason: fmt.Sprintf("device kind %q needs explicit receiver and sender", kind)}
	}
	if frontend.Type() != want[0] || backend.Type() != want[1] {
		return nil, &ConfigurationError{
			Field:  "sockets",
			Reason: fmt.Sprintf("%s device needs %s -> %s, got %s -> %s", kind, want[0], want[1], frontend.Type(), backend.Type()),
		}
	}
	return newDevice(kind, frontend, backend, config, frontend.ctx.Logger()), nil
}

// NewGatewayDevice relays between any receiver and sender, such as a
// ZMTPSocket and a zsock Socket.
func NewGatewayDevice(frontend Receiver, backend Sender, config DeviceConfig) (*Device, error) {
	if frontend == nil || backend == nil {
		return nil, &ConfigurationError{Field: "gateway", Reason: "frontend and backend are required"}
	}
	return newDevice(KindGateway, frontend, backend, config, defaultLogger()), nil
}

// Kind returns the device topology
func (d *Device) Kind() DeviceKind { return d.kind }

// FrontendSetup configures the frontend socket when the device starts
func (d *Device) FrontendSetup() *SocketSetup { return &d.frontendSetup }

// BackendSetup configures the backend socket when the device starts
func (d *Device) BackendSetup() *SocketSetup { return &d.backendSetup }

// Frontend returns the receiving side
func (d *Device) Frontend() Receiver { return d.frontend }

// Backend returns the sending side
func (d *Device) Backend() Sender { return d.backend }

// State returns the current lifecycle state
func (d *Device) State() DeviceState {
	return DeviceState(d.state.Load())
}

// Stats returns relay counters
func (d *Device) Stats() RelayStats {
	return RelayStats{
		Relayed:     d.relayed.Load(),
		Retries:     d.retries.Load(),
		Undelivered: d.undelivered.Load(),
	}
}

// Done is closed once the device reaches DeviceStopped
func (d *Device) Done() <-chan struct{} { return d.done }

// Start applies the socket setups and launches the relay loop
func (d *Device) Start() error {
	if !d.state.CompareAndSwap(int32(DeviceCreated), int32(DeviceRunning)) {
		return fmt.Errorf("start %s device in state %s: %w", d.kind, d.State(), ErrDeviceState)
	}

	if err := d.setup(); err != nil {
		d.log.Error().Err(err).Msg("device setup failed")
		d.finish()
		return err
	}
	d.advertise()

	d.log.Info().Msg("device started")
	go d.run()
	return nil
}

func (d *Device) setup() error {
	if err := d.frontendSetup.apply(d.frontend); err != nil {
		return fmt.Errorf("frontend setup: %w", err)
	}
	if err := d.backendSetup.apply(d.backend); err != nil {
		return fmt.Errorf("backend setup: %w", err)
	}
	return nil
}

// Stop asks the relay loop to finish and returns immediately. No further
// messages are received; a message already in hand gets one poll interval
// of retries before it is counted undelivered.
func (d *Device) Stop() {
	if d.state.CompareAndSwap(int32(DeviceCreated), int32(DeviceStopped)) {
		d.finish()
		return
	}
	d.state.CompareAndSwap(int32(DeviceRunning), int32(DeviceStopping))
	d.stopOnce.Do(func() {
		d.stopAt.Store(time.Now().UnixNano())
		close(d.stopCh)
	})
}

// Wait blocks until the device stops or ctx ends
func (d *Device) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Device) stopRequested() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

// graceExpired reports whether a stop was requested more than one poll
// interval ago
func (d *Device) graceExpired() bool {
	at := d.stopAt.Load()
	return at != 0 && time.Since(time.Unix(0, at)) > d.config.PollInterval
}

// run is the relay loop. It stops receiving as soon as a stop is requested.
func (d *Device) run() {
	defer d.finish()

	for {
		if d.stopRequested() {
			return
		}

		msg, err := d.frontend.ReceiveTimeout(d.config.PollInterval)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				d.log.Warn().Err(err).Msg("frontend closed, device stopping")
				return
			}
			if d.stopRequested() {
				return
			}
			if !IsTransient(err) {
				d.log.Warn().Err(err).Msg("frontend receive failed")
				d.pause()
			}
			continue
		}
		d.relay(msg)
	}
}

// relay retries msg on the backend until it is accepted. After a stop
// request it keeps retrying for one poll interval, then counts the message
// undelivered.
func (d *Device) relay(msg Message) {
	for {
		err := d.backend.SendTimeout(msg, d.config.PollInterval)
		if err == nil {
			d.relayed.Add(1)
			return
		}
		if errors.Is(err, ErrClosed) || d.graceExpired() {
			d.undelivered.Add(1)
			d.log.Error().Err(err).Int("frames", msg.Len()).Msg("message undelivered")
			return
		}
		d.retries.Add(1)
		d.log.Debug().Err(err).Msg("relay retry")
		if !IsTransient(err) {
			d.pause()
		}
	}
}

// pause waits one poll interval, cut short by a stop request that arrives
// while waiting
func (d *Device) pause() {
	t := time.NewTimer(d.config.PollInterval)
	defer t.Stop()
	stop := d.stopCh
	if d.stopRequested() {
		stop = nil
	}
	select {
	case <-t.C:
	case <-stop:
	}
}

// finish releases owned sockets and marks the device stopped
func (d *Device) finish() {
	d.finishOnce.Do(d.release)
}

func (d *Device) release() {
	var err error
	for _, s := range d.owned {
		err = multierr.Append(err, s.Close())
	}
	if err != nil {
		d.log.Warn().Err(err).Msg("close device sockets")
	}
	d.withdraw()

	d.state.Store(int32(DeviceStopped))
	close(d.done)
	stats := d.Stats()
	d.log.Info().
		Uint64("relayed", stats.Relayed).
		Uint64("retries", stats.Retries).
		Uint64("undelivered", stats.Undelivered).
		Msg("device stopped")
}

type endpointLister interface {
	Endpoints() []string
}

func firstEndpoint(v any) string {
	if el, ok := v.(endpointLister); ok {
		if eps := el.Endpoints(); len(eps) > 0 {
			return eps[0]
		}
	}
	return ""
}

// advertise registers the device's resolved endpoints when a registry is set
func (d *Device) advertise() {
	if d.config.Registry == nil || d.config.Name == "" {
		return
	}
	info := ServiceInfo{
		Kind:     d.kind,
		Frontend: firstEndpoint(d.frontend),
		Backend:  firstEndpoint(d.backend),
	}
	if err := d.config.Registry.Register(d.config.Name, info); err != nil {
		d.log.Warn().Err(err).Msg("registry advertisement failed")
	}
}

func (d *Device) withdraw() {
	if d.config.Registry == nil || d.config.Name == "" {
		return
	}
	if err := d.config.Registry.Unregister(d.config.Name); err != nil {
		d.log.Warn().Err(err).Msg("registry withdrawal failed")
	}
}
