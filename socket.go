package zsock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// SocketType names a messaging pattern role
type SocketType string

const (
	Pub  SocketType = "PUB"
	Sub  SocketType = "SUB"
	Push SocketType = "PUSH"
	Pull SocketType = "PULL"
)

func (t SocketType) valid() bool {
	switch t {
	case Pub, Sub, Push, Pull:
		return true
	}
	return false
}

// compatible reports whether a socket of type t may peer with remote
func (t SocketType) compatible(remote SocketType) bool {
	switch t {
	case Pub:
		return remote == Sub
	case Sub:
		return remote == Pub
	case Push:
		return remote == Pull
	case Pull:
		return remote == Push
	}
	return false
}

func (t SocketType) canSend() bool {
	return t == Pub || t == Push
}

func (t SocketType) canReceive() bool {
	return t == Sub || t == Pull
}

const acceptRetryDelay = 50 * time.Millisecond

var (
	errControlOverflow = errors.New("control queue overflow")
	errPeerClosed      = errors.New("connection closed by peer")
)

type sendResult int

const (
	sendDone sendResult = iota
	sendNoPeer
	sendFull
)

// pattern is the per-type behaviour plugged into the socket core. Every
// method runs on the poller goroutine.
type pattern interface {
	onPeerAdded(p *peer)
	onPeerRemoved(p *peer, index int)
	onCommand(p *peer, cmd Command)
	// send tries to place req without blocking
	send(req *sendRequest) sendResult
	// accept filters inbound messages before delivery
	accept(msg Message) bool
}

// sendRequest is one caller's message in flight to the poller
type sendRequest struct {
	msg      Message
	nonblock bool
	done     chan error
	finished bool

	// peer ids still owed a copy under the block policy (publisher only)
	remaining map[uint64]struct{}
}

// Socket is a messaging endpoint of one pattern. It may bind and connect to
// any number of endpoints; each resulting connection is a peer. Socket methods
// are safe for concurrent use.
type Socket struct {
	kind     SocketType
	identity string
	ctx      *Context
	poller   *Poller
	clock    clock.Clock
	config   SocketConfig
	log      zerolog.Logger
	metrics  *Metrics
	pattern  pattern

	// Poller-owned.
	peers   map[uint64]*peer
	order   []*peer
	nextID  uint64
	cursor  int
	pending []*sendRequest
	dialers []*dialer
	closing bool
	beat    *Timer

	recvCh chan Message

	mu        sync.Mutex
	listeners []net.Listener
	endpoints []string
	closedSet bool

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

func newSocket(c *Context, kind SocketType, config SocketConfig) *Socket {
	config = config.withDefaults(kind)
	identity := config.Identity
	if identity == "" {
		identity = uuid.NewString()
	}
	s := &Socket{
		kind:     kind,
		identity: identity,
		ctx:      c,
		poller:   c.poller,
		clock:    c.clock,
		config:   config,
		metrics:  NewMetrics(),
		peers:    make(map[uint64]*peer),
		recvCh:   make(chan Message, 1),
		closed:   make(chan struct{}),
		log: c.log.With().
			Str("socket", string(kind)).
			Str("identity", identity).
			Logger(),
	}
	switch kind {
	case Pub:
		s.pattern = &pubPattern{s: s}
	case Sub:
		s.pattern = &subPattern{s: s, subs: make(prefixSet)}
	case Push:
		s.pattern = &pushPattern{s: s}
	case Pull:
		s.pattern = &pullPattern{}
	}
	return s
}

// Type returns the socket's pattern role
func (s *Socket) Type() SocketType { return s.kind }

// Identity returns the identity advertised in the greeting
func (s *Socket) Identity() string { return s.identity }

// Metrics returns the socket's live metrics
func (s *Socket) Metrics() *Metrics { return s.metrics }

func (s *Socket) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *Socket) greeting() greeting {
	return greeting{Version: ProtocolVersion, SocketType: string(s.kind), Identity: s.identity}
}

// Bind listens on endpoint and accepts peers from it. A tcp port of "*" or 0
// picks an ephemeral port; Endpoints reports the resolved address.
func (s *Socket) Bind(endpoint string) error {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	l, err := ep.listen()
	if err != nil {
		return fmt.Errorf("bind %s: %w", endpoint, err)
	}
	bound := boundEndpoint(ep.Transport, l)

	s.mu.Lock()
	if s.closedSet {
		s.mu.Unlock()
		l.Close()
		return ErrClosed
	}
	s.listeners = append(s.listeners, l)
	s.endpoints = append(s.endpoints, bound)
	s.wg.Add(1)
	s.mu.Unlock()

	s.log.Debug().Str("endpoint", bound).Msg("bound")
	go s.acceptLoop(l, bound)
	return nil
}

// Connect dials endpoint in the background and keeps reconnecting with
// backoff while the socket is open.
func (s *Socket) Connect(endpoint string) error {
	ep, err := ParseEndpoint(endpoint)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}
	accepted := false
	if err := s.poller.Call(func() {
		if s.closing {
			return
		}
		d := s.newDialer(endpoint, ep)
		s.dialers = append(s.dialers, d)
		s.dial(d)
		accepted = true
	}); err != nil || !accepted {
		return ErrClosed
	}

	s.mu.Lock()
	s.endpoints = append(s.endpoints, endpoint)
	s.mu.Unlock()
	return nil
}

// Disconnect stops reconnecting to endpoint and drops the peer connected
// through it.
func (s *Socket) Disconnect(endpoint string) error {
	found := false
	if err := s.poller.Call(func() {
		kept := s.dialers[:0]
		for _, d := range s.dialers {
			if d.raw != endpoint {
				kept = append(kept, d)
				continue
			}
			found = true
			s.stopDialer(d)
			for _, p := range append([]*peer(nil), s.order...) {
				if p.dialer == d {
					s.removePeer(p, nil)
				}
			}
		}
		s.dialers = kept
	}); err != nil {
		return ErrClosed
	}
	if !found {
		return &ConfigurationError{Field: "endpoint", Reason: fmt.Sprintf("not connected to %q", endpoint)}
	}

	s.mu.Lock()
	for i, e := range s.endpoints {
		if e == endpoint {
			s.endpoints = append(s.endpoints[:i], s.endpoints[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
	return nil
}

// Endpoints lists bound (resolved) and connected endpoints
func (s *Socket) Endpoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.endpoints...)
}

// PeerCount returns the number of established peers
func (s *Socket) PeerCount() int {
	n := 0
	if err := s.poller.Call(func() { n = len(s.order) }); err != nil {
		return 0
	}
	return n
}

// Send queues msg, waiting up to SendTimeout (forever when zero) under the
// block policy. The socket owns msg's frames once Send is called.
func (s *Socket) Send(msg Message) error {
	return s.sendMessage(context.Background(), msg, s.config.SendTimeout, false)
}

// SendTimeout is Send with an explicit bound
func (s *Socket) SendTimeout(msg Message, timeout time.Duration) error {
	return s.sendMessage(context.Background(), msg, timeout, false)
}

// SendContext is Send bounded by ctx instead of SendTimeout
func (s *Socket) SendContext(ctx context.Context, msg Message) error {
	return s.sendMessage(ctx, msg, 0, false)
}

// TrySend queues msg only if that is possible immediately
func (s *Socket) TrySend(msg Message) error {
	return s.sendMessage(context.Background(), msg, 0, true)
}

// SendFrames sends a message built from raw frames
func (s *Socket) SendFrames(frames ...[]byte) error {
	return s.Send(NewMessage(frames...))
}

// SendStrings sends a message built from string frames
func (s *Socket) SendStrings(frames ...string) error {
	return s.Send(NewMessageString(frames...))
}

func (s *Socket) sendMessage(ctx context.Context, msg Message, timeout time.Duration, nonblock bool) error {
	if !s.kind.canSend() {
		return ErrNotSupported
	}
	if err := msg.Validate(); err != nil {
		return err
	}
	if s.isClosed() {
		return ErrClosed
	}

	req := &sendRequest{msg: msg, nonblock: nonblock, done: make(chan error, 1)}
	if !s.poller.Post(func() { s.submit(req) }) {
		return ErrClosed
	}
	if nonblock {
		select {
		case err := <-req.done:
			return err
		case <-s.poller.Done():
			return requestResult(req, ErrClosed)
		}
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := s.clock.Timer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case err := <-req.done:
		return err
	case <-timeoutC:
		return s.withdrawSend(req, ErrTimeout)
	case <-ctx.Done():
		return s.withdrawSend(req, contextError(ctx))
	case <-s.poller.Done():
		return requestResult(req, ErrClosed)
	}
}

// withdrawSend cancels req on the poller. If the poller completed it first
// the real result wins, so a message is never reported failed yet delivered.
func (s *Socket) withdrawSend(req *sendRequest, reason error) error {
	if !s.poller.Post(func() { s.cancelSend(req, reason) }) {
		return requestResult(req, ErrClosed)
	}
	select {
	case err := <-req.done:
		return err
	case <-s.poller.Done():
		return requestResult(req, ErrClosed)
	}
}

func requestResult(req *sendRequest, fallback error) error {
	select {
	case err := <-req.done:
		return err
	default:
		return fallback
	}
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func (s *Socket) submit(req *sendRequest) {
	if s.closing {
		s.finishSend(req, ErrClosed)
		return
	}
	// Keep FIFO order behind earlier blocked sends.
	if len(s.pending) > 0 {
		if req.nonblock {
			s.finishSend(req, ErrWouldBlock)
			return
		}
		s.pending = append(s.pending, req)
		return
	}

	switch s.pattern.send(req) {
	case sendDone:
		s.finishSend(req, nil)
	case sendNoPeer:
		if req.nonblock {
			s.finishSend(req, ErrNoPeerAvailable)
			return
		}
		s.pending = append(s.pending, req)
	case sendFull:
		if req.nonblock {
			s.finishSend(req, ErrWouldBlock)
			return
		}
		s.pending = append(s.pending, req)
	}
}

// retryPending completes blocked sends in order while peers have room
func (s *Socket) retryPending() {
	for len(s.pending) > 0 && !s.closing {
		req := s.pending[0]
		if s.pattern.send(req) != sendDone {
			return
		}
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.finishSend(req, nil)
	}
}

func (s *Socket) cancelSend(req *sendRequest, reason error) {
	if req.finished {
		return
	}
	for i, r := range s.pending {
		if r == req {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.finishSend(req, reason)
}

func (s *Socket) finishSend(req *sendRequest, err error) {
	if req.finished {
		return
	}
	req.finished = true
	req.done <- err
}

// offer hands msg to p's outbox without blocking
func (s *Socket) offer(p *peer, msg Message) bool {
	select {
	case p.outbox <- msg:
		s.metrics.RecordSent(msg.size())
		return true
	default:
		return false
	}
}

// Receive waits up to RecvTimeout (forever when zero) for the next message
func (s *Socket) Receive() (Message, error) {
	return s.receive(context.Background(), s.config.RecvTimeout, false)
}

// ReceiveTimeout is Receive with an explicit bound
func (s *Socket) ReceiveTimeout(timeout time.Duration) (Message, error) {
	return s.receive(context.Background(), timeout, false)
}

// ReceiveContext is Receive bounded by ctx instead of RecvTimeout
func (s *Socket) ReceiveContext(ctx context.Context) (Message, error) {
	return s.receive(ctx, 0, false)
}

// TryReceive returns a message only if one is ready now
func (s *Socket) TryReceive() (Message, error) {
	return s.receive(context.Background(), 0, true)
}

func (s *Socket) receive(ctx context.Context, timeout time.Duration, nonblock bool) (Message, error) {
	if !s.kind.canReceive() {
		return Message{}, ErrNotSupported
	}

	select {
	case msg := <-s.recvCh:
		s.delivered(msg)
		return msg, nil
	default:
	}
	if s.isClosed() {
		return Message{}, ErrClosed
	}
	if nonblock {
		return Message{}, ErrWouldBlock
	}

	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := s.clock.Timer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}

	select {
	case msg := <-s.recvCh:
		s.delivered(msg)
		return msg, nil
	case <-s.closed:
		return Message{}, ErrClosed
	case <-timeoutC:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, contextError(ctx)
	}
}

func (s *Socket) delivered(msg Message) {
	s.metrics.RecordReceived(msg.size())
	s.poller.Post(s.fillRecv)
}

// fillRecv moves the next fair-queued message into the receive slot
func (s *Socket) fillRecv() {
	for len(s.recvCh) < cap(s.recvCh) {
		msg, ok := s.nextInbound()
		if !ok {
			return
		}
		s.recvCh <- msg
	}
}

// nextInbound takes one message round-robin across peers in id order.
// Commands met on the way are handled in stream order.
func (s *Socket) nextInbound() (Message, bool) {
	for idle := 0; idle < len(s.order); {
		if s.cursor >= len(s.order) {
			s.cursor = 0
		}
		p := s.order[s.cursor]
		select {
		case in := <-p.inbox:
			if in.cmd != nil {
				s.handleCommand(p, *in.cmd)
				continue
			}
			if !s.pattern.accept(in.msg) {
				s.metrics.RecordDropped()
				continue
			}
			s.cursor++
			if p.eof && len(p.inbox) == 0 {
				s.removePeer(p, errPeerClosed)
			}
			return in.msg, true
		default:
			if p.eof {
				s.removePeer(p, errPeerClosed)
				continue
			}
			s.cursor++
			idle++
		}
	}
	return Message{}, false
}

func (s *Socket) onReadable(p *peer) {
	if p.getState() != peerEstablished {
		return
	}
	if s.kind.canReceive() {
		s.fillRecv()
		return
	}
	// Send-only patterns only expect commands; stray data is discarded.
	for {
		select {
		case in := <-p.inbox:
			if in.cmd != nil {
				s.handleCommand(p, *in.cmd)
			} else {
				s.metrics.RecordDropped()
			}
			if p.getState() != peerEstablished {
				return
			}
		default:
			return
		}
	}
}

func (s *Socket) handleCommand(p *peer, cmd Command) {
	switch cmd.Type {
	case CommandPing:
		s.sendCommand(p, Command{Type: CommandPong, Body: cmd.Body})
	case CommandPong:
		if len(cmd.Body) != 8 {
			return
		}
		sent := time.Unix(0, int64(binary.BigEndian.Uint64(cmd.Body)))
		if rtt := s.clock.Now().Sub(sent); rtt >= 0 {
			s.metrics.RecordHeartbeatRtt(float64(rtt) / float64(time.Millisecond))
		}
	default:
		s.pattern.onCommand(p, cmd)
	}
}

// sendCommand queues cmd for p. Subscription changes never overflow: once the
// control queue is full they wait in the peer's backlog, in order, until the
// write pump makes room. Anything else that finds the queue full means the
// peer is not reading, and it is dropped.
func (s *Socket) sendCommand(p *peer, cmd Command) {
	if p.getState() != peerEstablished {
		return
	}
	switch cmd.Type {
	case CommandSubscribe, CommandCancel:
		if len(p.ctrlBacklog) == 0 && p.tryCommand(cmd) {
			return
		}
		p.ctrlBacklog = append(p.ctrlBacklog, cmd)
		return
	}
	if !p.tryCommand(cmd) {
		s.removePeer(p, errControlOverflow)
	}
}

// flushControl moves backlogged subscription commands into p's control queue
// while it has room.
func (s *Socket) flushControl(p *peer) {
	if p.getState() != peerEstablished {
		p.ctrlBacklog = nil
		return
	}
	n := 0
	for n < len(p.ctrlBacklog) && p.tryCommand(p.ctrlBacklog[n]) {
		n++
	}
	rest := copy(p.ctrlBacklog, p.ctrlBacklog[n:])
	p.ctrlBacklog = p.ctrlBacklog[:rest]
	if rest == 0 {
		p.ctrlBacklog = nil
	}
}

func (s *Socket) acceptLoop(l net.Listener, endpoint string) {
	defer s.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn().Err(err).Str("endpoint", endpoint).Msg("accept failed")
			select {
			case <-s.closed:
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			p, err := s.setupPeer(conn, endpoint, dirAccept)
			if err != nil {
				s.log.Warn().Err(err).Str("endpoint", endpoint).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
				return
			}
			if !s.poller.Post(func() { s.attach(p) }) {
				p.close()
			}
		}()
	}
}

// setupPeer runs the greeting exchange on a fresh connection
func (s *Socket) setupPeer(conn net.Conn, endpoint string, dir peerDirection) (*peer, error) {
	p := newPeer(s, conn, endpoint, dir, s.config, s.log)
	p.setState(peerHandshaking)

	remote, err := handshake(conn, p.reader, s.greeting(), s.config.HandshakeTimeout)
	if err != nil {
		conn.Close()
		var pe *ProtocolError
		if errors.As(err, &pe) && pe.Endpoint == "" {
			pe.Endpoint = endpoint
		}
		s.metrics.RecordHandshakeFailure(err)
		return nil, err
	}
	p.remoteIdentity = remote.Identity
	p.remoteType = SocketType(remote.SocketType)
	p.log = p.log.With().Str("peer", remote.Identity).Logger()
	return p, nil
}

// attach makes a handshaken peer visible to the pattern. Poller goroutine only.
func (s *Socket) attach(p *peer) {
	if s.closing {
		p.close()
		return
	}
	s.nextID++
	p.id = s.nextID
	p.lastRecv.Store(s.clock.Now().UnixNano())
	p.reg = s.poller.Register(p, Readable|Writable)
	p.setState(peerEstablished)

	s.peers[p.id] = p
	s.order = append(s.order, p)
	s.metrics.RecordPeerAdded()

	s.wg.Add(2)
	go p.readPump(s)
	go p.writePump(s)

	p.log.Debug().Uint64("peer_id", p.id).Msg("peer established")
	s.pattern.onPeerAdded(p)
	s.retryPending()
}

// peerFailed reports a pump failure from any goroutine
func (s *Socket) peerFailed(p *peer, err error) {
	if p.getState() == peerDraining {
		p.close()
		return
	}
	if !s.poller.Post(func() { s.removePeer(p, err) }) {
		p.close()
	}
}

// peerEOF handles an orderly close by the remote. Messages already in the
// inbox stay deliverable and the peer is removed once they are consumed.
func (s *Socket) peerEOF(p *peer) {
	if p.getState() == peerDraining {
		p.close()
		return
	}
	if !s.poller.Post(func() {
		if s.kind.canReceive() && len(p.inbox) > 0 && p.getState() == peerEstablished {
			p.eof = true
			s.fillRecv()
			return
		}
		s.removePeer(p, errPeerClosed)
	}) {
		p.close()
	}
}

// removePeer detaches p and closes its stream. Poller goroutine only.
func (s *Socket) removePeer(p *peer, err error) {
	if _, ok := s.peers[p.id]; !ok || p.getState() != peerEstablished {
		p.close()
		return
	}
	p.setState(peerRemoved)
	delete(s.peers, p.id)

	index := -1
	for i, q := range s.order {
		if q == p {
			index = i
			break
		}
	}
	if index >= 0 {
		s.order = append(s.order[:index], s.order[index+1:]...)
		if index < s.cursor {
			s.cursor--
		}
	}
	s.pattern.onPeerRemoved(p, index)
	s.metrics.RecordPeerRemoved()
	p.close()

	var fe *FramingError
	switch {
	case err == nil:
		p.log.Debug().Msg("peer removed")
	case errors.As(err, &fe):
		s.metrics.RecordFramingError()
		p.log.Warn().Err(err).Msg("peer removed")
	case errors.Is(err, ErrHeartbeatTimeout):
		s.metrics.RecordHeartbeatMiss()
		p.log.Warn().Err(err).Msg("peer removed")
	default:
		p.log.Debug().Err(err).Msg("peer removed")
	}

	if p.dialer != nil && err != nil && !p.dialer.stopped {
		s.scheduleReconnect(p.dialer)
	}
	s.retryPending()
}

func (s *Socket) startHeartbeat() {
	if s.config.HeartbeatInterval <= 0 || s.closing {
		return
	}
	s.beat = s.poller.AfterFunc(s.config.HeartbeatInterval, s.heartbeat)
}

// heartbeat pings every peer and removes the ones silent past the timeout
func (s *Socket) heartbeat() {
	s.beat = nil
	if s.closing {
		return
	}
	now := s.clock.Now()
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, uint64(now.UnixNano()))

	for _, p := range append([]*peer(nil), s.order...) {
		if now.Sub(time.Unix(0, p.lastRecv.Load())) > s.config.HeartbeatTimeout {
			s.removePeer(p, ErrHeartbeatTimeout)
			continue
		}
		s.sendCommand(p, Command{Type: CommandPing, Body: body})
	}
	s.startHeartbeat()
}

// Close stops accepting and dialing, drains peers for up to Linger and
// releases the socket. It is idempotent.
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closedSet = true
		listeners := s.listeners
		s.listeners = nil
		s.mu.Unlock()
		close(s.closed)

		var err error
		for _, l := range listeners {
			if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}

		if callErr := s.poller.Call(s.shutdown); callErr != nil {
			// Poller is gone; nothing else touches peer state now.
			s.shutdown()
		}
		s.wg.Wait()

		if s.ctx != nil {
			s.ctx.forget(s)
		}
		s.closeErr = err
		s.log.Debug().Msg("socket closed")
	})
	return s.closeErr
}

func (s *Socket) shutdown() {
	if s.closing {
		return
	}
	s.closing = true
	if s.beat != nil {
		s.beat.Stop()
		s.beat = nil
	}
	for _, d := range s.dialers {
		s.stopDialer(d)
	}
	for _, req := range s.pending {
		s.finishSend(req, ErrClosed)
	}
	s.pending = nil

	for _, p := range s.order {
		p.reg.Cancel()
		p.drain(s.config.Linger)
		s.metrics.RecordPeerRemoved()
	}
	s.order = nil
	s.peers = make(map[uint64]*peer)
}
