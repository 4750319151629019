package zsock

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type peerDirection int

const (
	dirConnect peerDirection = iota
	dirAccept
)

func (d peerDirection) String() string {
	if d == dirConnect {
		return "connect"
	}
	return "accept"
}

type peerState int32

const (
	peerAdded peerState = iota
	peerHandshaking
	peerEstablished
	peerDraining
	peerRemoved
)

func (s peerState) String() string {
	switch s {
	case peerAdded:
		return "added"
	case peerHandshaking:
		return "handshaking"
	case peerEstablished:
		return "established"
	case peerDraining:
		return "draining"
	case peerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

const (
	ioBufferSize    = 32 * 1024
	ctrlQueueLength = 256
)

// inbound is one decoded unit waiting for the poller
type inbound struct {
	msg Message
	cmd *Command
}

// peer is one duplex stream to a remote socket. The poller goroutine owns its
// membership and pattern state; the read and write pumps only move bytes
// between the connection and the bounded queues.
type peer struct {
	sock      *Socket
	id        uint64
	endpoint  string
	direction peerDirection
	dialer    *dialer

	remoteIdentity string
	remoteType     SocketType

	conn   net.Conn
	reader *bufio.Reader
	state  atomic.Int32

	inbox  chan inbound
	outbox chan Message
	ctrl   chan Command

	drainCh   chan struct{}
	drainOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	reg      *Registration
	lastRecv atomic.Int64

	// Publisher side: the peer's subscriptions. Poller-owned.
	subs prefixSet

	// eof marks an orderly remote close; the peer leaves once its inbox is
	// consumed. Poller-owned.
	eof bool

	// ctrlBacklog holds subscription commands that did not fit in ctrl.
	// Poller-owned.
	ctrlBacklog []Command

	log zerolog.Logger
}

func newPeer(sock *Socket, conn net.Conn, endpoint string, dir peerDirection, config SocketConfig, logger zerolog.Logger) *peer {
	p := &peer{
		sock:      sock,
		endpoint:  endpoint,
		direction: dir,
		conn:      conn,
		reader:    bufio.NewReaderSize(conn, ioBufferSize),
		inbox:     make(chan inbound, config.RecvHWM),
		outbox:    make(chan Message, config.SendHWM),
		ctrl:      make(chan Command, ctrlQueueLength),
		drainCh:   make(chan struct{}),
		closed:    make(chan struct{}),
		log: logger.With().
			Str("endpoint", endpoint).
			Stringer("direction", dir).
			Logger(),
	}
	p.setState(peerAdded)
	return p
}

func (p *peer) setState(s peerState) {
	p.state.Store(int32(s))
}

func (p *peer) getState() peerState {
	return peerState(p.state.Load())
}

// HandleReadable implements Handler
func (p *peer) HandleReadable() {
	p.sock.onReadable(p)
}

// HandleWritable implements Handler
func (p *peer) HandleWritable() {
	if len(p.ctrlBacklog) > 0 {
		p.sock.flushControl(p)
	}
	p.sock.retryPending()
}

// close releases the stream. It is idempotent and safe from any goroutine.
func (p *peer) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		if p.reg != nil {
			p.reg.Cancel()
		}
		if err := p.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			p.log.Debug().Err(err).Msg("close connection")
		}
	})
}

// drain flushes queued output, then half-closes the stream. linger bounds the
// whole drain; a negative linger closes immediately.
func (p *peer) drain(linger time.Duration) {
	p.setState(peerDraining)
	if linger < 0 {
		p.close()
		return
	}
	p.drainOnce.Do(func() {
		close(p.drainCh)
	})
	time.AfterFunc(linger, p.close)
}

// tryCommand queues a control command without blocking
func (p *peer) tryCommand(cmd Command) bool {
	select {
	case p.ctrl <- cmd:
		return true
	default:
		return false
	}
}

// readPump decodes the stream into the inbox until the connection fails
func (p *peer) readPump(s *Socket) {
	defer s.wg.Done()

	dec := NewDecoder(s.config.MaxFrameSize)
	buf := make([]byte, ioBufferSize)
	for {
		n, err := p.reader.Read(buf)
		if n > 0 {
			p.lastRecv.Store(s.clock.Now().UnixNano())
			dec.Feed(buf[:n])
			for {
				msg, cmd, derr := dec.Next()
				if errors.Is(derr, ErrIncomplete) {
					break
				}
				if derr != nil {
					s.peerFailed(p, derr)
					return
				}
				select {
				case p.inbox <- inbound{msg: msg, cmd: cmd}:
				case <-p.closed:
					return
				}
				p.reg.Ready(Readable)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.peerEOF(p)
				return
			}
			s.peerFailed(p, err)
			return
		}
	}
}

// writePump encodes queued commands and messages onto the stream. Commands
// take priority over messages. Output is flushed whenever both queues empty.
func (p *peer) writePump(s *Socket) {
	defer s.wg.Done()

	w := bufio.NewWriterSize(p.conn, ioBufferSize)
	var buf []byte
	var err error

	for {
		select {
		case cmd := <-p.ctrl:
			buf, err = AppendCommand(buf[:0], cmd)
			p.reg.Ready(Writable)
		default:
			select {
			case cmd := <-p.ctrl:
				buf, err = AppendCommand(buf[:0], cmd)
				p.reg.Ready(Writable)
			case msg := <-p.outbox:
				buf, err = AppendMessage(buf[:0], msg)
				p.reg.Ready(Writable)
			case <-p.drainCh:
				p.finishDrain(w)
				return
			case <-p.closed:
				return
			}
		}
		if err == nil {
			_, err = w.Write(buf)
		}
		if err == nil && len(p.ctrl) == 0 && len(p.outbox) == 0 {
			err = w.Flush()
		}
		if err != nil {
			s.peerFailed(p, err)
			return
		}
	}
}

// finishDrain writes whatever is still queued, flushes and half-closes. The
// remote end sees EOF, closes its side, and the read pump then closes ours.
func (p *peer) finishDrain(w *bufio.Writer) {
	var buf []byte
	for {
		var err error
		select {
		case cmd := <-p.ctrl:
			buf, err = AppendCommand(buf[:0], cmd)
		case msg := <-p.outbox:
			buf, err = AppendMessage(buf[:0], msg)
		default:
			if err := w.Flush(); err != nil {
				p.close()
				return
			}
			if hc, ok := p.conn.(interface{ CloseWrite() error }); ok {
				if err := hc.CloseWrite(); err == nil {
					return
				}
			}
			p.close()
			return
		}
		if err == nil {
			_, err = w.Write(buf)
		}
		if err != nil {
			p.close()
			return
		}
	}
}

// prefixSet is a set of subscription prefixes
type prefixSet map[string]struct{}

func (ps prefixSet) add(prefix []byte) bool {
	key := string(prefix)
	if _, ok := ps[key]; ok {
		return false
	}
	ps[key] = struct{}{}
	return true
}

func (ps prefixSet) remove(prefix []byte) bool {
	key := string(prefix)
	if _, ok := ps[key]; !ok {
		return false
	}
	delete(ps, key)
	return true
}

// matches reports whether some prefix in the set starts data. An empty set
// matches nothing; the empty prefix matches everything.
func (ps prefixSet) matches(data []byte) bool {
	for prefix := range ps {
		if len(prefix) <= len(data) && string(data[:len(prefix)]) == prefix {
			return true
		}
	}
	return false
}
