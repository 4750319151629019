package zsock

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// Interest selects which readiness events a registration receives
type Interest uint32

const (
	Readable Interest = 1 << iota
	Writable
)

// Handler receives readiness callbacks on the poller goroutine
type Handler interface {
	HandleReadable()
	HandleWritable()
}

// PollerConfig holds configuration for creating a Poller
type PollerConfig struct {
	// Clock drives timers. Defaults to the wall clock.
	Clock  clock.Clock
	Logger *zerolog.Logger
}

// Poller is a single-goroutine event loop. Readiness notifications, handed-off
// tasks and timers all run on the goroutine that called Run, so state touched
// only from callbacks needs no locking.
type Poller struct {
	clock clock.Clock
	log   zerolog.Logger

	// Handoff queue: any goroutine appends, the loop drains.
	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
	started  atomic.Bool

	// Loop-owned.
	timers timerHeap
	seq    uint64
}

// NewPoller creates a Poller; call Run to start it
func NewPoller(config PollerConfig) *Poller {
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	logger := defaultLogger()
	if config.Logger != nil {
		logger = *config.Logger
	}
	return &Poller{
		clock:  config.Clock,
		log:    logger.With().Str("component", "poller").Logger(),
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Register subscribes h to the given readiness events. Event sources report
// readiness through the returned Registration from any goroutine.
func (p *Poller) Register(h Handler, interest Interest) *Registration {
	return &Registration{poller: p, handler: h, interest: interest}
}

// Post hands fn to the poller goroutine. It returns false once the poller is stopped.
func (p *Poller) Post(fn func()) bool {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return false
	}
	p.queue = append(p.queue, fn)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the poller goroutine and waits for it to finish.
// It must not be called from the poller goroutine.
func (p *Poller) Call(fn func()) error {
	ran := make(chan struct{})
	if !p.Post(func() {
		fn()
		close(ran)
	}) {
		return ErrPollerStopped
	}
	select {
	case <-ran:
		return nil
	case <-p.done:
		select {
		case <-ran:
			return nil
		default:
			return ErrPollerStopped
		}
	}
}

// Run blocks, dispatching handed-off work, readiness events and timers until
// Stop is called. A second call returns immediately.
func (p *Poller) Run() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	defer close(p.done)

	p.log.Debug().Msg("poller running")
	for {
		select {
		case <-p.stopCh:
			p.log.Debug().Msg("poller stopped")
			return
		default:
		}

		var timer *clock.Timer
		var timerC <-chan time.Time
		if len(p.timers) > 0 {
			wait := p.timers[0].deadline.Sub(p.clock.Now())
			if wait <= 0 {
				p.fireTimers()
				continue
			}
			timer = p.clock.Timer(wait)
			timerC = timer.C
		}

		select {
		case <-p.stopCh:
		case <-p.wake:
			p.runTasks()
		case <-timerC:
			p.fireTimers()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Stop makes Run return after the current pass. Queued work that has not
// started is discarded. Stop is idempotent and safe from any goroutine.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.queue = nil
		p.mu.Unlock()
		close(p.stopCh)
	})
}

// Done is closed when Run has returned
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

func (p *Poller) runTasks() {
	p.mu.Lock()
	tasks := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, fn := range tasks {
		fn()
	}
}

// Timer is a poller-owned deadline
type Timer struct {
	poller   *Poller
	deadline time.Time
	seq      uint64
	fn       func()
	index    int
	stopped  bool
}

// Stop cancels the timer and drops it from the heap. Only call it from the
// poller goroutine.
func (t *Timer) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	if t.index >= 0 {
		heap.Remove(&t.poller.timers, t.index)
	}
}

// AfterFunc schedules fn on the poller goroutine after d. Only call it from
// the poller goroutine; other goroutines wrap it in Post.
func (p *Poller) AfterFunc(d time.Duration, fn func()) *Timer {
	p.seq++
	t := &Timer{poller: p, deadline: p.clock.Now().Add(d), seq: p.seq, fn: fn}
	heap.Push(&p.timers, t)
	return t
}

func (p *Poller) fireTimers() {
	now := p.clock.Now()
	for len(p.timers) > 0 && !p.timers[0].deadline.After(now) {
		t := heap.Pop(&p.timers).(*Timer)
		if !t.stopped {
			t.fn()
		}
	}
}

// timerHeap orders timers by deadline, then by creation order
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	t.index = -1
	return t
}

// Registration links a Handler to its poller
type Registration struct {
	poller    *Poller
	handler   Handler
	interest  Interest
	pending   atomic.Uint32
	cancelled atomic.Bool
}

// Ready reports readiness from any goroutine. Repeated reports before the
// poller dispatches are coalesced into one callback per event kind.
func (r *Registration) Ready(ev Interest) {
	ev &= r.interest
	if ev == 0 || r.cancelled.Load() {
		return
	}
	for {
		old := r.pending.Load()
		if old&uint32(ev) == uint32(ev) {
			return
		}
		if r.pending.CompareAndSwap(old, old|uint32(ev)) {
			if old == 0 {
				r.poller.Post(r.dispatch)
			}
			return
		}
	}
}

// Cancel stops further callbacks, including ones already queued
func (r *Registration) Cancel() {
	r.cancelled.Store(true)
}

func (r *Registration) dispatch() {
	ev := Interest(r.pending.Swap(0))
	if r.cancelled.Load() {
		return
	}
	if ev&Readable != 0 {
		r.handler.HandleReadable()
	}
	if ev&Writable != 0 {
		r.handler.HandleWritable()
	}
}
