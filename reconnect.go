package zsock

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

const backoffMultiplier = 2.0

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// backoff yields exponentially growing reconnect delays, capped at max, with
// up to 25% of each delay subtracted as jitter.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, max time.Duration) backoff {
	return backoff{initial: initial, max: max, next: initial}
}

func (b *backoff) delay() time.Duration {
	if b.next <= 0 {
		b.next = b.initial
	}
	d := b.next

	grown := float64(d) * backoffMultiplier
	if grown > float64(b.max) {
		b.next = b.max
	} else {
		b.next = time.Duration(grown)
	}

	if quarter := int64(d / 4); quarter > 0 {
		randMu.Lock()
		d -= time.Duration(randSource.Int63n(quarter))
		randMu.Unlock()
	}
	return d
}

func (b *backoff) reset() {
	b.next = b.initial
}

// dialer owns one connected endpoint and keeps a single peer alive on it.
// All fields are poller-owned.
type dialer struct {
	raw      string
	endpoint Endpoint
	backoff  backoff
	timer    *Timer
	dialing  bool
	stopped  bool
	attempts int
}

func (s *Socket) newDialer(raw string, ep Endpoint) *dialer {
	return &dialer{
		raw:      raw,
		endpoint: ep,
		backoff:  newBackoff(s.config.ReconnectInterval, s.config.ReconnectIntervalMax),
	}
}

// dial starts one connection attempt in the background. Poller goroutine only.
func (s *Socket) dial(d *dialer) {
	if s.closing || d.stopped || d.dialing {
		return
	}
	d.dialing = true
	d.attempts++

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), s.config.HandshakeTimeout)
		conn, err := d.endpoint.dial(ctx)
		cancel()

		var p *peer
		if err == nil {
			p, err = s.setupPeer(conn, d.raw, dirConnect)
		}
		if !s.poller.Post(func() { s.dialDone(d, p, err) }) && p != nil {
			p.close()
		}
	}()
}

func (s *Socket) dialDone(d *dialer, p *peer, err error) {
	d.dialing = false
	if err != nil {
		if s.closing || d.stopped {
			return
		}
		if isProtocolError(err) {
			d.stopped = true
			s.log.Error().Err(err).Str("endpoint", d.raw).Msg("handshake rejected, not reconnecting")
			return
		}
		s.log.Debug().Err(err).Str("endpoint", d.raw).Int("attempt", d.attempts).Msg("connect failed")
		s.scheduleReconnect(d)
		return
	}
	if s.closing || d.stopped {
		p.close()
		return
	}
	d.backoff.reset()
	d.attempts = 0
	p.dialer = d
	s.attach(p)
}

func (s *Socket) scheduleReconnect(d *dialer) {
	if s.closing || d.stopped || d.timer != nil {
		return
	}
	delay := d.backoff.delay()
	s.metrics.RecordReconnect()
	s.log.Debug().Str("endpoint", d.raw).Dur("delay", delay).Msg("reconnect scheduled")
	d.timer = s.poller.AfterFunc(delay, func() {
		d.timer = nil
		s.dial(d)
	})
}

func (s *Socket) stopDialer(d *dialer) {
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
