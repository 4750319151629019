package zsock

import (
	"bytes"
	"fmt"
)

// subPattern keeps the local subscription set, mirrors it to every
// publisher peer and filters delivery against it.
type subPattern struct {
	s    *Socket
	subs prefixSet
}

func (sp *subPattern) onPeerAdded(p *peer) {
	for prefix := range sp.subs {
		sp.s.sendCommand(p, Command{Type: CommandSubscribe, Body: []byte(prefix)})
	}
}

func (sp *subPattern) onPeerRemoved(*peer, int) {}

func (sp *subPattern) onCommand(p *peer, cmd Command) {
	p.log.Debug().Stringer("command", cmd.Type).Msg("unexpected command from publisher")
}

func (sp *subPattern) send(*sendRequest) sendResult { return sendNoPeer }

func (sp *subPattern) accept(msg Message) bool {
	return sp.subs.matches(msg.First())
}

func (sp *subPattern) subscribe(prefix []byte) {
	if !sp.subs.add(prefix) {
		return
	}
	sp.broadcast(Command{Type: CommandSubscribe, Body: prefix})
	sp.s.metrics.SetSubscriptions(len(sp.subs))
}

func (sp *subPattern) unsubscribe(prefix []byte) {
	if !sp.subs.remove(prefix) {
		return
	}
	sp.broadcast(Command{Type: CommandCancel, Body: prefix})
	sp.s.metrics.SetSubscriptions(len(sp.subs))
}

func (sp *subPattern) broadcast(cmd Command) {
	for _, p := range append([]*peer(nil), sp.s.order...) {
		sp.s.sendCommand(p, cmd)
	}
}

// Subscribe delivers messages whose first frame starts with prefix. The
// empty prefix matches every message. Subscribing twice is a no-op.
func (s *Socket) Subscribe(prefix []byte) error {
	return s.changeSubscription(prefix, true)
}

// Unsubscribe removes a prefix added by Subscribe
func (s *Socket) Unsubscribe(prefix []byte) error {
	return s.changeSubscription(prefix, false)
}

func (s *Socket) changeSubscription(prefix []byte, add bool) error {
	sp, ok := s.pattern.(*subPattern)
	if !ok {
		return ErrNotSupported
	}
	if s.isClosed() {
		return ErrClosed
	}
	prefix = bytes.Clone(prefix)
	if prefix == nil {
		prefix = []byte{}
	}
	if err := s.poller.Call(func() {
		if add {
			sp.subscribe(prefix)
		} else {
			sp.unsubscribe(prefix)
		}
	}); err != nil {
		return fmt.Errorf("change subscription: %w", ErrClosed)
	}
	return nil
}
