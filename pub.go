package zsock

// pubPattern fans each message out to every peer whose subscriptions match
// its first frame, in ascending peer id order.
type pubPattern struct {
	s *Socket
}

func (pp *pubPattern) onPeerAdded(p *peer) {
	p.subs = make(prefixSet)
}

func (pp *pubPattern) onPeerRemoved(p *peer, _ int) {
	for _, req := range pp.s.pending {
		delete(req.remaining, p.id)
	}
	pp.updateSubscriptionCount()
}

func (pp *pubPattern) onCommand(p *peer, cmd Command) {
	switch cmd.Type {
	case CommandSubscribe:
		p.subs.add(cmd.Body)
	case CommandCancel:
		p.subs.remove(cmd.Body)
	default:
		return
	}
	p.log.Debug().
		Stringer("command", cmd.Type).
		Bytes("prefix", cmd.Body).
		Msg("subscription changed")
	pp.updateSubscriptionCount()
}

func (pp *pubPattern) updateSubscriptionCount() {
	n := 0
	for _, p := range pp.s.order {
		n += len(p.subs)
	}
	pp.s.metrics.SetSubscriptions(n)
}

// send never blocks on a full subscriber under the drop policy. Under the
// block policy the peers still owed a copy are remembered so a retry never
// duplicates delivery.
func (pp *pubPattern) send(req *sendRequest) sendResult {
	s := pp.s
	first := req.remaining == nil
	if first {
		req.remaining = make(map[uint64]struct{})
	}
	topic := req.msg.First()

	for _, p := range s.order {
		if first {
			if !p.subs.matches(topic) {
				continue
			}
		} else if _, owed := req.remaining[p.id]; !owed {
			continue
		}

		if s.offer(p, req.msg) {
			delete(req.remaining, p.id)
			continue
		}
		if s.config.HWMPolicy == HWMDrop {
			s.metrics.RecordDropped()
			p.log.Debug().Msg("subscriber at high-water mark, message dropped")
			continue
		}
		req.remaining[p.id] = struct{}{}
	}

	if len(req.remaining) > 0 {
		return sendFull
	}
	return sendDone
}

func (pp *pubPattern) accept(Message) bool { return false }
