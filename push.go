package zsock

// pushPattern load-balances messages round-robin over established peers,
// skipping peers at their high-water mark.
type pushPattern struct {
	s      *Socket
	cursor int
}

func (pp *pushPattern) onPeerAdded(*peer) {}

func (pp *pushPattern) onPeerRemoved(_ *peer, index int) {
	if index >= 0 && index < pp.cursor {
		pp.cursor--
	}
}

func (pp *pushPattern) onCommand(p *peer, cmd Command) {
	p.log.Debug().Stringer("command", cmd.Type).Msg("unexpected command from pull peer")
}

func (pp *pushPattern) send(req *sendRequest) sendResult {
	s := pp.s
	n := len(s.order)
	if n == 0 {
		return sendNoPeer
	}
	if pp.cursor >= n {
		pp.cursor = 0
	}
	for i := 0; i < n; i++ {
		idx := (pp.cursor + i) % n
		if s.offer(s.order[idx], req.msg) {
			pp.cursor = (idx + 1) % n
			return sendDone
		}
	}
	if s.config.HWMPolicy == HWMDrop {
		s.metrics.RecordDropped()
		return sendDone
	}
	return sendFull
}

func (pp *pushPattern) accept(Message) bool { return false }
