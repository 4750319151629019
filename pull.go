package zsock

// pullPattern fair-queues inbound messages; the socket core does the
// round-robin, so every message is accepted.
type pullPattern struct{}

func (pullPattern) onPeerAdded(*peer) {}

func (pullPattern) onPeerRemoved(*peer, int) {}

func (pullPattern) onCommand(p *peer, cmd Command) {
	p.log.Debug().Stringer("command", cmd.Type).Msg("unexpected command from push peer")
}

func (pullPattern) send(*sendRequest) sendResult { return sendNoPeer }

func (pullPattern) accept(Message) bool { return true }
