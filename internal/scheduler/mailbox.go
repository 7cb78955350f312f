package scheduler

import "github.com/fleetsim/fleetsim/internal/simulation"

// Mailbox carries fleet parameters from command handling to the control
// loop. It holds at most one pending configuration: a newer Send displaces
// an unread one, so the loop only ever observes the most recent
// configuration and never replays stale ones.
type Mailbox struct {
	ch chan simulation.Parameters
}

func NewMailbox() *Mailbox {
	return &Mailbox{ch: make(chan simulation.Parameters, 1)}
}

// Send places p in the slot, draining any unread configuration first.
// Safe for concurrent senders.
func (m *Mailbox) Send(p simulation.Parameters) {
	for {
		select {
		case m.ch <- p:
			return
		default:
		}
		select {
		case <-m.ch:
		default:
		}
	}
}

// C exposes the receive side for the control loop. A receive on a closed
// mailbox reports ok == false.
func (m *Mailbox) C() <-chan simulation.Parameters {
	return m.ch
}

// Close ends command delivery; the control loop treats this as fatal.
// No Send may follow a Close.
func (m *Mailbox) Close() {
	close(m.ch)
}
