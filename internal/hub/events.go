package hub

import (
	"github.com/squawkbus/squawkbus/internal/authz"
	"github.com/squawkbus/squawkbus/internal/protocol"
)

// Event is the closed set of inputs to the hub. Interactors and the signal
// handler produce them; only the hub loop consumes them.
type Event interface {
	isEvent()
}

// Connect registers a freshly authenticated client. The hub takes ownership
// of Outbox: it alone sends to it and closes it when the client disconnects.
type Connect struct {
	ID     string
	Host   string
	User   string
	Outbox chan protocol.Message
}

// Inbound carries one decoded message from a connected client.
type Inbound struct {
	ID      string
	Message protocol.Message
}

// Disconnect reports that a client's connection has ended. Interactors send
// it exactly once per connection.
type Disconnect struct {
	ID string
}

// Reset swaps in a freshly loaded authorization policy.
type Reset struct {
	Policy *authz.Policy
}

func (Connect) isEvent()    {}
func (Inbound) isEvent()    {}
func (Disconnect) isEvent() {}
func (Reset) isEvent()      {}
