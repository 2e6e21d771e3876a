package client

import "slices"

// State is the state of the client's server connection.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Pulling
	Pushing
	Idle
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Pulling:
		return "pulling"
	case Pushing:
		return "pushing"
	case Idle:
		return "idle"
	}
	return "unknown"
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// OnStateChange registers fn to observe every transition. fn runs on the
// goroutine calling Run.
func (c *Client) OnStateChange(fn func(from, to State)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) setState(to State) {
	c.stateMu.Lock()
	from := c.state
	if from == to {
		c.stateMu.Unlock()
		return
	}
	c.state = to
	listeners := slices.Clone(c.listeners)
	c.stateMu.Unlock()

	c.logger.Debug("connection state", "group", c.groupID, "client", c.clientID, "from", from.String(), "to", to.String())
	for _, fn := range listeners {
		fn(from, to)
	}
}
