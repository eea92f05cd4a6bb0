package core

import "sync"

// Client is one live connection as seen by the core layer.
type Client struct {
	ConnID    string
	PrivateID string
	Address   string
	Commands  chan *Command
	Events    chan *Event

	// userID is set by the hub once the connection is bound.
	userID string

	once   sync.Once
	done   chan struct{}
	reason string
}

// NewClient constructs a client with initialized channels. The transport
// closes Commands when the connection ends.
func NewClient(connID, privateID, address string) *Client {
	return &Client{
		ConnID:    connID,
		PrivateID: privateID,
		Address:   address,
		Commands:  make(chan *Command, 16),
		Events:    make(chan *Event, 64),
		done:      make(chan struct{}),
	}
}

// Close asks the transport to drop the connection.
func (c *Client) Close(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Done is closed when the hub wants the connection dropped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Reason returns the argument of the first Close call. Only valid after Done.
func (c *Client) Reason() string {
	return c.reason
}

// send delivers without blocking; slow consumers lose events.
func (c *Client) send(ev *Event) bool {
	select {
	case c.Events <- ev:
		return true
	default:
		return false
	}
}
