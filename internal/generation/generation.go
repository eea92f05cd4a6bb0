// Package generation provides per-resource generation counters used to discard
// stale asynchronous continuations.
//
// A long-running operation captures a Ticket when it starts. Each time the
// owning resource is superseded the counter advances (or is cancelled), and
// every Ticket taken before that point stops being Valid. Tickets also carry a
// context that is cancelled at the same moment, so in-flight I/O bound to the
// old generation can give up early.
//
// Counters are not safe for concurrent use; they are owned by the goroutine
// that owns the resource they guard.
package generation

import "context"

// Counter is a monotonically increasing generation stamp with an attached
// cancellation scope.
type Counter struct {
	value  uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// Ticket identifies one generation of a Counter.
type Ticket struct {
	Value uint64
	Ctx   context.Context

	owner *Counter
}

// Value returns the current generation.
func (c *Counter) Value() uint64 {
	return c.value
}

// Advance starts a new generation derived from parent, cancelling the previous
// one, and returns its ticket.
func (c *Counter) Advance(parent context.Context) Ticket {
	if c.cancel != nil {
		c.cancel()
	}
	if parent == nil {
		parent = context.Background()
	}
	c.value++
	c.ctx, c.cancel = context.WithCancel(parent)
	return Ticket{Value: c.value, Ctx: c.ctx, owner: c}
}

// Current returns a ticket for the current generation without advancing.
func (c *Counter) Current() Ticket {
	ctx := c.ctx
	if ctx == nil {
		ctx = cancelledContext()
	}
	return Ticket{Value: c.value, Ctx: ctx, owner: c}
}

// Cancel invalidates the current generation without advancing the stamp.
func (c *Counter) Cancel() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// Valid reports whether the ticket still belongs to the live generation.
func (t Ticket) Valid() bool {
	if t.owner == nil || t.Ctx == nil {
		return false
	}
	return t.owner.value == t.Value && t.Ctx.Err() == nil
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
