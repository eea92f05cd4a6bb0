package generation

import (
	"context"
	"testing"
)

func TestAdvanceInvalidatesPreviousTicket(t *testing.T) {
	var c Counter

	first := c.Advance(context.Background())
	if !first.Valid() {
		t.Fatalf("fresh ticket should be valid")
	}

	second := c.Advance(context.Background())
	if first.Valid() {
		t.Fatalf("old ticket still valid after advance")
	}
	if first.Ctx.Err() == nil {
		t.Fatalf("old ticket context not cancelled")
	}
	if !second.Valid() || second.Value <= first.Value {
		t.Fatalf("expected strictly increasing valid ticket, got %d after %d", second.Value, first.Value)
	}
}

func TestCancelKeepsValueButInvalidates(t *testing.T) {
	var c Counter

	ticket := c.Advance(context.Background())
	c.Cancel()

	if ticket.Valid() {
		t.Fatalf("ticket valid after cancel")
	}
	if c.Value() != ticket.Value {
		t.Fatalf("cancel must not advance the stamp")
	}
	if c.Current().Valid() {
		t.Fatalf("current ticket of a cancelled counter must not be valid")
	}
}

func TestZeroTicketIsInvalid(t *testing.T) {
	var ticket Ticket
	if ticket.Valid() {
		t.Fatalf("zero ticket must be invalid")
	}

	var c Counter
	if c.Current().Valid() {
		t.Fatalf("counter that never advanced has no live generation")
	}
}
