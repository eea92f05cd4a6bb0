package presence

import (
	"slices"
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// User is the authoritative presence record for one person.
type User struct {
	ID          string
	PrivateID   string
	Name        string
	CharacterID string
	AreaID      string
	RoomID      string
	Position    world.Point
	Direction   world.Direction

	Addresses        []string
	BlockedAddresses []string
	MessageTimes     []time.Time
	LastMessage      string

	IsGhost        bool
	IsInactive     bool
	ConnID         string
	DisconnectedAt time.Time
	LastActivity   time.Time
	CreatedAt      time.Time
}

// Blocks reports whether u has blocked any address other is known to use.
func (u *User) Blocks(other *User) bool {
	for _, addr := range other.Addresses {
		if slices.Contains(u.BlockedAddresses, addr) {
			return true
		}
	}
	return false
}

// Connected reports whether a live connection is bound to the user.
func (u *User) Connected() bool {
	return !u.IsGhost && u.ConnID != ""
}

func (u *User) addAddress(addr string) {
	if addr == "" || slices.Contains(u.Addresses, addr) {
		return
	}
	u.Addresses = append(u.Addresses, addr)
}

func (u *User) clone() *User {
	c := *u
	c.Addresses = slices.Clone(u.Addresses)
	c.BlockedAddresses = slices.Clone(u.BlockedAddresses)
	c.MessageTimes = slices.Clone(u.MessageTimes)
	return &c
}
