// Package presence implements the authoritative user table: identities,
// connection binding with ghost retention, block filtering and flood control.
//
// Store is not safe for concurrent use. It is owned by the coordination hub
// goroutine; everything else reaches it through the hub.
package presence

import (
	"errors"
	"slices"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

var (
	// ErrNameTooLong is returned when a display name exceeds the configured length.
	ErrNameTooLong = errors.New("name too long")
	// ErrInvalidCharacter is returned when no character is supplied.
	ErrInvalidCharacter = errors.New("invalid character")
)

// Config tunes name validation and flood control.
type Config struct {
	MaxNameLength    int
	FloodWindow      time.Duration
	FloodMaxMessages int
	FloodHistory     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxNameLength:    20,
		FloodWindow:      5 * time.Second,
		FloodMaxMessages: 5,
		FloodHistory:     10,
	}
}

// LoginParams describes a new user.
type LoginParams struct {
	Name        string
	CharacterID string
	AreaID      string
	RoomID      string
	Position    world.Point
	Direction   world.Direction
	Address     string
	Now         time.Time
}

// Store owns every User record.
type Store struct {
	cfg       Config
	users     map[string]*User
	byPrivate map[string]*User
}

// NewStore creates an empty presence store.
func NewStore(cfg Config) *Store {
	if cfg.FloodHistory < cfg.FloodMaxMessages+1 {
		cfg.FloodHistory = cfg.FloodMaxMessages + 1
	}
	return &Store{
		cfg:       cfg,
		users:     make(map[string]*User),
		byPrivate: make(map[string]*User),
	}
}

// Login creates a new identity. The record starts as a ghost until a
// connection is bound, so an abandoned login is reaped like any disconnect.
func (s *Store) Login(p LoginParams) (*User, error) {
	name := strings.TrimSpace(p.Name)
	if s.cfg.MaxNameLength > 0 && utf8.RuneCountInString(name) > s.cfg.MaxNameLength {
		return nil, ErrNameTooLong
	}
	if strings.TrimSpace(p.CharacterID) == "" {
		return nil, ErrInvalidCharacter
	}

	u := &User{
		ID:             uuid.NewString(),
		PrivateID:      uuid.NewString(),
		Name:           name,
		CharacterID:    p.CharacterID,
		AreaID:         p.AreaID,
		RoomID:         p.RoomID,
		Position:       p.Position,
		Direction:      p.Direction,
		IsGhost:        true,
		DisconnectedAt: p.Now,
		LastActivity:   p.Now,
		CreatedAt:      p.Now,
	}
	u.addAddress(p.Address)

	s.insert(u)
	return u, nil
}

func (s *Store) insert(u *User) {
	s.users[u.ID] = u
	if u.PrivateID != "" {
		s.byPrivate[u.PrivateID] = u
	}
}

// ByID returns the user with the given public id.
func (s *Store) ByID(id string) *User {
	return s.users[id]
}

// ByPrivateID resolves a capability token to its user.
func (s *Store) ByPrivateID(token string) *User {
	if token == "" {
		return nil
	}
	return s.byPrivate[token]
}

// Bind attaches connID to u and revives it. It returns the previously bound
// connection handle, if any.
func (s *Store) Bind(u *User, connID, addr string, now time.Time) (previous string) {
	previous = u.ConnID
	u.ConnID = connID
	u.IsGhost = false
	u.IsInactive = false
	u.DisconnectedAt = time.Time{}
	u.LastActivity = now
	u.addAddress(addr)
	return previous
}

// Unbind turns u into a ghost if connID is still the bound handle. A late
// disconnect for a stale handle returns false and changes nothing.
func (s *Store) Unbind(u *User, connID string, now time.Time) bool {
	if u == nil || connID == "" || u.ConnID != connID {
		return false
	}
	u.ConnID = ""
	u.IsGhost = true
	u.DisconnectedAt = now
	return true
}

// Remove destroys the record.
func (s *Store) Remove(id string) *User {
	u, ok := s.users[id]
	if !ok {
		return nil
	}
	delete(s.users, id)
	if s.byPrivate[u.PrivateID] == u {
		delete(s.byPrivate, u.PrivateID)
	}
	return u
}

// Len returns the number of records, ghosts included.
func (s *Store) Len() int {
	return len(s.users)
}

// All returns every record ordered by creation.
func (s *Store) All() []*User {
	out := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sortUsers(out)
	return out
}

// ListActive returns non-ghost users in area, narrowed to room when room is non-empty.
func (s *Store) ListActive(area, room string) []*User {
	out := make([]*User, 0)
	for _, u := range s.users {
		if u.IsGhost {
			continue
		}
		if area != "" && u.AreaID != area {
			continue
		}
		if room != "" && u.RoomID != room {
			continue
		}
		out = append(out, u)
	}
	sortUsers(out)
	return out
}

// ListFiltered is ListActive as seen by viewer: users that viewer blocked, or
// that blocked viewer, are left out.
func (s *Store) ListFiltered(viewer *User, area, room string) []*User {
	active := s.ListActive(area, room)
	if viewer == nil {
		return active
	}
	out := active[:0]
	for _, u := range active {
		if u != viewer && Blocked(viewer, u) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Blocked reports whether either user blocked the other.
func Blocked(a, b *User) bool {
	if a == nil || b == nil || a == b {
		return false
	}
	return a.Blocks(b) || b.Blocks(a)
}

// Block makes blocker hide target by every address target is known to use.
func (s *Store) Block(blocker, target *User) {
	for _, addr := range target.Addresses {
		if !slices.Contains(blocker.BlockedAddresses, addr) {
			blocker.BlockedAddresses = append(blocker.BlockedAddresses, addr)
		}
	}
}

// AllowMessage records a message timestamp and reports whether the user is
// still under the flood threshold.
func (s *Store) AllowMessage(u *User, now time.Time) bool {
	cutoff := now.Add(-s.cfg.FloodWindow)
	recent := u.MessageTimes[:0]
	for _, ts := range u.MessageTimes {
		if ts.After(cutoff) {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	if len(recent) > s.cfg.FloodHistory {
		recent = recent[len(recent)-s.cfg.FloodHistory:]
	}
	u.MessageTimes = recent
	return s.cfg.FloodMaxMessages <= 0 || len(recent) <= s.cfg.FloodMaxMessages
}

// Restore inserts records recovered from a snapshot. Every one of them becomes
// a ghost disconnected at now, so liveness is re-established only through the
// normal reconnection path.
func (s *Store) Restore(users []*User, now time.Time) int {
	n := 0
	for _, u := range users {
		if u == nil || u.ID == "" {
			continue
		}
		if _, exists := s.users[u.ID]; exists {
			continue
		}
		r := u.clone()
		r.ConnID = ""
		r.IsGhost = true
		r.DisconnectedAt = now
		if r.LastActivity.IsZero() {
			r.LastActivity = now
		}
		s.insert(r)
		n++
	}
	return n
}

// Snapshot returns deep copies of every record.
func (s *Store) Snapshot() []*User {
	all := s.All()
	out := make([]*User, len(all))
	for i, u := range all {
		out[i] = u.clone()
	}
	return out
}

func sortUsers(users []*User) {
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
}
