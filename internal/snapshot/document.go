// Package snapshot serializes the world's durable state and runs the periodic
// snapshot loop.
//
// The document holds every user record, the ban set and the room counters.
// Decoding is lenient: older snapshots stored a bare user array, used "ips"
// for addresses and "bannedIPs" for the ban set; those shapes still restore.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// CurrentVersion is written into every new document.
const CurrentVersion = 2

// Document is the persisted shape.
type Document struct {
	Version  int                         `json:"version"`
	TakenAt  time.Time                   `json:"taken_at"`
	Users    []UserRecord                `json:"users"`
	Bans     []string                    `json:"bans"`
	Counters map[string]map[string]int64 `json:"counters"`
}

// UserRecord is the persisted subset of presence.User.
type UserRecord struct {
	ID               string          `json:"id"`
	PrivateID        string          `json:"private_id"`
	Name             string          `json:"name"`
	CharacterID      string          `json:"character_id"`
	AreaID           string          `json:"area_id"`
	RoomID           string          `json:"room_id"`
	Position         world.Point     `json:"position"`
	Direction        world.Direction `json:"direction"`
	Addresses        []string        `json:"addresses"`
	BlockedAddresses []string        `json:"blocked_addresses"`
	LastMessage      string          `json:"last_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// legacyUser accepts the field names of older snapshots alongside the current ones.
type legacyUser struct {
	UserRecord
	IP         string   `json:"ip"`
	IPs        []string `json:"ips"`
	BlockedIPs []string `json:"blockedIPs"`
	X          *int     `json:"x"`
	Y          *int     `json:"y"`
	LegacyArea string   `json:"areaId"`
	LegacyRoom string   `json:"roomId"`
}

func (l legacyUser) record() UserRecord {
	r := l.UserRecord
	if len(r.Addresses) == 0 {
		r.Addresses = l.IPs
		if len(r.Addresses) == 0 && l.IP != "" {
			r.Addresses = []string{l.IP}
		}
	}
	if len(r.BlockedAddresses) == 0 {
		r.BlockedAddresses = l.BlockedIPs
	}
	if l.X != nil && l.Y != nil {
		r.Position = world.Point{X: *l.X, Y: *l.Y}
	}
	if r.AreaID == "" {
		r.AreaID = l.LegacyArea
	}
	if r.RoomID == "" {
		r.RoomID = l.LegacyRoom
	}
	return r
}

type wireDocument struct {
	Version   int                        `json:"version"`
	TakenAt   time.Time                  `json:"taken_at"`
	Users     []legacyUser               `json:"users"`
	Bans      []string                   `json:"bans"`
	BannedIPs []string                   `json:"bannedIPs"`
	Counters  map[string]json.RawMessage `json:"counters"`
}

// Encode serializes doc.
func Encode(doc *Document) ([]byte, error) {
	return json.Marshal(doc)
}

// Decode parses any supported snapshot shape.
func Decode(data []byte) (*Document, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &Document{}, nil
	}
	if data[0] == '[' {
		var users []legacyUser
		if err := json.Unmarshal(data, &users); err != nil {
			return nil, fmt.Errorf("decode legacy user list: %w", err)
		}
		return &Document{Users: records(users)}, nil
	}

	var w wireDocument
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	doc := &Document{
		Version: w.Version,
		TakenAt: w.TakenAt,
		Users:   records(w.Users),
		Bans:    append(w.Bans, w.BannedIPs...),
	}
	counters, err := decodeCounters(w.Counters)
	if err != nil {
		return nil, err
	}
	doc.Counters = counters
	return doc, nil
}

func records(users []legacyUser) []UserRecord {
	out := make([]UserRecord, 0, len(users))
	for _, u := range users {
		if r := u.record(); r.ID != "" {
			out = append(out, r)
		}
	}
	return out
}

// decodeCounters accepts area -> room -> n, and the older area -> n form
// where n belonged to the area's default room; those land under "".
func decodeCounters(raw map[string]json.RawMessage) (map[string]map[string]int64, error) {
	out := make(map[string]map[string]int64, len(raw))
	for area, msg := range raw {
		var byRoom map[string]int64
		if err := json.Unmarshal(msg, &byRoom); err == nil {
			out[area] = byRoom
			continue
		}
		var n int64
		if err := json.Unmarshal(msg, &n); err != nil {
			return nil, fmt.Errorf("decode counters for %s: %w", area, err)
		}
		out[area] = map[string]int64{"": n}
	}
	return out, nil
}

// FromUsers converts presence records for storage.
func FromUsers(users []*presence.User) []UserRecord {
	out := make([]UserRecord, 0, len(users))
	for _, u := range users {
		out = append(out, UserRecord{
			ID:               u.ID,
			PrivateID:        u.PrivateID,
			Name:             u.Name,
			CharacterID:      u.CharacterID,
			AreaID:           u.AreaID,
			RoomID:           u.RoomID,
			Position:         u.Position,
			Direction:        u.Direction,
			Addresses:        u.Addresses,
			BlockedAddresses: u.BlockedAddresses,
			LastMessage:      u.LastMessage,
			CreatedAt:        u.CreatedAt,
		})
	}
	return out
}

// ToUsers converts stored records back to presence records. Records whose
// room no longer exists are moved to the catalog's default room at its spawn.
func ToUsers(records []UserRecord, catalog *world.Catalog) []*presence.User {
	out := make([]*presence.User, 0, len(records))
	for _, r := range records {
		u := &presence.User{
			ID:               r.ID,
			PrivateID:        r.PrivateID,
			Name:             r.Name,
			CharacterID:      r.CharacterID,
			AreaID:           r.AreaID,
			RoomID:           r.RoomID,
			Position:         r.Position,
			Direction:        r.Direction,
			Addresses:        r.Addresses,
			BlockedAddresses: r.BlockedAddresses,
			LastMessage:      r.LastMessage,
			CreatedAt:        r.CreatedAt,
		}
		if !u.Direction.Valid() {
			u.Direction = world.Down
		}
		if catalog != nil {
			if !catalog.HasArea(u.AreaID) && len(catalog.Areas) > 0 {
				u.AreaID = catalog.Areas[0].ID
			}
			room, ok := catalog.Room(u.RoomID)
			if !ok {
				room, _ = catalog.Room(catalog.DefaultRoom)
				u.RoomID = room.ID
				u.Position, u.Direction = room.SpawnPoint()
			}
		}
		out = append(out, u)
	}
	return out
}
