// Package world holds the static area and room descriptors.
//
// Descriptors are immutable once loaded. Dynamic rooms are replaced wholesale
// by a freshly built descriptor; nothing mutates a Room in place.
package world

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownRoom   = errors.New("unknown room")
	ErrUnknownDoor   = errors.New("unknown door")
	ErrOutOfBounds   = errors.New("position out of bounds")
	ErrBlocked       = errors.New("position blocked")
	ErrForbiddenMove = errors.New("movement forbidden")
)

// Point is a logical grid cell.
type Point struct {
	X int `yaml:"x" json:"x"`
	Y int `yaml:"y" json:"y"`
}

// Direction is the way a user faces.
type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

// Valid reports whether d is one of the four grid directions.
func (d Direction) Valid() bool {
	switch d {
	case Up, Down, Left, Right:
		return true
	}
	return false
}

// Step returns the neighbouring cell of p in direction d.
func (d Direction) Step(p Point) Point {
	switch d {
	case Up:
		return Point{X: p.X, Y: p.Y + 1}
	case Down:
		return Point{X: p.X, Y: p.Y - 1}
	case Left:
		return Point{X: p.X - 1, Y: p.Y}
	case Right:
		return Point{X: p.X + 1, Y: p.Y}
	}
	return p
}

// Game names a mini-game a room can host.
type Game string

const (
	GameChess  Game = "chess"
	GameJanken Game = "janken"
)

// DoorTarget points at a door in another room.
type DoorTarget struct {
	RoomID string `yaml:"room" json:"room"`
	DoorID string `yaml:"door" json:"door"`
}

// Door is a named spawn/exit cell.
type Door struct {
	X         int         `yaml:"x" json:"x"`
	Y         int         `yaml:"y" json:"y"`
	Direction Direction   `yaml:"direction" json:"direction"`
	Target    *DoorTarget `yaml:"target,omitempty" json:"target,omitempty"`
}

// Position returns the door cell.
func (d Door) Position() Point {
	return Point{X: d.X, Y: d.Y}
}

// Movement is a forbidden step between two adjacent cells.
type Movement struct {
	From Point `yaml:"from" json:"from"`
	To   Point `yaml:"to" json:"to"`
}

// Room describes geometry and rules of one room.
type Room struct {
	ID          string          `yaml:"id" json:"id"`
	Size        Point           `yaml:"size" json:"size"`
	Spawn       string          `yaml:"spawn" json:"spawn"`
	Doors       map[string]Door `yaml:"doors" json:"doors"`
	Blocked     []Point         `yaml:"blocked,omitempty" json:"blocked,omitempty"`
	Forbidden   []Movement      `yaml:"forbidden_movements,omitempty" json:"forbidden_movements,omitempty"`
	StreamSlots int             `yaml:"stream_slots" json:"stream_slots"`
	Games       []Game          `yaml:"games,omitempty" json:"games,omitempty"`
	Dynamic     bool            `yaml:"dynamic,omitempty" json:"dynamic,omitempty"`
	Variant     string          `yaml:"variant,omitempty" json:"variant,omitempty"`

	blocked   map[Point]struct{}
	forbidden map[Movement]struct{}
}

// Prepare indexes blocked cells and forbidden movements. It returns the room
// to allow chaining on freshly decoded descriptors.
func (r *Room) Prepare() *Room {
	r.blocked = make(map[Point]struct{}, len(r.Blocked))
	for _, p := range r.Blocked {
		r.blocked[p] = struct{}{}
	}
	r.forbidden = make(map[Movement]struct{}, len(r.Forbidden))
	for _, m := range r.Forbidden {
		r.forbidden[m] = struct{}{}
	}
	return r
}

// SpawnPoint returns the cell and facing of the spawn door.
func (r *Room) SpawnPoint() (Point, Direction) {
	d := r.Doors[r.Spawn]
	return d.Position(), d.Direction
}

// Validate checks internal consistency of the descriptor.
func (r *Room) Validate() error {
	if r.ID == "" {
		return errors.New("room id is required")
	}
	if r.Size.X <= 0 || r.Size.Y <= 0 {
		return fmt.Errorf("room %s: invalid size %dx%d", r.ID, r.Size.X, r.Size.Y)
	}
	if r.StreamSlots < 0 {
		return fmt.Errorf("room %s: negative stream slot count", r.ID)
	}
	if _, ok := r.Doors[r.Spawn]; !ok {
		return fmt.Errorf("room %s: spawn %q: %w", r.ID, r.Spawn, ErrUnknownDoor)
	}
	for id, d := range r.Doors {
		if !r.InBounds(d.Position()) {
			return fmt.Errorf("room %s: door %s: %w", r.ID, id, ErrOutOfBounds)
		}
		if !d.Direction.Valid() {
			return fmt.Errorf("room %s: door %s: invalid direction %q", r.ID, id, d.Direction)
		}
	}
	return nil
}

// HasGame reports whether the room hosts g.
func (r *Room) HasGame(g Game) bool {
	for _, game := range r.Games {
		if game == g {
			return true
		}
	}
	return false
}

// Door looks up a door by id.
func (r *Room) Door(id string) (Door, bool) {
	d, ok := r.Doors[id]
	return d, ok
}

// InBounds reports whether p lies inside the room grid.
func (r *Room) InBounds(p Point) bool {
	return p.X >= 0 && p.Y >= 0 && p.X < r.Size.X && p.Y < r.Size.Y
}

// CheckStep validates a one-cell movement.
func (r *Room) CheckStep(from, to Point) error {
	if !r.InBounds(to) {
		return ErrOutOfBounds
	}
	if r.blocked == nil {
		r.Prepare()
	}
	if _, ok := r.blocked[to]; ok {
		return ErrBlocked
	}
	if _, ok := r.forbidden[Movement{From: from, To: to}]; ok {
		return ErrForbiddenMove
	}
	return nil
}

// SameDoorGraph reports whether next keeps the identity and door layout of r.
func (r *Room) SameDoorGraph(next *Room) bool {
	if r.ID != next.ID || len(r.Doors) != len(next.Doors) {
		return false
	}
	for id, d := range r.Doors {
		nd, ok := next.Doors[id]
		if !ok {
			return false
		}
		if (d.Target == nil) != (nd.Target == nil) {
			return false
		}
		if d.Target != nil && *d.Target != *nd.Target {
			return false
		}
	}
	return true
}
