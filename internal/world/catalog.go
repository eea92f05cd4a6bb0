package world

import (
	_ "embed"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed default_rooms.yaml
var defaultCatalog []byte

// Area is a language/region partition. Every area hosts the full room set.
type Area struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
}

// Catalog is the static set of areas and rooms.
type Catalog struct {
	Areas       []Area  `yaml:"areas"`
	DefaultRoom string  `yaml:"default_room"`
	Rooms       []*Room `yaml:"rooms"`

	byID map[string]*Room
}

// Default returns the built-in catalog.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// LoadFile reads a YAML catalog from disk.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if err := c.index(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) index() error {
	if len(c.Areas) == 0 {
		return fmt.Errorf("catalog has no areas")
	}
	c.byID = make(map[string]*Room, len(c.Rooms))
	for _, r := range c.Rooms {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, dup := c.byID[r.ID]; dup {
			return fmt.Errorf("duplicate room %s", r.ID)
		}
		c.byID[r.ID] = r.Prepare()
	}
	if _, ok := c.byID[c.DefaultRoom]; !ok {
		return fmt.Errorf("default room %q: %w", c.DefaultRoom, ErrUnknownRoom)
	}
	for _, r := range c.Rooms {
		for id, d := range r.Doors {
			if d.Target == nil {
				continue
			}
			target, ok := c.byID[d.Target.RoomID]
			if !ok {
				return fmt.Errorf("room %s door %s: target %q: %w", r.ID, id, d.Target.RoomID, ErrUnknownRoom)
			}
			if _, ok := target.Doors[d.Target.DoorID]; !ok {
				return fmt.Errorf("room %s door %s: target door %q: %w", r.ID, id, d.Target.DoorID, ErrUnknownDoor)
			}
		}
	}
	return nil
}

// Room returns the descriptor for id.
func (c *Catalog) Room(id string) (*Room, bool) {
	r, ok := c.byID[id]
	return r, ok
}

// HasArea reports whether id names a configured area.
func (c *Catalog) HasArea(id string) bool {
	for _, a := range c.Areas {
		if a.ID == id {
			return true
		}
	}
	return false
}

// RoomIDs returns all room ids in stable order.
func (c *Catalog) RoomIDs() []string {
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
