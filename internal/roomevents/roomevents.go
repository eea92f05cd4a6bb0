// Package roomevents delivers replacement descriptors for dynamic rooms.
//
// A source yields whole new world.Room values; the sink swaps them in. Nothing
// here mutates a descriptor that is already live.
package roomevents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iccanobif/gikopoi2-sub001/internal/world"
)

// Sink applies a rebuilt room.
type Sink interface {
	RebuildRoom(ctx context.Context, room *world.Room) error
}

// Source feeds rebuilt rooms to a sink until ctx ends.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// Decode parses a JSON room descriptor and checks it.
func Decode(data []byte) (*world.Room, error) {
	var room world.Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("decode room: %w", err)
	}
	if err := room.Validate(); err != nil {
		return nil, err
	}
	return room.Prepare(), nil
}

func apply(ctx context.Context, sink Sink, room *world.Room, log *zerolog.Logger) error {
	if err := sink.RebuildRoom(ctx, room); err != nil {
		log.Warn().Err(err).Str("room", room.ID).Msg("room rebuild rejected")
		return err
	}
	log.Info().Str("room", room.ID).Str("variant", room.Variant).Msg("room rebuild applied")
	return nil
}
