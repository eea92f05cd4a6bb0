package core

import (
	"context"
	"time"

	"github.com/iccanobif/gikopoi2-sub001/internal/presence"
	"github.com/iccanobif/gikopoi2-sub001/internal/rooms"
)

// SweepStats summarizes one reaper pass.
type SweepStats struct {
	Skipped     bool
	Evicted     int
	Inactivated int
	Kicked      int
}

func (h *Hub) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.ReaperInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := h.Sweep(ctx)
			if err != nil {
				return
			}
			if stats.Evicted+stats.Inactivated+stats.Kicked > 0 {
				h.log.Info().
					Int("evicted", stats.Evicted).
					Int("inactivated", stats.Inactivated).
					Int("kicked", stats.Kicked).
					Msg("reaper sweep")
			}
		}
	}
}

// Sweep evicts expired ghosts and handles inactive users. A sweep that starts
// while another is still releasing relay resources is skipped.
func (h *Hub) Sweep(ctx context.Context) (SweepStats, error) {
	if !h.reaping.CompareAndSwap(false, true) {
		return SweepStats{Skipped: true}, nil
	}
	defer h.reaping.Store(false)

	var (
		stats    SweepStats
		bindings []rooms.Binding
	)
	if err := h.Do(ctx, func() { stats, bindings = h.sweep(h.now()) }); err != nil {
		return SweepStats{}, err
	}
	rctx, cancel := context.WithTimeout(ctx, h.relayTimeout())
	defer cancel()
	h.releaseNow(rctx, bindings)
	return stats, nil
}

func (h *Hub) sweep(now time.Time) (SweepStats, []rooms.Binding) {
	var (
		stats    SweepStats
		bindings []rooms.Binding
	)
	for _, u := range h.users.All() {
		switch {
		case u.IsGhost:
			if h.cfg.GhostRetention > 0 && now.Sub(u.DisconnectedAt) >= h.cfg.GhostRetention {
				bindings = append(bindings, h.evict(u)...)
				stats.Evicted++
			}
		case u.IsInactive:
			if h.cfg.InactiveEviction > 0 && now.Sub(u.LastActivity) >= h.cfg.InactiveEviction {
				h.kick(u, "inactive")
				stats.Kicked++
			}
		case h.cfg.InactivityThreshold > 0 && now.Sub(u.LastActivity) >= h.cfg.InactivityThreshold:
			u.IsInactive = true
			h.broadcastFrom(u, &Event{Kind: EventUserInactive, UserID: u.ID}, true)
			stats.Inactivated++
		}
	}
	return stats, bindings
}

// evict removes u for good after vacating its slots and seats. The returned
// bindings still have to be released.
func (h *Hub) evict(u *presence.User) []rooms.Binding {
	var bindings []rooms.Binding
	if st := h.currentRoom(u); st != nil {
		var changed bool
		bindings, changed = h.vacateStreams(u, st)
		if changed {
			h.broadcastStreams(st)
		}
		h.leaveGames(u, st)
	}
	h.users.Remove(u.ID)
	h.log.Info().Str("user_id", u.ID).Msg("user evicted")
	return bindings
}
