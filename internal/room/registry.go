// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package room

import (
	"context"
	"sort"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kasagilabs/kasagiengine/internal/coordinator"
	"github.com/kasagilabs/kasagiengine/internal/delta"
)

// Registry is the process-wide table of live rooms. Creation is
// coalesced so two concurrent GetOrCreate calls for the same room yield
// exactly one Room instance.
type Registry struct {
	opts Options

	mu       sync.Mutex
	rooms    map[string]*Room
	creating singleflight.Group
}

func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:  opts,
		rooms: make(map[string]*Room),
	}
}

// GetOrCreate returns the live room, or creates it: hydrated from the
// coordinator snapshot when one exists, fresh otherwise. Load failures
// are swallowed and yield a fresh room.
func (g *Registry) GetOrCreate(ctx context.Context, roomID string) *Room {
	g.mu.Lock()
	if r, ok := g.rooms[roomID]; ok {
		g.mu.Unlock()
		return r
	}
	g.mu.Unlock()

	v, _, _ := g.creating.Do(roomID, func() (any, error) {
		// Re-check: the room may have been inserted while we waited for
		// the flight slot.
		g.mu.Lock()
		if r, ok := g.rooms[roomID]; ok {
			g.mu.Unlock()
			return r, nil
		}
		g.mu.Unlock()

		r := g.buildRoom(ctx, roomID)

		g.mu.Lock()
		g.rooms[roomID] = r
		roomsGauge.Inc()
		g.mu.Unlock()
		return r, nil
	})
	return v.(*Room)
}

// buildRoom loads the persisted snapshot and hydrates a Room from it,
// or constructs a fresh one when there is no snapshot to restore.
func (g *Registry) buildRoom(ctx context.Context, roomID string) *Room {
	fields, err := g.opts.Coordinator.HashGetAll(ctx, coordinator.RoomSnapshotKey(roomID))
	if err != nil {
		log.WithError(err).WithField("room_id", roomID).Error("Failed to load room snapshot, starting fresh")
		return New(roomID, g.opts)
	}
	if len(fields) == 0 {
		return New(roomID, g.opts)
	}

	entities, err := delta.DecodeEntities(fields["data"])
	if err != nil {
		log.WithError(err).WithField("room_id", roomID).Error("Corrupt room snapshot, starting fresh")
		return New(roomID, g.opts)
	}
	seq, _ := strconv.ParseUint(fields["seq"], 10, 64)
	tick, _ := strconv.ParseUint(fields["tick"], 10, 64)

	log.WithFields(log.Fields{
		"room_id": roomID,
		"seq":     seq,
		"tick":    tick,
	}).Info("Restored room from snapshot")
	return NewFromSnapshot(roomID, g.opts, entities, seq, tick)
}

// Get returns the live room without creating it.
func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	return r, ok
}

// Join attaches a session to the room, creating it if needed.
func (g *Registry) Join(ctx context.Context, roomID string, s Sender) *Room {
	r := g.GetOrCreate(ctx, roomID)
	r.Attach(s)
	return r
}

// Leave detaches a session. When the room's session count reaches zero
// it is destroyed after a final snapshot flush.
func (g *Registry) Leave(ctx context.Context, roomID string, s Sender) {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	g.mu.Unlock()
	if !ok {
		return
	}
	if remaining := r.Detach(s); remaining == 0 {
		g.Destroy(ctx, roomID)
	}
}

// Destroy flushes a final snapshot (best-effort) and removes the room
// from the table. A room that picked up a session since the caller's
// last look is left alone, mirroring the Draining → Active
// reactivation in Attach.
func (g *Registry) Destroy(ctx context.Context, roomID string) {
	g.mu.Lock()
	r, ok := g.rooms[roomID]
	if ok && r.SessionCount() > 0 {
		g.mu.Unlock()
		return
	}
	if ok {
		delete(g.rooms, roomID)
		roomsGauge.Dec()
	}
	g.mu.Unlock()
	if !ok {
		return
	}
	if err := r.SaveSnapshot(ctx); err != nil {
		log.WithError(err).WithField("room_id", roomID).Error("Failed to flush final snapshot on destroy")
	}
	r.markDestroyed()
	log.WithField("room_id", roomID).Info("Destroyed room")
}

// SaveAllSnapshots flushes every live room on shutdown with a bounded
// parallel fan-out. Individual failures are tolerated.
func (g *Registry) SaveAllSnapshots(ctx context.Context) {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	var eg errgroup.Group
	eg.SetLimit(8)
	for _, r := range rooms {
		r := r
		eg.Go(func() error {
			if err := r.SaveSnapshot(ctx); err != nil {
				log.WithError(err).WithField("room_id", r.ID).Error("Failed to save snapshot on shutdown")
			}
			return nil
		})
	}
	eg.Wait() // nolint: errcheck
	log.WithField("rooms", len(rooms)).Info("Flushed snapshots for all live rooms")
}

// RoomStats is the per-room slice of the debug surface.
type RoomStats struct {
	RoomID   string `json:"roomId"`
	Sessions int    `json:"sessions"`
	Tick     uint64 `json:"tick"`
	Seq      uint64 `json:"seq"`
	Phase    string `json:"phase"`
}

// Stats summarises the registry for the debug surface.
type Stats struct {
	TotalRooms    int         `json:"totalRooms"`
	TotalSessions int         `json:"totalSessions"`
	Rooms         []RoomStats `json:"rooms"`
}

func (g *Registry) Stats() Stats {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()

	stats := Stats{Rooms: make([]RoomStats, 0, len(rooms))}
	for _, r := range rooms {
		state := r.StateView()
		sessions := r.SessionCount()
		stats.TotalRooms++
		stats.TotalSessions += sessions
		stats.Rooms = append(stats.Rooms, RoomStats{
			RoomID:   r.ID,
			Sessions: sessions,
			Tick:     state.Tick,
			Seq:      state.Seq,
			Phase:    r.Phase().String(),
		})
	}
	sort.Slice(stats.Rooms, func(i, j int) bool {
		return stats.Rooms[i].RoomID < stats.Rooms[j].RoomID
	})
	return stats
}
