// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package room

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/kasagilabs/kasagiengine/internal/coordinator"
	"github.com/kasagilabs/kasagiengine/internal/delta"
)

// ErrRoomFull is returned when an input would create an entity beyond
// the configured per-room bound.
var ErrRoomFull = errors.New("room is at its entity limit")

// Phase is the lifecycle state of a room.
type Phase int

const (
	PhaseFresh Phase = iota
	PhaseActive
	PhaseDraining
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseActive:
		return "active"
	case PhaseDraining:
		return "draining"
	case PhaseDestroyed:
		return "destroyed"
	}
	return "unknown"
}

// State is the authoritative per-room state triple. Seq counts every
// mutation applied to this room on any instance; Tick counts applied
// updates and may jump forward under remote delta absorption.
type State struct {
	Entities delta.Entities
	Tick     uint64
	Seq      uint64
}

// Input is one client mutation routed to a room.
type Input struct {
	PlayerID string
	Payload  map[string]any
}

// Room holds the authoritative in-memory state for one named room. All
// mutation, session attach/detach included, is serialised by the room's
// mutex so the room behaves as a single-threaded actor.
type Room struct {
	ID string

	instanceID       string
	snapshotInterval uint64
	maxEntities      int
	coordinator      coordinator.Coordinator

	mu               sync.Mutex
	state            State
	phase            Phase
	lastSnapshotTick uint64
	applyingRemote   bool
	sessions         map[Sender]struct{}
}

// Options carries the per-instance parameters shared by every room.
type Options struct {
	InstanceID       string
	SnapshotInterval uint64
	MaxEntities      int
	Coordinator      coordinator.Coordinator
}

// New constructs a fresh room with empty state.
func New(roomID string, opts Options) *Room {
	return &Room{
		ID:               roomID,
		instanceID:       opts.InstanceID,
		snapshotInterval: opts.SnapshotInterval,
		maxEntities:      opts.MaxEntities,
		coordinator:      opts.Coordinator,
		state: State{
			Entities: make(delta.Entities),
		},
		phase:    PhaseFresh,
		sessions: make(map[Sender]struct{}),
	}
}

// NewFromSnapshot constructs a room hydrated from a persisted snapshot,
// preserving seq continuity across destroy/rejoin and restarts.
func NewFromSnapshot(roomID string, opts Options, entities delta.Entities, seq, tick uint64) *Room {
	r := New(roomID, opts)
	r.state.Entities = entities
	r.state.Seq = seq
	r.state.Tick = tick
	r.lastSnapshotTick = tick
	return r
}

// ApplyInput overlays a player's payload onto their entity, bumps seq
// and tick, and fans the resulting delta out locally and over the
// coordinator. Returns the delta it emitted.
func (r *Room) ApplyInput(ctx context.Context, input Input) (delta.EntityDelta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entity, exists := r.state.Entities[input.PlayerID]
	if !exists {
		if r.maxEntities > 0 && len(r.state.Entities) >= r.maxEntities {
			return nil, ErrRoomFull
		}
		entity = make(delta.Entity)
		r.state.Entities[input.PlayerID] = entity
	}

	prev := delta.CopyEntities(r.state.Entities)
	for field, value := range input.Payload {
		// A null field is a removal on the wire; storing a present nil
		// locally would diverge from replicas that delete it.
		if value == nil {
			delete(entity, field)
			continue
		}
		entity[field] = value
	}
	entity["lastUpdate"] = time.Now().UnixMilli()

	r.state.Seq++
	r.state.Tick++

	d := delta.Compute(prev, r.state.Entities)
	if !delta.IsEmpty(d) {
		r.broadcastDeltaLocked(d)
		r.publishDeltaLocked(ctx, d)
	}
	r.maybeSnapshotLocked()
	return d, nil
}

// ApplyRemoteDelta merges a delta received from another instance.
// Returns false when the acceptance predicate rejected it, in which
// case room state is untouched.
func (r *Room) ApplyRemoteDelta(ctx context.Context, fd *delta.FullDelta) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !shouldApply(fd, r.instanceID, r.state.Seq) {
		remoteDeltasRejected.Inc()
		return false
	}

	r.applyingRemote = true
	defer func() { r.applyingRemote = false }()

	delta.Apply(r.state.Entities, fd.Delta)
	r.state.Seq = fd.Seq
	if fd.Tick > r.state.Tick {
		r.state.Tick = fd.Tick
	}
	// Local fan-out only. Publishing would echo the delta back onto the
	// bus, and snapshot cadence is driven by locally-originated ticks so
	// the fleet does not duplicate snapshot work.
	r.broadcastDeltaLocked(fd.Delta)
	remoteDeltasApplied.Inc()
	return true
}

// shouldApply is the remote acceptance predicate: drop our own echo and
// anything stale or duplicate.
func shouldApply(fd *delta.FullDelta, instanceID string, localSeq uint64) bool {
	if fd.InstanceID == instanceID {
		return false
	}
	if fd.Seq <= localSeq {
		return false
	}
	return true
}

// RemoveEntity deletes a player's entity, typically on departure, with
// the same bump/broadcast/publish mechanics as ApplyInput.
func (r *Room) RemoveEntity(ctx context.Context, playerID string) delta.EntityDelta {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.state.Entities[playerID]; !exists {
		return delta.EntityDelta{}
	}

	prev := delta.CopyEntities(r.state.Entities)
	delete(r.state.Entities, playerID)

	r.state.Seq++
	r.state.Tick++

	d := delta.Compute(prev, r.state.Entities)
	if !delta.IsEmpty(d) {
		r.broadcastDeltaLocked(d)
		r.publishDeltaLocked(ctx, d)
	}
	r.maybeSnapshotLocked()
	return d
}

// SnapshotMessage builds the authoritative initial view delivered to a
// newly joining client. The state is deep-copied so the frame cannot
// observe later mutation.
func (r *Room) SnapshotMessage() *delta.SnapshotMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &delta.SnapshotMessage{
		RoomID: r.ID,
		State: delta.RoomStateView{
			Entities: delta.CopyEntities(r.state.Entities),
			Tick:     r.state.Tick,
			Seq:      r.state.Seq,
		},
		Tick: r.state.Tick,
		Seq:  r.state.Seq,
	}
}

// StateView returns a deep copy of the current state, for tests and the
// debug surface.
func (r *Room) StateView() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return State{
		Entities: delta.CopyEntities(r.state.Entities),
		Tick:     r.state.Tick,
		Seq:      r.state.Seq,
	}
}

// SaveSnapshot persists the (entities, seq, tick) triple to the
// coordinator hash store.
func (r *Room) SaveSnapshot(ctx context.Context) error {
	r.mu.Lock()
	entities := delta.CopyEntities(r.state.Entities)
	seq, tick := r.state.Seq, r.state.Tick
	r.mu.Unlock()

	data, err := delta.EncodeEntities(entities)
	if err != nil {
		snapshotFailures.Inc()
		return err
	}
	err = r.coordinator.HashSet(ctx, coordinator.RoomSnapshotKey(r.ID), map[string]string{
		"data":       data,
		"seq":        strconv.FormatUint(seq, 10),
		"tick":       strconv.FormatUint(tick, 10),
		"timestamp":  strconv.FormatInt(time.Now().UnixMilli(), 10),
		"instanceId": r.instanceID,
	})
	if err != nil {
		snapshotFailures.Inc()
		return err
	}
	snapshotSaves.Inc()
	log.WithFields(log.Fields{
		"room_id": r.ID,
		"seq":     seq,
		"tick":    tick,
	}).Debug("Persisted room snapshot")
	return nil
}

// Attach binds a session to the room for broadcast. Returns the new
// session count.
func (r *Room) Attach(s Sender) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
	if r.phase == PhaseFresh || r.phase == PhaseDraining {
		r.phase = PhaseActive
	}
	sessionsGauge.Inc()
	return len(r.sessions)
}

// Detach removes a session. Returns the remaining session count so the
// registry can decide whether to drain the room.
func (r *Room) Detach(s Sender) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s]; ok {
		delete(r.sessions, s)
		sessionsGauge.Dec()
	}
	if len(r.sessions) == 0 && r.phase == PhaseActive {
		r.phase = PhaseDraining
	}
	return len(r.sessions)
}

// SessionCount returns the number of attached sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Phase returns the room's lifecycle phase.
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Room) markDestroyed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phase = PhaseDestroyed
}

// broadcastDeltaLocked fans an applied delta out to local sessions.
// Caller holds the room mutex.
func (r *Room) broadcastDeltaLocked(d delta.EntityDelta) {
	payload, err := delta.EncodeDeltaMessage(&delta.DeltaMessage{
		RoomID:    r.ID,
		Tick:      r.state.Tick,
		Seq:       r.state.Seq,
		Delta:     d,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		log.WithError(err).WithField("room_id", r.ID).Error("Failed to encode delta frame")
		return
	}
	broadcast(r.ID, r.sessions, payload)
}

// publishDeltaLocked pushes a locally-originated delta onto the bus.
// Suppressed while a remote delta is being applied so the merge never
// re-publishes. Publish failures are logged and swallowed: the state is
// already mutated and local fan-out has completed.
func (r *Room) publishDeltaLocked(ctx context.Context, d delta.EntityDelta) {
	if r.applyingRemote {
		return
	}
	body, err := delta.EncodeForTransport(&delta.FullDelta{
		RoomID:     r.ID,
		Delta:      d,
		Tick:       r.state.Tick,
		Seq:        r.state.Seq,
		Timestamp:  time.Now().UnixMilli(),
		InstanceID: r.instanceID,
	})
	if err != nil {
		log.WithError(err).WithField("room_id", r.ID).Error("Failed to encode delta for publish")
		return
	}
	if err := r.coordinator.Publish(ctx, coordinator.RoomChannel(r.ID), body); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"room_id": r.ID,
			"seq":     r.state.Seq,
		}).Error("Failed to publish delta to coordinator")
		return
	}
	deltasPublished.Inc()
}

// maybeSnapshotLocked kicks off an async snapshot save once enough
// locally-originated ticks have elapsed. Caller holds the room mutex.
func (r *Room) maybeSnapshotLocked() {
	if r.state.Tick-r.lastSnapshotTick < r.snapshotInterval {
		return
	}
	r.lastSnapshotTick = r.state.Tick
	go func() {
		if err := r.SaveSnapshot(context.Background()); err != nil {
			log.WithError(err).WithField("room_id", r.ID).Error("Failed to save room snapshot")
		}
	}()
}
