// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kasagilabs/kasagiengine/internal/coordinator"
	"github.com/kasagilabs/kasagiengine/internal/delta"
	"github.com/kasagilabs/kasagiengine/internal/room"
	"github.com/kasagilabs/kasagiengine/setup/config"
	"github.com/kasagilabs/kasagiengine/setup/process"
)

const (
	waitFor   = 2 * time.Second
	tickEvery = 10 * time.Millisecond
)

func startConsumer(t *testing.T, fake *coordinator.Fake, instanceID string) (*DeltaConsumer, *room.Registry) {
	t.Helper()
	var cfg config.Kasagi
	cfg.Defaults()
	cfg.Global.InstanceID = instanceID

	registry := room.NewRegistry(room.Options{
		InstanceID:       instanceID,
		SnapshotInterval: cfg.Sync.SnapshotInterval,
		MaxEntities:      cfg.Sync.MaxEntitiesPerRoom,
		Coordinator:      fake,
	})
	consumer := NewDeltaConsumer(process.NewProcessContext(), &cfg, fake, registry)
	require.NoError(t, consumer.Start())
	t.Cleanup(consumer.Stop)
	return consumer, registry
}

func publish(t *testing.T, fake *coordinator.Fake, channel string, fd *delta.FullDelta) {
	t.Helper()
	body, err := delta.EncodeForTransport(fd)
	require.NoError(t, err)
	require.NoError(t, fake.Publish(context.Background(), channel, body))
}

func TestConsumerAppliesRemoteDelta(t *testing.T) {
	t.Parallel()
	fake := coordinator.NewFake()
	_, registry := startConsumer(t, fake, "A")

	publish(t, fake, coordinator.RoomChannel("r1"), &delta.FullDelta{
		RoomID:     "r1",
		Delta:      delta.EntityDelta{"p2": {"x": float64(5)}},
		Seq:        1,
		Tick:       1,
		InstanceID: "B",
	})

	require.Eventually(t, func() bool {
		r, ok := registry.Get("r1")
		return ok && r.StateView().Seq == 1
	}, waitFor, tickEvery, "remote delta must hydrate and advance the room")

	r, _ := registry.Get("r1")
	assert.Equal(t, float64(5), r.StateView().Entities["p2"]["x"])
}

func TestConsumerDropsOwnEcho(t *testing.T) {
	t.Parallel()
	fake := coordinator.NewFake()
	_, registry := startConsumer(t, fake, "A")

	publish(t, fake, coordinator.RoomChannel("r1"), &delta.FullDelta{
		RoomID:     "r1",
		Delta:      delta.EntityDelta{"p1": {"x": float64(1)}},
		Seq:        1,
		Tick:       1,
		InstanceID: "A",
	})
	// A later delta from another instance proves ordering: if the echo
	// had been applied, seq would now be 2.
	publish(t, fake, coordinator.RoomChannel("r1"), &delta.FullDelta{
		RoomID:     "r1",
		Delta:      delta.EntityDelta{"p2": {"x": float64(2)}},
		Seq:        1,
		Tick:       1,
		InstanceID: "B",
	})

	require.Eventually(t, func() bool {
		r, ok := registry.Get("r1")
		return ok && r.StateView().Seq == 1
	}, waitFor, tickEvery)

	r, _ := registry.Get("r1")
	state := r.StateView()
	assert.NotContains(t, state.Entities, "p1", "own echo must never be applied")
	assert.Contains(t, state.Entities, "p2")
}

func TestConsumerDropsMalformedPayload(t *testing.T) {
	t.Parallel()
	fake := coordinator.NewFake()
	_, registry := startConsumer(t, fake, "A")

	require.NoError(t, fake.Publish(context.Background(), coordinator.RoomChannel("r1"), "!!! not a delta !!!"))

	// A well-formed delta afterwards still gets through.
	publish(t, fake, coordinator.RoomChannel("r1"), &delta.FullDelta{
		RoomID:     "r1",
		Delta:      delta.EntityDelta{"p2": {"x": float64(2)}},
		Seq:        1,
		Tick:       1,
		InstanceID: "B",
	})

	require.Eventually(t, func() bool {
		r, ok := registry.Get("r1")
		return ok && r.StateView().Seq == 1
	}, waitFor, tickEvery, "consumer must survive malformed payloads")
}

func TestConsumerDropsRoomIDMismatch(t *testing.T) {
	t.Parallel()
	fake := coordinator.NewFake()
	_, registry := startConsumer(t, fake, "A")

	// Payload claims r2 but arrives on r1's channel.
	publish(t, fake, coordinator.RoomChannel("r1"), &delta.FullDelta{
		RoomID:     "r2",
		Delta:      delta.EntityDelta{"p2": {"x": float64(2)}},
		Seq:        1,
		Tick:       1,
		InstanceID: "B",
	})
	publish(t, fake, coordinator.RoomChannel("r1"), &delta.FullDelta{
		RoomID:     "r1",
		Delta:      delta.EntityDelta{"p3": {"x": float64(3)}},
		Seq:        1,
		Tick:       1,
		InstanceID: "B",
	})

	require.Eventually(t, func() bool {
		r, ok := registry.Get("r1")
		return ok && r.StateView().Seq == 1
	}, waitFor, tickEvery)

	_, mismatchCreated := registry.Get("r2")
	assert.False(t, mismatchCreated, "a mismatched payload must not create rooms")
}

func TestCrossInstanceFanOut(t *testing.T) {
	t.Parallel()
	fake := coordinator.NewFake()
	_, registryA := startConsumer(t, fake, "A")
	_, registryB := startConsumer(t, fake, "B")

	// A client input on instance A publishes through the shared bus.
	roomA := registryA.GetOrCreate(context.Background(), "r1")
	_, err := roomA.ApplyInput(context.Background(), room.Input{
		PlayerID: "p1",
		Payload:  map[string]any{"x": float64(10), "y": float64(12)},
	})
	require.NoError(t, err)

	// B applies it; A's own subscription sees the echo and drops it.
	require.Eventually(t, func() bool {
		r, ok := registryB.Get("r1")
		return ok && r.StateView().Seq == 1
	}, waitFor, tickEvery, "instance B must converge on A's delta")

	roomB, _ := registryB.Get("r1")
	assert.Equal(t, float64(10), roomB.StateView().Entities["p1"]["x"])
	assert.Equal(t, uint64(1), roomA.StateView().Seq, "A's seq is unchanged by its own echo")
}
