// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

// Package sync consumes remote deltas from the coordinator's pattern
// channel and routes them to the owning room.
package sync

import (
	"context"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"

	"github.com/kasagilabs/kasagiengine/internal/coordinator"
	"github.com/kasagilabs/kasagiengine/internal/delta"
	"github.com/kasagilabs/kasagiengine/internal/room"
	"github.com/kasagilabs/kasagiengine/setup/config"
	"github.com/kasagilabs/kasagiengine/setup/process"
)

// DeltaConsumer subscribes once to the room delta pattern and applies
// every other instance's deltas to the local registry. Rooms with no
// local sessions are hydrated too, so a later join observes warm state.
type DeltaConsumer struct {
	ctx         context.Context
	coordinator coordinator.Coordinator
	registry    *room.Registry
	instanceID  string
	process     *process.ProcessContext
	sub         coordinator.Subscription
}

// NewDeltaConsumer creates a new DeltaConsumer. Call Start to begin
// consuming from the coordinator.
func NewDeltaConsumer(
	process *process.ProcessContext,
	cfg *config.Kasagi,
	c coordinator.Coordinator,
	registry *room.Registry,
) *DeltaConsumer {
	return &DeltaConsumer{
		ctx:         process.Context(),
		coordinator: c,
		registry:    registry,
		instanceID:  cfg.Global.InstanceID,
		process:     process,
	}
}

// Start subscribes to the pattern channel and begins consuming.
func (s *DeltaConsumer) Start() error {
	sub, err := s.coordinator.SubscribePattern(s.ctx, coordinator.RoomChannelPattern)
	if err != nil {
		return err
	}
	s.sub = sub
	s.process.ComponentStarted()
	go s.run(sub)
	log.WithField("pattern", coordinator.RoomChannelPattern).Info("Remote delta consumer started")
	return nil
}

// Stop closes the subscription, which ends the consume loop.
func (s *DeltaConsumer) Stop() {
	if s.sub != nil {
		s.sub.Close() // nolint: errcheck
	}
}

func (s *DeltaConsumer) run(sub coordinator.Subscription) {
	defer s.process.ComponentFinished()
	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				log.Info("Remote delta consumer stopped")
				return
			}
			s.onMessage(msg)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *DeltaConsumer) onMessage(msg coordinator.Message) {
	channelRoomID, ok := coordinator.ParseRoomChannel(msg.Channel)
	if !ok {
		log.WithField("channel", msg.Channel).Debug("Ignoring message on unrecognised channel")
		return
	}

	fd, err := delta.DecodeFromTransport(msg.Payload)
	if err != nil {
		// A malformed payload is dropped; the room heals from the next
		// snapshot load on join.
		log.WithError(err).WithField("channel", msg.Channel).Error("Failed to decode remote delta")
		sentry.CaptureException(err)
		return
	}

	// Early own-echo filter to skip the room lookup; the acceptance
	// predicate inside the room remains the correctness guarantee.
	if fd.InstanceID == s.instanceID {
		return
	}

	if fd.RoomID != channelRoomID {
		log.WithFields(log.Fields{
			"channel_room_id": channelRoomID,
			"payload_room_id": fd.RoomID,
		}).Warn("Dropping remote delta with mismatched room ID")
		return
	}

	r := s.registry.GetOrCreate(s.ctx, fd.RoomID)
	if r.ApplyRemoteDelta(s.ctx, fd) {
		log.WithFields(log.Fields{
			"room_id":  fd.RoomID,
			"seq":      fd.Seq,
			"tick":     fd.Tick,
			"instance": fd.InstanceID,
		}).Debug("Applied remote delta")
	}
}
