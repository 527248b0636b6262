// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package room

import (
	log "github.com/sirupsen/logrus"
)

// Sender is the non-owning handle a room holds for each attached
// session. Session lifetime belongs to the transport layer; rooms only
// fan frames out through it.
type Sender interface {
	// SendBinary writes one binary frame. It may fail for a slow or
	// closing client; the caller treats that as a per-client problem.
	SendBinary(payload []byte) error
	// Open reports whether the underlying socket can still be written.
	Open() bool
}

// broadcast delivers an encoded payload to every open session. Per
// session failures are logged and never interrupt fan-out to the rest;
// there is no queueing or retry beyond the socket's own buffering.
func broadcast(roomID string, sessions map[Sender]struct{}, payload []byte) {
	for s := range sessions {
		if !s.Open() {
			continue
		}
		if err := s.SendBinary(payload); err != nil {
			log.WithError(err).WithField("room_id", roomID).Warn("Failed to send frame to session")
		}
	}
}
