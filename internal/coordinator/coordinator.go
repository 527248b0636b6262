// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

// Package coordinator abstracts the pub/sub and hash-store surface the
// engine needs from its Redis Sentinel cluster: cross-instance delta
// fan-out and durable room snapshots.
package coordinator

import "context"

// Message is one pub/sub delivery from a pattern subscription.
type Message struct {
	// Channel is the concrete channel the message was published to,
	// e.g. "room:r1:channel".
	Channel string
	// Payload is the message body. Delta bodies are base64-wrapped
	// binary; see internal/delta.
	Payload string
}

// Subscription is a live pattern subscription. Messages closes when the
// subscription is closed or the coordinator connection is lost for good.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Coordinator is the capability set the engine relies on. The production
// implementation wraps a Sentinel-aware Redis client; tests use Fake.
type Coordinator interface {
	Publish(ctx context.Context, channel, payload string) error
	SubscribePattern(ctx context.Context, pattern string) (Subscription, error)
	HashSet(ctx context.Context, key string, fields map[string]string) error
	HashGetAll(ctx context.Context, key string) (map[string]string, error)
	Del(ctx context.Context, key string) error
	Close() error
}
