// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package coordinator

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/kasagilabs/kasagiengine/setup/config"
)

// redisCoordinator implements Coordinator on a Sentinel-discovered Redis
// master. Reconnection and master failover are handled by go-redis; a
// pattern subscription survives reconnects because the client replays
// PSUBSCRIBE on the new connection.
type redisCoordinator struct {
	client *redis.Client
}

// NewRedis connects to the master named in the config via Sentinel and
// verifies the connection with a ping.
func NewRedis(ctx context.Context, cfg *config.Coordinator) (Coordinator, error) {
	client := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:       cfg.MasterName,
		SentinelAddrs:    cfg.SentinelAddrs,
		Password:         cfg.Password,
		SentinelPassword: cfg.Password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() // nolint: errcheck
		return nil, fmt.Errorf("ping master %q via sentinels %v: %w", cfg.MasterName, cfg.SentinelAddrs, err)
	}
	log.WithFields(log.Fields{
		"master_name": cfg.MasterName,
		"sentinels":   cfg.SentinelAddrs,
	}).Info("Connected to coordinator")
	return &redisCoordinator{client: client}, nil
}

func (r *redisCoordinator) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

func (r *redisCoordinator) SubscribePattern(ctx context.Context, pattern string) (Subscription, error) {
	pubsub := r.client.PSubscribe(ctx, pattern)
	// Force the subscription onto the wire before we report success.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close() // nolint: errcheck
		return nil, fmt.Errorf("psubscribe %q: %w", pattern, err)
	}
	sub := &redisSubscription{
		pubsub: pubsub,
		ch:     make(chan Message),
	}
	go sub.pump()
	return sub, nil
}

func (r *redisCoordinator) HashSet(ctx context.Context, key string, fields map[string]string) error {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	return r.client.HSet(ctx, key, values).Err()
}

func (r *redisCoordinator) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *redisCoordinator) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisCoordinator) Close() error {
	return r.client.Close()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan Message
}

func (s *redisSubscription) pump() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		s.ch <- Message{Channel: msg.Channel, Payload: msg.Payload}
	}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}
