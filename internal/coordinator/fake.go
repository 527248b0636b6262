// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package coordinator

import (
	"context"
	"strings"
	"sync"
)

// Fake is an in-memory Coordinator for unit tests. Publishes are
// recorded and delivered synchronously to matching pattern subscribers,
// and the hash store is a plain map. Error injection hooks let tests
// exercise the swallow-and-log failure paths.
type Fake struct {
	mu        sync.Mutex
	hashes    map[string]map[string]string
	subs      []*fakeSubscription
	published []PublishedMessage

	PublishErr error
	HashSetErr error
	HashGetErr error
}

// PublishedMessage records one Publish call for assertions.
type PublishedMessage struct {
	Channel string
	Payload string
}

func NewFake() *Fake {
	return &Fake{
		hashes: make(map[string]map[string]string),
	}
}

func (f *Fake) Publish(ctx context.Context, channel, payload string) error {
	f.mu.Lock()
	if f.PublishErr != nil {
		err := f.PublishErr
		f.mu.Unlock()
		return err
	}
	f.published = append(f.published, PublishedMessage{Channel: channel, Payload: payload})
	var targets []*fakeSubscription
	for _, sub := range f.subs {
		if !sub.closed && patternMatch(sub.pattern, channel) {
			targets = append(targets, sub)
		}
	}
	f.mu.Unlock()

	for _, sub := range targets {
		sub.ch <- Message{Channel: channel, Payload: payload}
	}
	return nil
}

func (f *Fake) SubscribePattern(ctx context.Context, pattern string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSubscription{
		fake:    f,
		pattern: pattern,
		ch:      make(chan Message, 64),
	}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *Fake) HashSet(ctx context.Context, key string, fields map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HashSetErr != nil {
		return f.HashSetErr
	}
	hash, ok := f.hashes[key]
	if !ok {
		hash = make(map[string]string)
		f.hashes[key] = hash
	}
	for k, v := range fields {
		hash[k] = v
	}
	return nil
}

func (f *Fake) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.HashGetErr != nil {
		return nil, f.HashGetErr
	}
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (f *Fake) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.hashes, key)
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.subs {
		sub.closeLocked()
	}
	return nil
}

// Published returns a copy of every message published so far.
func (f *Fake) Published() []PublishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PublishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

// Hash returns a copy of the stored hash for a key, nil if absent.
func (f *Fake) Hash(key string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.hashes[key]
	if !ok {
		return nil
	}
	out := make(map[string]string, len(hash))
	for k, v := range hash {
		out[k] = v
	}
	return out
}

type fakeSubscription struct {
	fake    *Fake
	pattern string
	ch      chan Message
	closed  bool
}

func (s *fakeSubscription) Messages() <-chan Message {
	return s.ch
}

func (s *fakeSubscription) Close() error {
	s.fake.mu.Lock()
	defer s.fake.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *fakeSubscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// patternMatch implements the single-star glob used by Redis channel
// patterns, which is all the engine ever subscribes with.
func patternMatch(pattern, channel string) bool {
	star := strings.IndexByte(pattern, '*')
	if star < 0 {
		return pattern == channel
	}
	prefix, suffix := pattern[:star], pattern[star+1:]
	return len(channel) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(channel, prefix) &&
		strings.HasSuffix(channel, suffix)
}
