// Copyright 2025 Kasagi Labs.
//
// SPDX-License-Identifier: AGPL-3.0-only
// Please see LICENSE files in the repository root for full details.

package process

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ProcessContext tracks the lifecycle of the long-running components of
// the engine. Each component calls ComponentStarted when it begins and
// ComponentFinished once it has torn down; shutdown waits for all of them.
type ProcessContext struct {
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	shutdown context.CancelFunc
	degraded bool
}

func NewProcessContext() *ProcessContext {
	ctx, shutdown := context.WithCancel(context.Background())
	return &ProcessContext{
		ctx:      ctx,
		shutdown: shutdown,
	}
}

// Context returns a context that is cancelled when the engine begins
// shutting down.
func (b *ProcessContext) Context() context.Context {
	return context.WithValue(b.ctx, "scope", "process") // nolint:staticcheck
}

func (b *ProcessContext) ComponentStarted() {
	b.wg.Add(1)
}

func (b *ProcessContext) ComponentFinished() {
	b.wg.Done()
}

// ShutdownEngine cancels the process context. Safe to call more than once.
func (b *ProcessContext) ShutdownEngine() {
	b.shutdown()
}

// WaitForShutdown returns a channel that closes when shutdown has begun.
func (b *ProcessContext) WaitForShutdown() <-chan struct{} {
	return b.ctx.Done()
}

// WaitForComponentsToFinish blocks until every started component has
// called ComponentFinished.
func (b *ProcessContext) WaitForComponentsToFinish() {
	b.wg.Wait()
}

// Degraded marks the process as degraded, e.g. when the coordinator is
// unreachable but the engine keeps serving local traffic.
func (b *ProcessContext) Degraded() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.degraded {
		logrus.Warn("Kasagi is running in a degraded state, behaviour may be unreliable")
		b.degraded = true
	}
}

func (b *ProcessContext) IsDegraded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.degraded
}
