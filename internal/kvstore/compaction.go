// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package kvstore

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxbowsec/cti-updater/internal/logging"
)

// CompactionLoop periodically runs Compact on a KVStore. It exposes the
// Start(ctx)/Stop()/IsRunning() shape the supervisor's compaction
// service wrapper expects, mirroring the interruptible-sleep pattern
// used by internal/scheduler.
type CompactionLoop struct {
	store    *KVStore
	interval time.Duration

	mu      sync.Mutex
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewCompactionLoop builds a loop that compacts store every interval.
func NewCompactionLoop(store *KVStore, interval time.Duration) *CompactionLoop {
	return &CompactionLoop{store: store, interval: interval}
}

// Start launches the background compaction goroutine. Calling Start
// while already running is a no-op.
func (c *CompactionLoop) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running.Load() {
		return nil
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running.Store(true)
	go c.loop(c.stopCh, c.doneCh)
	return nil
}

func (c *CompactionLoop) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	timer := time.NewTimer(c.interval)
	defer timer.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-timer.C:
			select {
			case <-stopCh:
				return
			default:
			}
			if err := c.store.Compact(); err != nil {
				logging.Error().Err(err).Msg("kvstore: background compaction failed")
			}
			timer.Reset(c.interval)
		}
	}
}

// Stop halts the loop, blocking until it has exited. Idempotent.
func (c *CompactionLoop) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running.Load() {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.running.Store(false)
}

// IsRunning reports whether the loop is currently active.
func (c *CompactionLoop) IsRunning() bool {
	return c.running.Load()
}
