// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package services

import (
	"context"
	"fmt"
)

// CompactionRunner interface matches internal/kvstore.CompactionLoop's
// lifecycle, avoiding a direct dependency so this file works with
// mocks in isolation.
//
// Satisfied by *kvstore.CompactionLoop.
type CompactionRunner interface {
	Start(ctx context.Context) error
	Stop()
	IsRunning() bool
}

// CompactionService wraps a KVStore's background compaction loop as a
// supervised service in the storage layer.
//
// It adapts the Start/Stop lifecycle pattern to suture's Serve pattern:
//  1. Calls Start(ctx) to begin the compaction loop
//  2. Waits for context cancellation
//  3. Calls Stop() for graceful shutdown
//
// Example usage:
//
//	loop := kvstore.NewCompactionLoop(store, time.Hour)
//	svc := services.NewCompactionService(loop)
//	tree.AddStorageService(svc)
type CompactionService struct {
	loop CompactionRunner
	name string
}

// NewCompactionService creates a new compaction service wrapper.
func NewCompactionService(loop CompactionRunner) *CompactionService {
	return &CompactionService{loop: loop, name: "kvstore-compaction"}
}

// Serve implements suture.Service.
func (s *CompactionService) Serve(ctx context.Context) error {
	if err := s.loop.Start(ctx); err != nil {
		return fmt.Errorf("compaction loop start failed: %w", err)
	}

	<-ctx.Done()

	s.loop.Stop()

	return ctx.Err()
}

// String implements fmt.Stringer for logging.
func (s *CompactionService) String() string {
	return s.name
}
