// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package action binds a Scheduler, an on-demand registration, and an
// Orchestrator into one topic-scoped façade, per spec §4.I. It is the
// only layer that raises a user-visible construction error — every
// runtime failure past that point is logged and swallowed by the
// Orchestrator it owns.
package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oxbowsec/cti-updater/internal/downloader"
	"github.com/oxbowsec/cti-updater/internal/kvstore"
	"github.com/oxbowsec/cti-updater/internal/logging"
	"github.com/oxbowsec/cti-updater/internal/ondemand"
	"github.com/oxbowsec/cti-updater/internal/orchestrator"
	"github.com/oxbowsec/cti-updater/internal/publish"
	"github.com/oxbowsec/cti-updater/internal/scheduler"
	"github.com/oxbowsec/cti-updater/internal/updatectx"
)

// ErrMissingConfig is returned by New when configData is absent or
// missing a required field (spec §6/§7: the sole InvalidArgument case).
var ErrMissingConfig = errors.New("action: configData is required")

// ErrOnDemandRegistered mirrors ondemand.ErrTopicRegistered at the
// Action boundary (spec §6/§7 RuntimeError on duplicate topic).
var ErrOnDemandRegistered = ondemand.ErrTopicRegistered

const (
	downloadsSubdir = "downloads"
	contentsSubdir  = "contents"
)

// Config is the construction-time configuration for one Action,
// combining the router-facing fields (topicName, interval, ondemand)
// with the ConfigData block from spec §3/§6.
type Config struct {
	TopicName string
	Interval  time.Duration
	OnDemand  bool
	Data      updatectx.ConfigData
}

// State snapshots the Action's position in the state machine of
// spec §4.I: Created / Scheduled / OnDemandRegistered / Both.
type State struct {
	Scheduled          bool
	OnDemandRegistered bool
}

// Action binds one topic's Scheduler, on-demand handler, and
// Orchestrator, and enforces that the two entry points never overlap a
// chain run (spec §8 item 2).
type Action struct {
	cfg      Config
	base     *updatectx.BaseContext
	orch     *orchestrator.Orchestrator
	sched    *scheduler.Scheduler
	registry *ondemand.Registry

	running atomic.Bool

	mu                 sync.Mutex
	scheduled          bool
	ondemandRegistered bool
}

// New validates cfg, creates the output folder layout, opens the KV
// store if a databasePath is configured, and builds the Orchestrator.
// Validation failures return ErrMissingConfig; failures to create the
// output folders, open the KV store, or build the Orchestrator are
// returned wrapped. Past construction, the only errors an Action method
// returns are ErrOnDemandRegistered from RegisterOnDemand and a KV store
// close error from ClearEndpoints.
func New(cfg Config, registry *ondemand.Registry, dl downloader.Downloader, publisher publish.Publisher) (*Action, error) {
	d := cfg.Data
	if d.URL == "" || d.OutputFolder == "" || d.ContentFileName == "" || d.ConsumerName == "" || cfg.TopicName == "" {
		return nil, ErrMissingConfig
	}

	for _, sub := range []string{downloadsSubdir, contentsSubdir} {
		if err := os.MkdirAll(filepath.Join(d.OutputFolder, sub), 0o755); err != nil {
			return nil, fmt.Errorf("action: create %s: %w", sub, err)
		}
	}

	var store *kvstore.KVStore
	if d.DatabasePath != "" {
		s, err := kvstore.Open(kvstore.Options{Path: d.DatabasePath})
		if err != nil {
			return nil, fmt.Errorf("action: open kvstore: %w", err)
		}
		store = s
	}

	base := &updatectx.BaseContext{Config: d, Store: store, Publisher: publisher}
	orch, err := orchestrator.New(base, dl)
	if err != nil {
		if store != nil {
			_ = store.Close(5 * time.Second)
		}
		return nil, err
	}

	a := &Action{cfg: cfg, base: base, orch: orch, registry: registry}
	a.sched = scheduler.New(cfg.TopicName, cfg.Interval, a.runScheduled)
	return a, nil
}

// runExclusively enforces spec §8 item 2: the scheduler tick and any
// on-demand invocation share one guard, so they can never overlap. A
// call that loses the race is skipped, not queued — matching the
// Scheduler's own "no two executions overlap" contract extended across
// both entry points.
func (a *Action) runExclusively(fn func()) {
	if !a.running.CompareAndSwap(false, true) {
		logging.Debug().Str("topic", a.cfg.TopicName).Msg("action: run skipped, one already in progress")
		return
	}
	defer a.running.Store(false)
	fn()
}

func (a *Action) runScheduled() {
	a.runExclusively(func() { a.orch.RunScheduled(context.Background()) })
}

// StartScheduler begins the interval-driven run loop (spec §4.G). Idempotent.
func (a *Action) StartScheduler() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sched.Start()
	a.scheduled = true
}

// StopScheduler halts the run loop, blocking until any in-flight run
// completes (spec §4.G). Idempotent.
func (a *Action) StopScheduler() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sched.Stop()
	a.scheduled = false
}

// RegisterOnDemand binds this Action's topic into the shared registry.
func (a *Action) RegisterOnDemand() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ondemandRegistered {
		return nil
	}
	if err := a.registry.Register(a.cfg.TopicName, a.handleOnDemand); err != nil {
		return err
	}
	a.ondemandRegistered = true
	return nil
}

// UnregisterOnDemand removes this Action's topic from the shared
// registry. A no-op if it was never registered.
func (a *Action) UnregisterOnDemand() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ondemandRegistered {
		return
	}
	a.registry.Unregister(a.cfg.TopicName)
	a.ondemandRegistered = false
}

func (a *Action) handleOnDemand(ctx context.Context, offset uint64, updateType updatectx.UpdateType) error {
	a.runExclusively(func() { _ = a.orch.RunOnDemand(ctx, offset, updateType) })
	return nil
}

// RunOnDemand invokes the orchestrator once, outside the registry's
// HTTP path — used by tests and any programmatic caller. Errors from
// the run itself are swallowed per spec §4.F/§7; this always returns nil.
func (a *Action) RunOnDemand(ctx context.Context, offset uint64, updateType updatectx.UpdateType) error {
	return a.handleOnDemand(ctx, offset, updateType)
}

// ClearEndpoints releases every process-wide resource this Action
// registered beyond the scheduler and the on-demand handler: it
// unregisters from the shared registry (idempotent alongside
// UnregisterOnDemand) and closes the KV store, since clearEndpoints is
// the final step of the destruction sequence in spec §4.I and nothing
// after it is expected to touch the store again.
func (a *Action) ClearEndpoints() error {
	a.UnregisterOnDemand()
	if a.base.Store != nil {
		return a.base.Store.Close(5 * time.Second)
	}
	return nil
}

// State reports the Action's current position in the spec §4.I state machine.
func (a *Action) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{Scheduled: a.scheduled, OnDemandRegistered: a.ondemandRegistered}
}

// Topic returns the topic name this Action was constructed with.
func (a *Action) Topic() string {
	return a.cfg.TopicName
}

// Store returns this Action's KV store, or nil if databasePath was not
// configured. Used by main to attach a shared compaction loop.
func (a *Action) Store() *kvstore.KVStore {
	return a.base.Store
}
