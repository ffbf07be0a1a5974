// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package scheduler runs a function on a fixed interval, on a single
// dedicated goroutine per Action, with an interruptible sleep and
// run-before-first-sleep semantics (spec §4.G).
package scheduler

import (
	"sync"
	"time"

	"github.com/oxbowsec/cti-updater/internal/logging"
)

// RunFunc is invoked once immediately on Start and then once per
// interval until Stop is called. It must never panic; the scheduler does
// not recover it.
type RunFunc func()

// Scheduler owns one worker goroutine that calls a RunFunc immediately,
// then again after every interval, until stopped. No two invocations of
// RunFunc overlap. Stop is idempotent and blocks until any in-flight run
// completes.
type Scheduler struct {
	interval time.Duration
	run      RunFunc
	topic    string

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Scheduler for topic that calls run every interval.
func New(topic string, interval time.Duration, run RunFunc) *Scheduler {
	return &Scheduler{topic: topic, interval: interval, run: run}
}

// Start launches the worker goroutine. Calling Start on an already
// started Scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.loop(s.stopCh, s.doneCh)
}

func (s *Scheduler) loop(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	// Run-before-first-sleep: the scheduler executes once at start,
	// before waiting out the first interval (spec §4.G, "ActionOnStartExecution").
	s.runOnce()

	timer := time.NewTimer(s.interval)
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
			s.runOnce()
			timer.Reset(s.interval)
		}
	}
}

func (s *Scheduler) runOnce() {
	logging.Debug().Str("topic", s.topic).Msg("scheduler: run starting")
	s.run()
	logging.Debug().Str("topic", s.topic).Msg("scheduler: run finished")
}

// Stop interrupts the worker's sleep, or lets an in-flight run
// complete, and waits for the worker to exit. Idempotent: a second call returns
// immediately without error.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.started = false
	s.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// Running reports whether the worker goroutine is currently active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}
