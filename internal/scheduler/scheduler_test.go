// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package scheduler_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oxbowsec/cti-updater/internal/scheduler"
)

func TestRunsImmediatelyOnStart(t *testing.T) {
	var calls int32
	s := scheduler.New("t", time.Hour, func() { atomic.AddInt32(&calls, 1) })
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRunsRepeatedlyOnInterval(t *testing.T) {
	var calls int32
	s := scheduler.New("t", 20*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	s := scheduler.New("t", time.Hour, func() {})
	s.Start()
	s.Stop()
	require.NotPanics(t, func() { s.Stop() })
	require.False(t, s.Running())
}

func TestNoOverlappingRuns(t *testing.T) {
	var running int32
	var overlapped int32
	s := scheduler.New("t", 5*time.Millisecond, func() {
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			atomic.StoreInt32(&overlapped, 1)
			return
		}
		time.Sleep(15 * time.Millisecond)
		atomic.StoreInt32(&running, 0)
	})
	s.Start()
	time.Sleep(200 * time.Millisecond)
	s.Stop()

	require.EqualValues(t, 0, atomic.LoadInt32(&overlapped))
}

func TestStopWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := scheduler.New("t", time.Hour, func() {
		close(started)
		<-release
	})
	s.Start()
	<-started

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned before the in-flight run completed")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after the run completed")
	}
}
