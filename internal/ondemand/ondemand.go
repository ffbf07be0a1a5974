// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package ondemand exposes a process-global, namespaced endpoint
// registry: a topicName -> Handler mapping guarded by a mutex, with a
// chi-routed HTTP surface (spec §4.H). Actions register into the shared
// registry rather than owning their own copy of it, matching the
// "singleton-ish" design note of spec §9.
package ondemand

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/oxbowsec/cti-updater/internal/logging"
	"github.com/oxbowsec/cti-updater/internal/updatectx"
)

// ErrTopicRegistered is returned by Register when topicName is already
// bound to a handler (spec §7 StateConflict, §8 item 4).
var ErrTopicRegistered = errors.New("ondemand: topic already registered")

// Handler runs one on-demand update for a topic. offset is used only for
// updatectx.OffsetUpdate runs; errors are the caller's responsibility to
// swallow per spec §4.F/§7 — Registry itself does not swallow them, it
// merely dispatches.
type Handler func(ctx context.Context, offset uint64, updateType updatectx.UpdateType) error

// Registry is the process-wide topicName -> Handler map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry constructs an empty Registry. A process normally owns
// exactly one, shared by every Action.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds handler to topicName. Returns ErrTopicRegistered if the
// topic is already bound.
func (r *Registry) Register(topicName string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[topicName]; exists {
		return ErrTopicRegistered
	}
	r.handlers[topicName] = handler
	return nil
}

// Unregister removes topicName. A no-op if it was never registered.
func (r *Registry) Unregister(topicName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, topicName)
}

// Lookup returns the handler bound to topicName, if any.
func (r *Registry) Lookup(topicName string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topicName]
	return h, ok
}

// Router builds an http.Handler exposing every registered topic under
// POST /ondemand/{topic}. Errors from the handler are logged, never
// written to the response body beyond a generic 500 — the on-demand
// contract swallows run-level errors (spec §7); this only reports
// dispatch failures (unknown topic).
func (r *Registry) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Post("/ondemand/{topic}", func(w http.ResponseWriter, req *http.Request) {
		topic := chi.URLParam(req, "topic")
		handler, ok := r.Lookup(topic)
		if !ok {
			http.Error(w, "unknown topic", http.StatusNotFound)
			return
		}

		offset := parseOffsetQuery(req)
		updateType := parseUpdateTypeQuery(req)

		// The run's real outcome is counted once, in orchestrator.run()
		// via metrics.OnDemandRuns, which sees success/error correctly.
		// Action.handleOnDemand always swallows the run's error and
		// returns nil, so this layer never observes the true outcome;
		// counting again here would double-count every call and always
		// mislabel it "ok".
		if err := handler(req.Context(), offset, updateType); err != nil {
			logging.Ctx(req.Context()).Error().Err(err).Str("topic", topic).Msg("ondemand: run failed")
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	return mux
}

func parseOffsetQuery(req *http.Request) uint64 {
	q := req.URL.Query().Get("offset")
	if q == "" {
		return 0
	}
	v, err := strconv.ParseUint(q, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parseUpdateTypeQuery(req *http.Request) updatectx.UpdateType {
	switch req.URL.Query().Get("type") {
	case "CONTENT":
		return updatectx.ContentUpdate
	case "RAW":
		return updatectx.RawUpdate
	default:
		return updatectx.OffsetUpdate
	}
}
