// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package updatectx defines the data carried through one pipeline run
// (Context) and the immutable, per-Action state it borrows (BaseContext),
// per spec §3/§4.E.
package updatectx

import (
	"github.com/oxbowsec/cti-updater/internal/kvstore"
	"github.com/oxbowsec/cti-updater/internal/publish"
	"github.com/oxbowsec/cti-updater/internal/queue"
)

// UpdateType selects which chain the orchestrator builds for a run.
type UpdateType int

const (
	// OffsetUpdate catches up from the persisted offset.
	OffsetUpdate UpdateType = iota
	// ContentUpdate performs a full snapshot download.
	ContentUpdate
	// RawUpdate delivers uncompressed content with no decompression stage.
	RawUpdate
)

func (t UpdateType) String() string {
	switch t {
	case OffsetUpdate:
		return "OFFSET"
	case ContentUpdate:
		return "CONTENT"
	case RawUpdate:
		return "RAW"
	default:
		return "UNKNOWN"
	}
}

// StageResult records the outcome of one stage's execution.
type StageResult struct {
	StageName string
	OK        bool
}

// ConfigData is the immutable configuration snapshot for one Action's
// lifetime, matching spec §3/§6 verbatim.
type ConfigData struct {
	URL                     string
	ContentSource           string // cti-offset | cti-snapshot | file | api | offline
	CompressionType         string // raw | gzip | zstd; xz has no decompressor, so orchestrator.New fails for it
	DataFormat              string // json | xml | raw
	DeleteDownloadedContent bool
	OutputFolder            string
	ContentFileName         string
	DatabasePath            string
	TopicName               string
	Interval                uint
	ConsumerName            string
}

// BaseContext is immutable, per-Action state shared by every run spawned
// for one topic: the configuration snapshot, output folder, and handles
// to the KV store and publisher. A Context holds a non-owning reference
// to it — the BaseContext outlives every run built from it, so no
// ownership cycle or reference counting is needed (spec §9).
type BaseContext struct {
	Config    ConfigData
	Store     *kvstore.KVStore // nil if databasePath was not configured
	Publisher publish.Publisher
}

// Context is the mutable, per-run carrier passed through a Chain. It is
// exclusively owned by the run that created it and discarded afterward.
type Context struct {
	Base *BaseContext

	Type   UpdateType
	Offset uint64

	// Paths is append-only within one run; stages add to it, never
	// remove from it.
	Paths []string

	// StageStatus records each stage's outcome in execution order. Its
	// length equals the number of stages executed before the first
	// failure (inclusive) or all stages on success — it is preserved on
	// error for diagnostics, never dropped (spec §4.E).
	StageStatus []StageResult

	// Hash holds the content digest computed by a HashComputer stage,
	// consulted by SkipIfUnchanged and persisted by HashPersister.
	Hash string

	// Unchanged is set by a SkipIfUnchanged stage when Hash matches the
	// previously persisted digest, signalling later stages to no-op.
	Unchanged bool

	// TargetOffset holds the server's last known offset, set by a
	// FetchBaseParameters stage. A persister stage advances the
	// persisted offset to this value when it is ahead of Offset, so a
	// successful run always progresses the bookkeeping even if the
	// download itself only fetched one batch of changes.
	TargetOffset uint64

	// PendingCleanup holds downloads/ paths produced by this run that a
	// Cleaner stage should remove when deleteDownloadedContent is set
	// (spec §1's SafeQueue "used ... for intermediate state"). A
	// per-run queue, not shared across runs: it is drained in full by
	// the same run that filled it, never left holding stale entries.
	PendingCleanup *queue.SafeQueue[string]
}

// New builds a fresh, per-run Context borrowing base.
func New(base *BaseContext, t UpdateType, offset uint64) *Context {
	return &Context{Base: base, Type: t, Offset: offset, PendingCleanup: queue.New[string]()}
}

// AddPath appends a produced filesystem path to the run's record.
func (c *Context) AddPath(path string) {
	c.Paths = append(c.Paths, path)
}

// RecordStage appends a stage outcome.
func (c *Context) RecordStage(name string, ok bool) {
	c.StageStatus = append(c.StageStatus, StageResult{StageName: name, OK: ok})
}

// Failed reports whether any recorded stage failed.
func (c *Context) Failed() bool {
	for _, s := range c.StageStatus {
		if !s.OK {
			return true
		}
	}
	return false
}
