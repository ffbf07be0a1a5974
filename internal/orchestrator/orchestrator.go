// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package orchestrator builds and runs the chain appropriate to a
// configured content kind, and enforces the error-swallowing boundary
// of spec §4.F/§7: one failed run must never propagate a fault to the
// scheduler or on-demand caller.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oxbowsec/cti-updater/internal/contentcodec"
	"github.com/oxbowsec/cti-updater/internal/decompress"
	"github.com/oxbowsec/cti-updater/internal/downloader"
	"github.com/oxbowsec/cti-updater/internal/kvstore"
	"github.com/oxbowsec/cti-updater/internal/logging"
	"github.com/oxbowsec/cti-updater/internal/metrics"
	"github.com/oxbowsec/cti-updater/internal/pipeline"
	"github.com/oxbowsec/cti-updater/internal/publish"
	"github.com/oxbowsec/cti-updater/internal/updatectx"
)

// Orchestrator builds and runs chains for one Action's BaseContext.
type Orchestrator struct {
	base         *updatectx.BaseContext
	downloader   downloader.Downloader
	decompressor decompress.Decompressor
	decoder      contentcodec.Decoder
}

// New resolves the configured decompressor/decoder for base.Config and
// returns a ready-to-use Orchestrator.
func New(base *updatectx.BaseContext, dl downloader.Downloader) (*Orchestrator, error) {
	dc, err := decompress.ForCompressionType(base.Config.CompressionType)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	decoder, err := contentcodec.ForDataFormat(base.Config.DataFormat)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: %w", err)
	}
	return &Orchestrator{base: base, downloader: dl, decompressor: dc, decoder: decoder}, nil
}

// RunScheduled performs one run for a scheduler tick: for a cti-offset
// source whose persisted offset is still zero, it first runs a full
// snapshot download (mirroring ActionOrchestrator::runFullContentDownload)
// before continuing the offset chain from that baseline, per SPEC_FULL §3.
func (o *Orchestrator) RunScheduled(ctx context.Context) {
	switch o.base.Config.ContentSource {
	case "cti-snapshot":
		o.run(ctx, updatectx.ContentUpdate, nil, "scheduled")
	case "cti-offset":
		offset := o.persistedOffset()
		if offset == 0 {
			o.run(ctx, updatectx.ContentUpdate, nil, "scheduled")
		}
		o.run(ctx, updatectx.OffsetUpdate, nil, "scheduled")
	default:
		o.run(ctx, updatectx.RawUpdate, nil, "scheduled")
	}
}

// RunOnDemand performs one on-demand run per spec §4.H, optionally
// pinning the offset (S6: an explicit offset overrides the persisted
// value for this run only).
func (o *Orchestrator) RunOnDemand(ctx context.Context, offset uint64, updateType updatectx.UpdateType) error {
	var explicit *uint64
	if offset != 0 {
		explicit = &offset
	}
	o.run(ctx, updateType, explicit, "ondemand")
	return nil
}

func (o *Orchestrator) persistedOffset() uint64 {
	if o.base.Store == nil {
		return 0
	}
	val, found, err := o.base.Store.Get([]byte(kvstore.KeyCurrentOffset), kvstore.DefaultColumn)
	if err != nil || !found || len(val) < 8 {
		return 0
	}
	return decodeOffset(val)
}

func (o *Orchestrator) run(ctx context.Context, updateType updatectx.UpdateType, explicitOffset *uint64, source string) {
	offset := o.persistedOffset()
	if explicitOffset != nil {
		offset = *explicitOffset
	}

	uc := updatectx.New(o.base, updateType, offset)
	chain := o.buildChain(updateType)

	err := chain.Run(ctx, uc)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		logging.Error().Err(err).
			Str("topic", o.base.Config.TopicName).
			Str("type", updateType.String()).
			Msg("orchestrator: run failed, not advancing offset")
	}

	switch source {
	case "scheduled":
		metrics.SchedulerRuns.WithLabelValues(o.base.Config.TopicName, outcome).Inc()
	case "ondemand":
		metrics.OnDemandRuns.WithLabelValues(o.base.Config.TopicName, outcome).Inc()
	}
	// Deliberately does not return err: the orchestrator boundary
	// swallows every run-level failure (spec §4.F, §7).
}

func (o *Orchestrator) buildChain(updateType updatectx.UpdateType) *pipeline.Chain {
	switch updateType {
	case updatectx.ContentUpdate:
		return o.contentChain()
	case updatectx.RawUpdate:
		return o.rawChain()
	default:
		return o.offsetChain()
	}
}

// offsetChain: FetchBaseParameters → Downloader(url+offset) →
// [Decompressor|RawCopy] → Decoder → RouterPublisher → OffsetPersister →
// Cleaner.
func (o *Orchestrator) offsetChain() *pipeline.Chain {
	stages := []pipeline.Stage{
		o.fetchBaseParametersStage("FetchBaseParameters"),
		o.downloadStage("Downloader", o.offsetURL),
	}
	stages = append(stages, o.decompressOrCopyStages()...)
	stages = append(stages,
		o.decodeStage("Decoder"),
		o.publishStage("RouterPublisher", "cti-offset", "update"),
		o.offsetPersisterStage("OffsetPersister"),
		o.cleanerStage("Cleaner"),
	)
	return pipeline.NewChain(stages...)
}

// contentChain: Downloader(snapshotUrl) → [Decompressor|RawCopy] →
// HashComputer → SkipIfUnchanged → RouterPublisher → HashPersister →
// Cleaner.
func (o *Orchestrator) contentChain() *pipeline.Chain {
	stages := []pipeline.Stage{
		o.downloadStage("Downloader", func(*updatectx.Context) string { return o.base.Config.URL }),
	}
	stages = append(stages, o.decompressOrCopyStages()...)
	stages = append(stages,
		o.hashComputerStage("HashComputer"),
		o.skipIfUnchangedStage("SkipIfUnchanged"),
		o.publishStage("RouterPublisher", "cti-snapshot", "create"),
		o.hashPersisterStage("HashPersister"),
		o.cleanerStage("Cleaner"),
	)
	return pipeline.NewChain(stages...)
}

// decompressOrCopyStages returns the stage(s) that move a downloaded file
// from downloads/ into contents/: a Decompressor for compressed sources,
// or a RawCopy move for raw ones. Raw sources have no decompression step,
// but the file must still land in contents/ and leave downloads/ empty
// (spec §8 S1).
func (o *Orchestrator) decompressOrCopyStages() []pipeline.Stage {
	if _, isRaw := o.decompressor.(decompress.Raw); isRaw {
		return []pipeline.Stage{o.rawCopyStage("RawCopy")}
	}
	return []pipeline.Stage{o.decompressStage("Decompressor")}
}

// rawChain delivers uncompressed content straight into contents/; no
// decompression stage runs and downloads/ stays empty (spec §4.F).
func (o *Orchestrator) rawChain() *pipeline.Chain {
	return pipeline.NewChain(
		pipeline.StageFunc{StageName: "Downloader", Fn: func(ctx context.Context, uc *updatectx.Context) error {
			path := o.contentsPath(uc, "")
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("mkdir contents: %w", err)
			}
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("create content file: %w", err)
			}
			defer f.Close()
			if err := o.downloader.Download(ctx, o.base.Config.URL, f); err != nil {
				return err
			}
			uc.AddPath(path)
			return nil
		}},
		o.publishStage("RouterPublisher", "raw", "create"),
	)
}

func (o *Orchestrator) offsetURL(uc *updatectx.Context) string {
	sep := "?"
	if strings.Contains(o.base.Config.URL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%soffset=%d", o.base.Config.URL, sep, uc.Offset)
}

func (o *Orchestrator) downloadsPath(uc *updatectx.Context) string {
	prefix := fmt.Sprintf("%d", uc.Offset)
	if uc.Type == updatectx.ContentUpdate {
		prefix = strings.TrimSuffix(downloader.SnapshotFilePrefix, "-")
	}
	name := fmt.Sprintf("%s-%s", prefix, o.base.Config.ContentFileName)
	return filepath.Join(o.base.Config.OutputFolder, "downloads", name)
}

func (o *Orchestrator) contentsPath(uc *updatectx.Context, formatSuffix string) string {
	downloads := o.downloadsPath(uc)
	rel := strings.Replace(downloads, string(filepath.Separator)+"downloads"+string(filepath.Separator),
		string(filepath.Separator)+"contents"+string(filepath.Separator), 1)
	if formatSuffix != "" {
		rel += "." + formatSuffix
	}
	return rel
}

func (o *Orchestrator) downloadStage(name string, urlFn func(*updatectx.Context) string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(ctx context.Context, uc *updatectx.Context) error {
		path := o.downloadsPath(uc)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("mkdir downloads: %w", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create download file: %w", err)
		}
		if err := o.downloader.Download(ctx, urlFn(uc), f); err != nil {
			f.Close()
			os.Remove(path)
			return err
		}
		f.Close()
		uc.AddPath(path)
		uc.PendingCleanup.Push(path)
		return nil
	}}
}

// rawCopyStage moves the last produced path (a file under downloads/)
// into contents/, since a raw-compression source has no decompression
// step to do the equivalent hand-off.
func (o *Orchestrator) rawCopyStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		src := uc.Paths[len(uc.Paths)-1]
		dst := o.contentsPath(uc, "")

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("mkdir contents: %w", err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("move downloaded file to contents: %w", err)
		}
		uc.AddPath(dst)
		return nil
	}}
}

// fetchBaseParametersStage queries the CTI base-parameters endpoint
// (mirroring CtiDownloader::getCtiBaseParameters) so a successful offset
// run can advance the persisted offset to the server's last known value,
// not just the value it started from.
func (o *Orchestrator) fetchBaseParametersStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(ctx context.Context, uc *updatectx.Context) error {
		params, err := o.downloader.BaseParameters(ctx, o.base.Config.URL)
		if err != nil {
			return fmt.Errorf("fetch base parameters: %w", err)
		}
		uc.TargetOffset = params.LastOffset
		return nil
	}}
}

func (o *Orchestrator) decompressStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		src := uc.Paths[len(uc.Paths)-1]
		dst := o.contentsPath(uc, o.base.Config.DataFormat)

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("mkdir contents: %w", err)
		}
		in, err := os.Open(src)
		if err != nil {
			return fmt.Errorf("open compressed file: %w", err)
		}
		defer in.Close()
		out, err := os.Create(dst)
		if err != nil {
			return fmt.Errorf("create decompressed file: %w", err)
		}
		defer out.Close()

		if err := o.decompressor.Decompress(out, in); err != nil {
			return err
		}
		uc.AddPath(dst)
		return nil
	}}
}

func (o *Orchestrator) decodeStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		last := uc.Paths[len(uc.Paths)-1]
		data, err := os.ReadFile(last)
		if err != nil {
			return fmt.Errorf("read content file: %w", err)
		}
		if _, err := o.decoder.Decode(data); err != nil {
			return err
		}
		return nil
	}}
}

func (o *Orchestrator) hashComputerStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		last := uc.Paths[len(uc.Paths)-1]
		data, err := os.ReadFile(last)
		if err != nil {
			return fmt.Errorf("read content file for hashing: %w", err)
		}
		sum := sha256.Sum256(data)
		uc.Hash = hex.EncodeToString(sum[:])
		return nil
	}}
}

func (o *Orchestrator) skipIfUnchangedStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		if o.base.Store == nil || uc.Hash == "" {
			return nil
		}
		last, found, err := o.base.Store.Get([]byte(kvstore.KeyLastHash), kvstore.DefaultColumn)
		if err != nil {
			return fmt.Errorf("read last hash: %w", err)
		}
		if found && string(last) == uc.Hash {
			uc.Unchanged = true
		}
		return nil
	}}
}

func (o *Orchestrator) publishStage(name, dataType, operation string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(ctx context.Context, uc *updatectx.Context) error {
		if uc.Unchanged {
			return nil
		}
		if o.base.Publisher == nil {
			return nil
		}
		env := publish.Envelope{
			AgentInfo: publish.AgentInfo{NodeName: o.base.Config.ConsumerName},
			DataType:  dataType,
			Data:      map[string]interface{}{"paths": append([]string(nil), uc.Paths...), "offset": uc.Offset},
			Operation: operation,
		}
		if err := o.base.Publisher.Publish(ctx, o.base.Config.TopicName, env); err != nil {
			metrics.PublishErrors.WithLabelValues(o.base.Config.TopicName).Inc()
			return fmt.Errorf("publish: %w", err)
		}
		return nil
	}}
}

// offsetPersisterStage persists the run's offset, advanced to
// uc.TargetOffset when the fetched base parameters report the server is
// further ahead — a successful run always progresses the bookkeeping
// (spec.md:186 "Monotone offset"), even for an explicit on-demand offset
// below the server's actual last offset (spec §8 S6: "persisted offset
// >= that offset").
func (o *Orchestrator) offsetPersisterStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		if o.base.Store == nil {
			return nil
		}
		newOffset := uc.Offset
		if uc.TargetOffset > newOffset {
			newOffset = uc.TargetOffset
		}
		if err := o.base.Store.Put([]byte(kvstore.KeyCurrentOffset), encodeOffset(newOffset), kvstore.DefaultColumn); err != nil {
			return fmt.Errorf("persist offset: %w", err)
		}
		metrics.PersistedOffset.WithLabelValues(o.base.Config.TopicName).Set(float64(newOffset))
		return nil
	}}
}

func (o *Orchestrator) hashPersisterStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		if o.base.Store == nil || uc.Hash == "" {
			return nil
		}
		if err := o.base.Store.Put([]byte(kvstore.KeyLastHash), []byte(uc.Hash), kvstore.DefaultColumn); err != nil {
			return fmt.Errorf("persist hash: %w", err)
		}
		return nil
	}}
}

// cleanerStage removes exactly the downloads/ files this run produced,
// draining uc.PendingCleanup rather than sweeping the whole downloads/
// directory — the queue is this run's own record of what it left behind,
// so a Cleaner never touches a file some other run is still working on.
// A rawCopyStage may have already moved an entry out of downloads/, so a
// missing file here is expected, not an error.
func (o *Orchestrator) cleanerStage(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		if !o.base.Config.DeleteDownloadedContent {
			return nil
		}
		n := uc.PendingCleanup.Size()
		if n == 0 {
			return nil
		}
		for _, path := range uc.PendingCleanup.PopBulk(n, 0) {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove downloaded file: %w", err)
			}
		}
		return nil
	}}
}

func encodeOffset(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeOffset(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
