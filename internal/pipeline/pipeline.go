// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package pipeline implements the chain-of-responsibility that processes
// one update run: a Chain is an ordered sequence of Stages, each a pure
// function of the shared run context (spec §4.C/§4.D).
package pipeline

import (
	"context"
	"fmt"

	"github.com/oxbowsec/cti-updater/internal/updatectx"
)

// Stage is one link in the processing chain. It has no mutable state of
// its own between runs — everything it needs comes from the context.
type Stage interface {
	// Name identifies the stage in stageStatus and logs.
	Name() string
	// Handle mutates uc in place, or returns an error to short-circuit
	// the chain.
	Handle(ctx context.Context, uc *updatectx.Context) error
}

// StageFunc adapts a plain function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, uc *updatectx.Context) error
}

// Name implements Stage.
func (f StageFunc) Name() string { return f.StageName }

// Handle implements Stage.
func (f StageFunc) Handle(ctx context.Context, uc *updatectx.Context) error {
	return f.Fn(ctx, uc)
}

// Chain is an immutable, ordered sequence of Stages. There is no
// backtracking: stages run in declared order and the first error stops
// the chain.
type Chain struct {
	stages []Stage
}

// NewChain builds a Chain from stages, run in the given order.
func NewChain(stages ...Stage) *Chain {
	return &Chain{stages: append([]Stage(nil), stages...)}
}

// Run executes every stage in order against uc. It stops at the first
// stage that returns an error, having already recorded that stage as
// FAIL in uc.StageStatus; every stage that ran before it is recorded OK.
// A run that completes every stage successfully returns nil.
func (c *Chain) Run(ctx context.Context, uc *updatectx.Context) error {
	for _, stage := range c.stages {
		if err := ctx.Err(); err != nil {
			uc.RecordStage(stage.Name(), false)
			return fmt.Errorf("pipeline: %s: %w", stage.Name(), err)
		}
		if err := stage.Handle(ctx, uc); err != nil {
			uc.RecordStage(stage.Name(), false)
			return fmt.Errorf("pipeline: stage %q failed: %w", stage.Name(), err)
		}
		uc.RecordStage(stage.Name(), true)
	}
	return nil
}

// Len reports the number of stages in the chain.
func (c *Chain) Len() int { return len(c.stages) }
