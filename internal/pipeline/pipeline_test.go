// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package pipeline_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxbowsec/cti-updater/internal/pipeline"
	"github.com/oxbowsec/cti-updater/internal/updatectx"
)

func stageOK(name string) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, uc *updatectx.Context) error {
		uc.AddPath(name)
		return nil
	}}
}

func stageFail(name string, err error) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: func(_ context.Context, _ *updatectx.Context) error {
		return err
	}}
}

func TestChainRunsAllStagesInOrder(t *testing.T) {
	chain := pipeline.NewChain(stageOK("a"), stageOK("b"), stageOK("c"))
	uc := updatectx.New(&updatectx.BaseContext{}, updatectx.RawUpdate, 0)

	require.NoError(t, chain.Run(context.Background(), uc))
	require.Equal(t, []string{"a", "b", "c"}, uc.Paths)
	require.Len(t, uc.StageStatus, 3)
	for _, s := range uc.StageStatus {
		require.True(t, s.OK)
	}
}

func TestChainShortCircuitsOnFirstError(t *testing.T) {
	sentinel := errors.New("boom")
	chain := pipeline.NewChain(stageOK("a"), stageFail("b", sentinel), stageOK("c"))
	uc := updatectx.New(&updatectx.BaseContext{}, updatectx.RawUpdate, 0)

	err := chain.Run(context.Background(), uc)
	require.Error(t, err)
	require.ErrorIs(t, err, sentinel)

	// Only "a" ran to completion; "c" never ran.
	require.Equal(t, []string{"a"}, uc.Paths)
	require.Len(t, uc.StageStatus, 2)
	require.Equal(t, "a", uc.StageStatus[0].StageName)
	require.True(t, uc.StageStatus[0].OK)
	require.Equal(t, "b", uc.StageStatus[1].StageName)
	require.False(t, uc.StageStatus[1].OK)
	require.True(t, uc.Failed())
}

func TestChainStopsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := pipeline.NewChain(stageOK("a"))
	uc := updatectx.New(&updatectx.BaseContext{}, updatectx.RawUpdate, 0)

	err := chain.Run(ctx, uc)
	require.Error(t, err)
	require.Empty(t, uc.Paths)
}
