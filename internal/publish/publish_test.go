// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package publish_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oxbowsec/cti-updater/internal/publish"
)

func TestNoopPublisherRecordsEnvelopes(t *testing.T) {
	p := &publish.NoopPublisher{}
	env := publish.Envelope{
		AgentInfo: publish.AgentInfo{AgentID: "001", NodeName: "node-1"},
		DataType:  "cti-offset",
		Data:      map[string]any{"offset": 42},
		Operation: "create",
	}

	require.NoError(t, p.Publish(context.Background(), "topic-a", env))
	require.Len(t, p.Published, 1)
	require.Equal(t, env, p.Published[0])
	require.NoError(t, p.Close())
}
