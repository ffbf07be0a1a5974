// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package publish

import (
	"context"
	"sync"
)

// NoopPublisher sends nothing anywhere; it records every envelope in
// Published. Useful in tests and for topics configured without a router.
type NoopPublisher struct {
	mu        sync.Mutex
	Published []Envelope
}

// Publish records env without sending it anywhere.
func (p *NoopPublisher) Publish(_ context.Context, _ string, env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Published = append(p.Published, env)
	return nil
}

// Close is a no-op.
func (p *NoopPublisher) Close() error { return nil }
