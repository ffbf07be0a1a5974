// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package action

import "context"

// Service adapts an Action's scheduler lifecycle to suture.Service,
// the same Start/Stop-to-Serve pattern the teacher uses for its sync
// manager (internal/supervisor/services/sync_service.go).
type Service struct {
	action *Action
}

// NewService wraps a already-constructed Action for supervision. It
// does not register the on-demand handler — callers that want the
// on-demand endpoint call RegisterOnDemand separately, since it is
// process-wide state independent of the scheduler's lifetime.
func NewService(a *Action) *Service {
	return &Service{action: a}
}

// Serve implements suture.Service: start the scheduler, block until
// the supervisor cancels ctx, then stop it (waiting out any in-flight run).
func (s *Service) Serve(ctx context.Context) error {
	s.action.StartScheduler()
	<-ctx.Done()
	s.action.StopScheduler()
	return ctx.Err()
}

// String implements fmt.Stringer for suture's logging.
func (s *Service) String() string {
	return "action-" + s.action.Topic()
}
