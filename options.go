package dsup

import (
	"context"

	"github.com/rs/zerolog"
)

// Option configures a Supervisor's external collaborators at construction time. These are never
// part of SupervisorOptions because they are injected dependencies, not declarative policy:
// SupervisorOptions is the declarative shape (strategy plus child specs), while Option covers
// cross-cutting concerns like collaborator overrides, logging, backoff, and context.
type Option func(*Supervisor)

// WithRuntime overrides the default local ServerRuntime.
func WithRuntime(rt ServerRuntime) Option {
	return func(s *Supervisor) { s.runtime = rt }
}

// WithCluster overrides the default single-node ClusterTransport. Supervisors that never restart
// across a cluster can leave this unset.
func WithCluster(ct ClusterTransport) Option {
	return func(s *Supervisor) { s.cluster = ct }
}

// WithBehaviorRegistry overrides the default in-process BehaviorRegistry.
func WithBehaviorRegistry(br BehaviorRegistry) Option {
	return func(s *Supervisor) { s.behaviors = br }
}

// WithChildRegistry overrides the default in-process ChildRegistry.
func WithChildRegistry(cr ChildRegistry) Option {
	return func(s *Supervisor) { s.registry = cr }
}

// WithRemoteSpawner installs the collaborator used to spawn children on remote nodes. Required
// for any NodeSelector that can pick a node other than the local one.
func WithRemoteSpawner(rs RemoteSpawner) Option {
	return func(s *Supervisor) { s.remoteSpawner = rs }
}

// WithRemoteMonitor installs the collaborator used to monitor children running on remote nodes.
func WithRemoteMonitor(rm RemoteMonitorRPC) Option {
	return func(s *Supervisor) { s.remoteMonitor = rm }
}

// WithRuntimeConfig overrides the package's default spawn/shutdown timeouts (see config.go).
func WithRuntimeConfig(cfg RuntimeConfig) Option {
	return func(s *Supervisor) { s.config = cfg }
}

// WithBackoff overrides the delay applied between an automatic-restart decision and actually
// spawning the replacement, keyed by the child's restart count and restart cause. Defaults to
// ExponentialBackoff(100ms, 5s).
func WithBackoff(b BackoffPolicy) Option {
	return func(s *Supervisor) { s.backoff = b }
}

// WithLogger overrides the supervisor's base logger, before the supervisor_id field is attached.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.logger = supervisorLogger(l, s.id) }
}

// WithContext sets a custom parent context for the supervisor instead of context.Background().
// Canceling it is equivalent to calling Stop.
func WithContext(ctx context.Context) Option {
	return func(s *Supervisor) {
		s.cancel()
		s.ctx, s.cancel = context.WithCancel(ctx)
	}
}
