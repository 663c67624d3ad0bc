// Package dsup implements a distributed, Erlang/OTP-style supervision core: hierarchical
// lifecycle management of long-lived actors ("generic servers") across a cluster of nodes, with
// configurable restart strategies, restart-intensity limiting, cluster-aware child placement and
// migration, and a distributed child registry with atomic claim-for-restart semantics.
//
// The underlying generic-server runtime, cluster transport, and behavior registry are external
// collaborators represented here as interfaces (see collaborators.go); dsup ships usable default
// implementations of the local runtime and the distributed registry so the package is directly
// usable as a single-node supervision tree out of the box.
package dsup

import "time"

// NodeID identifies a cluster member. It is stable across reconnects and totally ordered by
// ordinary string comparison.
type NodeID string

// NodeStatus is the connectivity state of a cluster member as seen by the local node.
type NodeStatus int

const (
	// NodeConnected marks a node the local node currently has a live transport session with.
	NodeConnected NodeStatus = iota
	// NodeDisconnected marks a node that was known but is not currently reachable.
	NodeDisconnected
)

func (s NodeStatus) String() string {
	switch s {
	case NodeConnected:
		return "connected"
	case NodeDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// NodeInfo is a snapshot of cluster state for one member, as reported by the ClusterTransport.
type NodeInfo struct {
	ID              NodeID
	Host            string
	Port            int
	Status          NodeStatus
	ProcessCount    int
	LastHeartbeatAt time.Time
	UptimeMs        int64
}

// ServerRef is an opaque handle to a running generic server, carrying the node it runs on.
// Many handles may refer to the same live actor; no handle owns the actor's lifecycle.
type ServerRef struct {
	ID     string
	NodeID NodeID
}

// RestartType governs whether a specific child is restarted for a given exit reason.
type RestartType string

const (
	// Permanent children are always restarted, regardless of exit reason.
	Permanent RestartType = "permanent"
	// Transient children are restarted only if they terminate abnormally.
	Transient RestartType = "transient"
	// Temporary children are never restarted.
	Temporary RestartType = "temporary"
)

// Strategy selects which siblings are affected when one child of a supervisor crashes.
type Strategy string

const (
	// OneForOne restarts only the crashed child.
	OneForOne Strategy = "one_for_one"
	// OneForAll stops every child (reverse start order) then restarts all of them (start order).
	OneForAll Strategy = "one_for_all"
	// RestForOne stops the crashed child and every child started after it, then restarts them.
	RestForOne Strategy = "rest_for_one"
	// SimpleOneForOne supervises dynamically-spawned instances of one shared ChildTemplate.
	SimpleOneForOne Strategy = "simple_one_for_one"
)

// AutoShutdownPolicy governs whether a supervisor self-stops after losing significant children.
type AutoShutdownPolicy string

const (
	// AutoShutdownNever means the supervisor never self-stops on child removal.
	AutoShutdownNever AutoShutdownPolicy = "never"
	// AutoShutdownAnySignificant self-stops after any significant child is permanently dropped.
	AutoShutdownAnySignificant AutoShutdownPolicy = "any_significant"
	// AutoShutdownAllSignificant self-stops once no significant children remain.
	AutoShutdownAllSignificant AutoShutdownPolicy = "all_significant"
)

// Behavior is the opaque, named implementation resolved through a BehaviorRegistry and handed to
// a ServerRuntime to start a child. Its shape is owned entirely by the runtime implementation.
type Behavior interface{}

// ChildSpec is the static declaration of one supervised child.
type ChildSpec struct {
	// ID is the child's unique name within its supervisor's namespace. It may contain ':'; registry
	// keys split only on their first two separators.
	ID string
	// Behavior is resolved by name through the external Behavior Registry.
	Behavior string
	// Args are passed to the behavior's init/start.
	Args []interface{}
	// Restart selects this child's restart policy.
	Restart RestartType
	// NodeSelector overrides the supervisor's default placement policy for this child, if set.
	NodeSelector NodeSelector
	// ShutdownTimeout bounds how long graceful stop is allowed before forced termination.
	ShutdownTimeout time.Duration
	// Significant marks this child as load-bearing for the auto-shutdown policy.
	Significant bool
}

// ChildTemplate is a ChildSpec without an ID, used only by SimpleOneForOne supervisors to
// instantiate dynamically-spawned, uniform workers.
type ChildTemplate struct {
	Behavior        string
	Args            []interface{}
	Restart         RestartType
	NodeSelector    NodeSelector
	ShutdownTimeout time.Duration
	Significant     bool
}

// toSpec instantiates a full ChildSpec for a dynamically generated child id.
func (t ChildTemplate) toSpec(id string) ChildSpec {
	return ChildSpec{
		ID:              id,
		Behavior:        t.Behavior,
		Args:            t.Args,
		Restart:         t.Restart,
		NodeSelector:    t.NodeSelector,
		ShutdownTimeout: t.ShutdownTimeout,
		Significant:     t.Significant,
	}
}

// RunningChild is the per-child runtime state tracked in a supervisor's ordered table.
type RunningChild struct {
	ID                string
	Spec              ChildSpec
	Ref               ServerRef
	NodeID            NodeID
	RestartCount      int
	RestartTimestamps []time.Time
	StartedAt         time.Time
	LastExitReason    error

	downEvents    <-chan downEvent
	detachMonitor func()
}

// RestartIntensity bounds the automatic-restart rate of a supervisor: more than MaxRestarts
// restarts within WithinMs is treated as a fatal, unrecoverable failure cascade.
type RestartIntensity struct {
	MaxRestarts int
	WithinMs    time.Duration
}

// SupervisorOptions configures a Supervisor at construction time. See New.
type SupervisorOptions struct {
	// Name identifies the supervisor; also used to derive its registry namespace.
	Name string
	// Strategy selects the restart strategy.
	Strategy Strategy
	// NodeSelector is the default placement policy; individual ChildSpecs may override it.
	NodeSelector NodeSelector
	// Children are the statically declared children (mutually exclusive with ChildTemplate).
	Children []ChildSpec
	// ChildTemplate is set only for SimpleOneForOne supervisors (mutually exclusive with Children).
	ChildTemplate *ChildTemplate
	// RestartIntensity bounds automatic restart rate.
	RestartIntensity RestartIntensity
	// AutoShutdown governs self-stop behavior after significant child loss.
	AutoShutdown AutoShutdownPolicy
}

// Phase is the supervisor's own lifecycle state.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseRunning      Phase = "running"
	PhaseShuttingDown Phase = "shutting_down"
	PhaseStopped      Phase = "stopped"
)

// Stats is the read-only snapshot returned by Supervisor.GetStats.
type Stats struct {
	ID                  string
	Strategy            Strategy
	ChildCount          int
	ChildrenByNode      map[NodeID]int
	TotalRestarts       int
	NodeFailureRestarts int
	StartedAt           time.Time
	UptimeMs            int64
}
