package dsup

import "context"

// LifecycleEvent is what a ServerRuntime reports about one of its managed servers.
type LifecycleEvent struct {
	Ref    ServerRef
	Kind   string // "crashed" or "stopped"
	Reason error
}

// ServerRuntime is the external generic-server runtime collaborator: mailbox, call/cast handling,
// and sequential message processing live there, not here. dsup only needs to start, stop,
// force-terminate, and observe the lifecycle of the servers it places.
type ServerRuntime interface {
	// Start begins a new server running the given behavior with the given args, returning its
	// opaque handle. The handle's NodeID is the node this runtime runs on.
	Start(ctx context.Context, behavior Behavior, args []interface{}) (ServerRef, error)
	// Stop requests a graceful stop with the given reason.
	Stop(ref ServerRef, reason string) error
	// ForceTerminate unconditionally terminates the server.
	ForceTerminate(ref ServerRef, reason string) error
	// IsRunning reports whether the server is still alive.
	IsRunning(ref ServerRef) bool
	// OnLifecycleEvent subscribes to every server's crashed/stopped notifications on this
	// runtime. The returned unsub function releases the subscription.
	OnLifecycleEvent(fn func(LifecycleEvent)) (unsub func())
}

// ClusterTransport is the external cluster transport collaborator: node discovery, heartbeats,
// and RPC transport live there. dsup only needs the current view of connected nodes and an
// authoritative node-down stream.
type ClusterTransport interface {
	LocalNodeID() NodeID
	ConnectedNodes() []NodeInfo
	// OnNodeDown subscribes to authoritative node-down notifications. The cluster transport is
	// trusted to report these; dsup performs no quorum or split-brain resolution of its own.
	OnNodeDown(fn func(nodeID NodeID, reason string)) (unsub func())
	IsConnectedTo(nodeID NodeID) bool
}

// BehaviorRegistry is the external, cluster-wide-by-convention name-to-behavior mapping.
type BehaviorRegistry interface {
	Has(name string) bool
	Get(name string) (Behavior, error)
}

// RemoteSpawner issues a remote-spawn RPC: the target node resolves the behavior in its own
// registry and starts a server there, returning its handle.
type RemoteSpawner interface {
	Spawn(ctx context.Context, behaviorName string, node NodeID, args []interface{}) (ServerRef, error)
}

// MonitorHandle is an opaque handle to an installed remote monitor.
type MonitorHandle struct {
	id string
}

// RemoteMonitorRPC lets a local observer monitor a server running on another node; it reports
// the monitored server's termination independently of (and in addition to) the cluster's
// node-down stream. onDown is invoked at most once, from an arbitrary goroutine, when the remote
// side reports the target gone.
type RemoteMonitorRPC interface {
	Monitor(observer, target ServerRef, onDown func(reason error)) (MonitorHandle, error)
	Demonitor(handle MonitorHandle) error
}
