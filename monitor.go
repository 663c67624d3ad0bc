package dsup

import "sync"

// downEvent is the unified "child went away" signal the Remote Monitor Adapter produces,
// regardless of whether the child ran locally or on a remote node.
type downEvent struct {
	ChildID    string
	Ref        ServerRef
	Reason     error
	NodeDown   bool
	DownNodeID NodeID
}

// monitorSet is the collection of subscriptions installed for one child, and the function that
// releases all of them together. Detaching releases both the local-runtime subscription and, for
// remote children, the remote-monitor RPC subscription and node-down filter — never one without
// the other, so a child's monitors are always gone before it leaves the table.
type monitorSet struct {
	events <-chan downEvent
	detach func()
}

// attachMonitor installs a Remote Monitor for the given child and returns a channel that
// receives exactly one downEvent when the child disappears, for any reason. It is the single
// fan-in point the Supervisor Core relies on so that crash-handling is triggered identically
// whether the cause was a local crash, a remote-monitor RPC notification, or a cluster node-down
// event racing it.
func (s *Supervisor) attachMonitor(childID string, ref ServerRef) monitorSet {
	out := make(chan downEvent, 1)
	var closeOnce sync.Once

	deliver := func(ev downEvent) {
		closeOnce.Do(func() {
			out <- ev
			close(out)
		})
	}

	var unsubs []func()

	if ref.NodeID == s.localNodeID() {
		unsub := s.runtime.OnLifecycleEvent(func(ev LifecycleEvent) {
			if ev.Ref != ref {
				return
			}
			deliver(downEvent{ChildID: childID, Ref: ref, Reason: ev.Reason})
		})
		unsubs = append(unsubs, unsub)
	} else {
		if s.remoteMonitor != nil {
			handle, err := s.remoteMonitor.Monitor(s.selfRef(), ref, func(reason error) {
				deliver(downEvent{ChildID: childID, Ref: ref, Reason: reason})
			})
			if err == nil {
				unsubs = append(unsubs, func() { _ = s.remoteMonitor.Demonitor(handle) })
			}
		}

		downNode := ref.NodeID
		unsub := s.cluster.OnNodeDown(func(nodeID NodeID, reason string) {
			if nodeID != downNode {
				return
			}
			deliver(downEvent{ChildID: childID, Ref: ref, NodeDown: true, DownNodeID: nodeID, Reason: nodeDownError(reason)})
		})
		unsubs = append(unsubs, unsub)
	}

	detach := func() {
		for _, u := range unsubs {
			u()
		}
	}

	return monitorSet{events: out, detach: detach}
}

type nodeDownReason struct{ reason string }

func (e *nodeDownReason) Error() string { return "node down: " + e.reason }

func nodeDownError(reason string) error { return &nodeDownReason{reason: reason} }
