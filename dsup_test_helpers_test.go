package dsup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// funcBehavior adapts a plain function to LocalBehavior, for tests that don't need a dedicated
// named type per worker shape.
type funcBehavior struct {
	run func(ctx context.Context, args []interface{}) error
}

func (f funcBehavior) Run(ctx context.Context, args []interface{}) error {
	return f.run(ctx, args)
}

// runUntilDone blocks until ctx is canceled and exits normally; useful for children that should
// just stay up.
func runUntilDone(ctx context.Context, _ []interface{}) error {
	<-ctx.Done()
	return nil
}

// crashable is a behavior whose single running instance can be told to exit with an arbitrary
// error from test code, standing in for "the child crashed" without needing a real mailbox.
type crashable struct {
	crashCh chan error
}

func newCrashable() *crashable {
	return &crashable{crashCh: make(chan error, 1)}
}

func (c *crashable) Run(ctx context.Context, _ []interface{}) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-c.crashCh:
		return err
	}
}

func (c *crashable) crash(err error) {
	if err == nil {
		err = errBoom
	}
	c.crashCh <- err
}

var errBoom = &SupervisorError{Message: "boom"}

// registerCrashable registers a freshly named behavior backed by a crashable and returns both.
func registerCrashable(br *MemoryBehaviorRegistry, name string) *crashable {
	c := newCrashable()
	br.Register(name, c)
	return c
}

// fakeCluster is a test ClusterTransport whose node-down stream is driven explicitly by the test
// via fireNodeDown, and whose connected-node view is a fixed, mutable snapshot.
type fakeCluster struct {
	mu        sync.Mutex
	local     NodeID
	connected []NodeInfo
	handlers  []func(NodeID, string)
}

func newFakeCluster(local NodeID, connected []NodeInfo) *fakeCluster {
	return &fakeCluster{local: local, connected: connected}
}

func (f *fakeCluster) LocalNodeID() NodeID { return f.local }

func (f *fakeCluster) ConnectedNodes() []NodeInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]NodeInfo, len(f.connected))
	copy(out, f.connected)
	return out
}

func (f *fakeCluster) OnNodeDown(fn func(nodeID NodeID, reason string)) (unsub func()) {
	f.mu.Lock()
	f.handlers = append(f.handlers, fn)
	idx := len(f.handlers) - 1
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if idx < len(f.handlers) {
			f.handlers[idx] = nil
		}
	}
}

func (f *fakeCluster) IsConnectedTo(nodeID NodeID) bool {
	if nodeID == f.local {
		return true
	}
	for _, n := range f.ConnectedNodes() {
		if n.ID == nodeID && n.Status == NodeConnected {
			return true
		}
	}
	return false
}

// fireNodeDown invokes every subscribed handler, exactly like a real cluster transport
// delivering an authoritative node-down event from its own goroutine.
func (f *fakeCluster) fireNodeDown(nodeID NodeID, reason string) {
	f.mu.Lock()
	handlers := append([]func(NodeID, string){}, f.handlers...)
	f.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(nodeID, reason)
		}
	}
}

// fakeRemoteSpawner stands in for the remote-spawn RPC collaborator: it never actually runs
// anything, it just hands back a ServerRef carrying the requested node, which is enough for
// placement and migration tests that don't need the remote child to do real work.
type fakeRemoteSpawner struct {
	next atomic.Uint64
}

func (f *fakeRemoteSpawner) Spawn(_ context.Context, _ string, node NodeID, _ []interface{}) (ServerRef, error) {
	n := f.next.Add(1)
	return ServerRef{ID: fmt.Sprintf("remote-%d", n), NodeID: node}, nil
}

// waitForEvent subscribes to sup's lifecycle stream and blocks until pred matches an event or
// the timeout elapses, returning the matched event.
func waitForEvent(sup *Supervisor, timeout time.Duration, pred func(Event) bool) (Event, bool) {
	ch := make(chan Event, 16)
	unsub := sup.OnLifecycleEvent(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsub()

	deadline := time.After(timeout)
	for {
		select {
		case e := <-ch:
			if pred(e) {
				return e, true
			}
		case <-deadline:
			return Event{}, false
		}
	}
}
