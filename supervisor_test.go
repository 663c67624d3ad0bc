package dsup

import (
	"testing"
	"time"
)

func permanentSpec(id, behavior string) ChildSpec {
	return ChildSpec{ID: id, Behavior: behavior, Restart: Permanent, ShutdownTimeout: 100 * time.Millisecond}
}

// TestBasicOneForOne asserts that under one_for_one, three children running and crashing the
// middle one must leave its siblings untouched and bump TotalRestarts by exactly one.
func TestBasicOneForOne(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	c1, c2, c3 := registerCrashable(br, "b1"), registerCrashable(br, "b2"), registerCrashable(br, "b3")
	_ = c1
	_ = c3

	sup := New(SupervisorOptions{
		Strategy: OneForOne,
		Children: []ChildSpec{
			permanentSpec("w1", "b1"),
			permanentSpec("w2", "b2"),
			permanentSpec("w3", "b3"),
		},
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	w1Before, _ := sup.GetChild("w1")
	w3Before, _ := sup.GetChild("w3")

	c2.crash(nil)

	if _, ok := waitForEvent(sup, time.Second, func(e Event) bool {
		return e.Kind == EventChildRestarted && e.ChildID == "w2"
	}); !ok {
		t.Fatal("never saw child_restarted for w2")
	}

	w1After, _ := sup.GetChild("w1")
	w3After, _ := sup.GetChild("w3")
	if w1After.Ref != w1Before.Ref {
		t.Fatalf("w1 ref changed: %v -> %v", w1Before.Ref, w1After.Ref)
	}
	if w3After.Ref != w3Before.Ref {
		t.Fatalf("w3 ref changed: %v -> %v", w3Before.Ref, w3After.Ref)
	}

	if stats := sup.GetStats(); stats.TotalRestarts != 1 {
		t.Fatalf("TotalRestarts = %d, want 1", stats.TotalRestarts)
	}
}

// TestRestForOneCascade asserts that for children a,b,c,d under rest_for_one, crashing b must
// leave a untouched and change b, c, d's refs, restarted in table order.
func TestRestForOneCascade(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	_, cb := registerCrashable(br, "ba"), registerCrashable(br, "bb")
	_, _ = registerCrashable(br, "bc"), registerCrashable(br, "bd")

	sup := New(SupervisorOptions{
		Strategy: RestForOne,
		Children: []ChildSpec{
			permanentSpec("a", "ba"),
			permanentSpec("b", "bb"),
			permanentSpec("c", "bc"),
			permanentSpec("d", "bd"),
		},
		RestartIntensity: RestartIntensity{MaxRestarts: 10, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	aBefore, _ := sup.GetChild("a")
	bBefore, _ := sup.GetChild("b")
	cBefore, _ := sup.GetChild("c")
	dBefore, _ := sup.GetChild("d")

	cb.crash(nil)

	if _, ok := waitForEvent(sup, time.Second, func(e Event) bool {
		return e.Kind == EventChildRestarted && e.ChildID == "d"
	}); !ok {
		t.Fatal("never saw child_restarted for d")
	}

	aAfter, _ := sup.GetChild("a")
	bAfter, _ := sup.GetChild("b")
	cAfter, _ := sup.GetChild("c")
	dAfter, _ := sup.GetChild("d")

	if aAfter.Ref != aBefore.Ref {
		t.Fatalf("a ref changed, want unchanged: %v -> %v", aBefore.Ref, aAfter.Ref)
	}
	if bAfter.Ref == bBefore.Ref {
		t.Fatal("b ref unchanged, want changed")
	}
	if cAfter.Ref == cBefore.Ref {
		t.Fatal("c ref unchanged, want changed")
	}
	if dAfter.Ref == dBefore.Ref {
		t.Fatal("d ref unchanged, want changed")
	}
}

// TestRoundRobinPlacement asserts that with nodes {local, A, B} connected and a round_robin
// selector, four children cycle through the sorted candidates A, B, local in start order,
// beginning wherever the process-wide counter already stood.
func TestRoundRobinPlacement(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	br.Register("noop", funcBehavior{run: runUntilDone})

	cluster := newFakeCluster("local", []NodeInfo{
		{ID: "A", Status: NodeConnected},
		{ID: "B", Status: NodeConnected},
	})

	order := []NodeID{"A", "B", "local"} // candidates() sorts lexicographically
	start := roundRobinCounter.Load()

	sup := New(SupervisorOptions{
		Strategy:     OneForOne,
		NodeSelector: RoundRobin(),
		Children: []ChildSpec{
			permanentSpec("w1", "noop"),
			permanentSpec("w2", "noop"),
			permanentSpec("w3", "noop"),
			permanentSpec("w4", "noop"),
		},
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br), WithCluster(cluster), WithRemoteSpawner(&fakeRemoteSpawner{}))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i, id := range []string{"w1", "w2", "w3", "w4"} {
		rc, ok := sup.GetChild(id)
		if !ok {
			t.Fatalf("child %s missing", id)
		}
		want := order[(start+uint64(i))%uint64(len(order))]
		if rc.NodeID != want {
			t.Fatalf("%s placed on %v, want %v", id, rc.NodeID, want)
		}
	}
}

// TestNodeFailureMigration asserts that a child pinned to node A migrates to local when A goes
// down, emitting node_failure_detected then child_migrated.
func TestNodeFailureMigration(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	br.Register("noop", funcBehavior{run: runUntilDone})

	cluster := newFakeCluster("local", []NodeInfo{{ID: "A", Status: NodeConnected}})

	pinThenFallback := Custom(func(candidates []NodeID, _ string) (NodeID, error) {
		for _, c := range candidates {
			if c == "A" {
				return "A", nil
			}
		}
		return "local", nil
	})

	spec := permanentSpec("w1", "noop")
	spec.NodeSelector = pinThenFallback

	sup := New(SupervisorOptions{
		Strategy:         OneForOne,
		Children:         []ChildSpec{spec},
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br), WithCluster(cluster), WithRemoteSpawner(&fakeRemoteSpawner{}))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	before, ok := sup.GetChild("w1")
	if !ok || before.NodeID != "A" {
		t.Fatalf("expected w1 pinned to A, got %+v", before)
	}

	cluster.fireNodeDown("A", "connection_lost")

	ev, ok := waitForEvent(sup, time.Second, func(e Event) bool {
		return e.Kind == EventNodeFailureDetected
	})
	if !ok {
		t.Fatal("never saw node_failure_detected")
	}
	if len(ev.AffectedChildren) != 1 || ev.AffectedChildren[0] != "w1" {
		t.Fatalf("node_failure_detected.AffectedChildren = %v, want [w1]", ev.AffectedChildren)
	}

	migrated, ok := waitForEvent(sup, time.Second, func(e Event) bool {
		return e.Kind == EventChildMigrated && e.ChildID == "w1"
	})
	if !ok {
		t.Fatal("never saw child_migrated for w1")
	}
	if migrated.FromNode != "A" || migrated.ToNode != "local" {
		t.Fatalf("child_migrated = %+v, want fromNode=A toNode=local", migrated)
	}

	stats := sup.GetStats()
	if stats.NodeFailureRestarts != 1 {
		t.Fatalf("NodeFailureRestarts = %d, want 1", stats.NodeFailureRestarts)
	}
	after, _ := sup.GetChild("w1")
	if after.RestartCount != 1 {
		t.Fatalf("w1.RestartCount = %d, want 1", after.RestartCount)
	}
}

// TestRestartIntensityBreachUnderNodeFailure asserts that with three children all pinned to node
// A and maxRestarts=1 within a generous window, the node-failure cascade breaches intensity and
// the supervisor stops itself with max_restarts_exceeded.
func TestRestartIntensityBreachUnderNodeFailure(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	br.Register("noop", funcBehavior{run: runUntilDone})

	cluster := newFakeCluster("local", []NodeInfo{{ID: "A", Status: NodeConnected}})
	onlyA := Pinned("A")

	specs := make([]ChildSpec, 3)
	for i, id := range []string{"w1", "w2", "w3"} {
		s := permanentSpec(id, "noop")
		s.NodeSelector = onlyA
		specs[i] = s
	}

	sup := New(SupervisorOptions{
		Strategy:         OneForOne,
		Children:         specs,
		RestartIntensity: RestartIntensity{MaxRestarts: 1, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br), WithCluster(cluster), WithRemoteSpawner(&fakeRemoteSpawner{}))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cluster.fireNodeDown("A", "connection_lost")

	if _, ok := waitForEvent(sup, 2*time.Second, func(e Event) bool {
		return e.Kind == EventSupervisorStopped && e.StopReason == StopReasonMaxRestartsExceeded
	}); !ok {
		t.Fatal("never saw supervisor_stopped{max_restarts_exceeded}")
	}
}

// TestAutoShutdownOnSignificantLoss asserts that a significant temporary child, pinned to a node
// that goes down, is dropped (never restarted) and the supervisor self-stops.
func TestAutoShutdownOnSignificantLoss(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	br.Register("noop", funcBehavior{run: runUntilDone})

	cluster := newFakeCluster("local", []NodeInfo{{ID: "A", Status: NodeConnected}})

	spec := ChildSpec{ID: "w1", Behavior: "noop", Restart: Temporary, NodeSelector: Pinned("A"), Significant: true}

	sup := New(SupervisorOptions{
		Strategy:         OneForOne,
		Children:         []ChildSpec{spec},
		AutoShutdown:     AutoShutdownAnySignificant,
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br), WithCluster(cluster), WithRemoteSpawner(&fakeRemoteSpawner{}))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cluster.fireNodeDown("A", "connection_lost")

	if _, ok := waitForEvent(sup, time.Second, func(e Event) bool {
		return e.Kind == EventSupervisorStopped && e.StopReason == StopReasonNormal
	}); !ok {
		t.Fatal("never saw supervisor_stopped{normal} after significant temporary child loss")
	}
	if sup.IsRunning() {
		t.Fatal("supervisor still running after auto-shutdown")
	}
}

// TestStopIsIdempotent asserts Stop called twice returns without error and without a second
// supervisor_stopped event.
func TestStopIsIdempotent(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	br.Register("noop", funcBehavior{run: runUntilDone})

	sup := New(SupervisorOptions{
		Strategy:         OneForOne,
		Children:         []ChildSpec{permanentSpec("w1", "noop")},
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br))

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var stoppedCount int
	sup.OnLifecycleEvent(func(e Event) {
		if e.Kind == EventSupervisorStopped {
			stoppedCount++
		}
	})

	if err := sup.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := sup.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if stoppedCount != 1 {
		t.Fatalf("supervisor_stopped emitted %d times, want 1", stoppedCount)
	}

	if len(sup.GetChildren()) != 0 {
		t.Fatal("children remain after Stop")
	}
	if sup.IsRunning() {
		t.Fatal("IsRunning true after Stop")
	}
}

// TestTerminateChildUnknownID asserts ChildNotFoundError on an unknown id.
func TestTerminateChildUnknownID(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	sup := New(SupervisorOptions{
		Strategy:         OneForOne,
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := sup.TerminateChild("missing")
	if _, ok := err.(*ChildNotFoundError); !ok {
		t.Fatalf("TerminateChild(missing) = %v, want ChildNotFoundError", err)
	}
}

// TestStartChildDuplicate asserts DuplicateChildError on a repeated id.
func TestStartChildDuplicate(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	br.Register("noop", funcBehavior{run: runUntilDone})

	sup := New(SupervisorOptions{
		Strategy:         OneForOne,
		Children:         []ChildSpec{permanentSpec("w1", "noop")},
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err := sup.StartChild(permanentSpec("w1", "noop"))
	if _, ok := err.(*DuplicateChildError); !ok {
		t.Fatalf("StartChild(dup w1) = %v, want DuplicateChildError", err)
	}
}

// TestSimpleOneForOneRequiresTemplate asserts Start fails when simple_one_for_one has no
// ChildTemplate (MissingChildTemplateError), and when a non-simple strategy is given a template
// anyway (InvalidSimpleOneForOneError).
func TestSimpleOneForOneRequiresTemplate(t *testing.T) {
	sup := New(SupervisorOptions{
		Strategy:         SimpleOneForOne,
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	})
	if err := sup.Start(); err == nil {
		t.Fatal("expected error starting simple_one_for_one without a template")
	} else if _, ok := err.(*MissingChildTemplateError); !ok {
		t.Fatalf("got %v, want MissingChildTemplateError", err)
	}
	sup.Stop()

	tmpl := &ChildTemplate{Behavior: "noop", Restart: Temporary}
	sup2 := New(SupervisorOptions{
		Strategy:         OneForOne,
		ChildTemplate:    tmpl,
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	})
	if err := sup2.Start(); err == nil {
		t.Fatal("expected error starting one_for_one with a child template")
	} else if _, ok := err.(*InvalidSimpleOneForOneError); !ok {
		t.Fatalf("got %v, want InvalidSimpleOneForOneError", err)
	}
	sup2.Stop()
}

// TestSimpleOneForOneDynamicChildren drives StartDynamicChild and confirms the generated id
// round-trips and the worker is torn down on TerminateChild.
func TestSimpleOneForOneDynamicChildren(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	br.Register("noop", funcBehavior{run: runUntilDone})

	sup := New(SupervisorOptions{
		Strategy:         SimpleOneForOne,
		ChildTemplate:    &ChildTemplate{Behavior: "noop", Restart: Temporary},
		RestartIntensity: RestartIntensity{MaxRestarts: 5, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	id, err := sup.StartDynamicChild(nil)
	if err != nil {
		t.Fatalf("StartDynamicChild: %v", err)
	}
	if sup.CountChildren() != 1 {
		t.Fatalf("CountChildren = %d, want 1", sup.CountChildren())
	}

	if err := sup.TerminateChild(id); err != nil {
		t.Fatalf("TerminateChild(%s): %v", id, err)
	}
	if sup.CountChildren() != 0 {
		t.Fatalf("CountChildren after terminate = %d, want 0", sup.CountChildren())
	}
}

// TestRestartChildDoesNotCountAgainstIntensity drives an explicit RestartChild well past
// maxRestarts and confirms it keeps succeeding because intensity only governs automatic restarts.
func TestRestartChildDoesNotCountAgainstIntensity(t *testing.T) {
	br := NewMemoryBehaviorRegistry()
	br.Register("noop", funcBehavior{run: runUntilDone})

	sup := New(SupervisorOptions{
		Strategy:         OneForOne,
		Children:         []ChildSpec{permanentSpec("w1", "noop")},
		RestartIntensity: RestartIntensity{MaxRestarts: 1, WithinMs: time.Minute},
	}, WithBehaviorRegistry(br))
	defer sup.Stop()

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := 0; i < 5; i++ {
		if err := sup.RestartChild("w1"); err != nil {
			t.Fatalf("RestartChild iteration %d: %v", i, err)
		}
	}

	if !sup.IsRunning() {
		t.Fatal("supervisor stopped despite explicit restarts never touching intensity")
	}
	rc, _ := sup.GetChild("w1")
	if rc.RestartCount != 5 {
		t.Fatalf("RestartCount = %d, want 5", rc.RestartCount)
	}
}
