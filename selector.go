package dsup

import (
	"math/rand"
	"sort"
	"sync/atomic"
)

// SelectionContext carries everything a NodeSelector needs to pick a placement.
type SelectionContext struct {
	ChildID      string
	LocalNodeID  NodeID
	Connected    []NodeInfo
	ExcludedNode NodeID // empty if this is not a failure-driven restart
}

// NodeSelector resolves the node a child should be spawned on. Built-in strategies are created
// with the constructor functions below; callers may also implement NodeSelector directly for a
// custom policy.
type NodeSelector interface {
	// SelectNode returns the chosen node, or a *NoAvailableNodeError if none qualify.
	SelectNode(ctx SelectionContext) (NodeID, error)
	// String names the strategy, used in NoAvailableNodeError and logging.
	String() string
}

// candidates returns the local node plus every connected remote node, minus the excluded node,
// stably ordered by NodeID.
func candidates(ctx SelectionContext) []NodeID {
	seen := make(map[NodeID]bool)
	out := make([]NodeID, 0, len(ctx.Connected)+1)

	add := func(id NodeID) {
		if id == "" || id == ctx.ExcludedNode || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}

	add(ctx.LocalNodeID)
	for _, n := range ctx.Connected {
		if n.Status == NodeConnected {
			add(n.ID)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type localFirstSelector struct{}

// LocalFirst returns the local node, falling back to the first connected remote node (stable
// order by NodeID) when the local node is excluded.
func LocalFirst() NodeSelector { return localFirstSelector{} }

func (localFirstSelector) String() string { return "local_first" }

func (s localFirstSelector) SelectNode(ctx SelectionContext) (NodeID, error) {
	if ctx.LocalNodeID != ctx.ExcludedNode {
		return ctx.LocalNodeID, nil
	}
	cs := candidates(ctx)
	if len(cs) == 0 {
		return "", &NoAvailableNodeError{ChildID: ctx.ChildID, Selector: s.String()}
	}
	return cs[0], nil
}

// roundRobinCounter is deliberately global to the process, not per-selector or per-supervisor:
// this yields reasonable spread across the cluster without any coordination.
var roundRobinCounter atomic.Uint64

type roundRobinSelector struct{}

// RoundRobin cycles through connected candidates using a process-wide monotonic counter.
func RoundRobin() NodeSelector { return roundRobinSelector{} }

func (roundRobinSelector) String() string { return "round_robin" }

func (s roundRobinSelector) SelectNode(ctx SelectionContext) (NodeID, error) {
	cs := candidates(ctx)
	if len(cs) == 0 {
		return "", &NoAvailableNodeError{ChildID: ctx.ChildID, Selector: s.String()}
	}
	i := roundRobinCounter.Add(1) - 1
	return cs[i%uint64(len(cs))], nil
}

type leastLoadedSelector struct{}

// LeastLoaded picks the connected candidate with the fewest running processes, ties broken by
// NodeID order. A candidate with no entry in the cluster view (usually the local node) has no
// known process count and ranks after every candidate that has one.
func LeastLoaded() NodeSelector { return leastLoadedSelector{} }

func (leastLoadedSelector) String() string { return "least_loaded" }

func (s leastLoadedSelector) SelectNode(ctx SelectionContext) (NodeID, error) {
	cs := candidates(ctx)
	if len(cs) == 0 {
		return "", &NoAvailableNodeError{ChildID: ctx.ChildID, Selector: s.String()}
	}

	load := make(map[NodeID]int, len(ctx.Connected)+1)
	for _, n := range ctx.Connected {
		load[n.ID] = n.ProcessCount
	}

	best := cs[0]
	bestLoad, bestKnown := load[best]
	for _, id := range cs[1:] {
		l, known := load[id]
		if known && (!bestKnown || l < bestLoad) {
			best, bestLoad, bestKnown = id, l, true
		}
	}
	return best, nil
}

type randomSelector struct{}

// Random picks uniformly among connected candidates.
func Random() NodeSelector { return randomSelector{} }

func (randomSelector) String() string { return "random" }

func (s randomSelector) SelectNode(ctx SelectionContext) (NodeID, error) {
	cs := candidates(ctx)
	if len(cs) == 0 {
		return "", &NoAvailableNodeError{ChildID: ctx.ChildID, Selector: s.String()}
	}
	return cs[rand.Intn(len(cs))], nil
}

type pinnedSelector struct {
	node NodeID
}

// Pinned always places the child on the given node, failing if it is disconnected or excluded.
func Pinned(node NodeID) NodeSelector { return pinnedSelector{node: node} }

func (p pinnedSelector) String() string { return "pinned:" + string(p.node) }

func (p pinnedSelector) SelectNode(ctx SelectionContext) (NodeID, error) {
	for _, id := range candidates(ctx) {
		if id == p.node {
			return id, nil
		}
	}
	return "", &NoAvailableNodeError{ChildID: ctx.ChildID, Selector: p.String()}
}

// CustomFunc is a user-supplied placement function. Its return value must be a NodeID present in
// the filtered candidate list handed to it; the caller does not re-validate this.
type CustomFunc func(candidates []NodeID, childID string) (NodeID, error)

type customSelector struct {
	fn CustomFunc
}

// Custom wraps a user function as a NodeSelector.
func Custom(fn CustomFunc) NodeSelector { return customSelector{fn: fn} }

func (customSelector) String() string { return "custom" }

func (c customSelector) SelectNode(ctx SelectionContext) (NodeID, error) {
	cs := candidates(ctx)
	if len(cs) == 0 {
		return "", &NoAvailableNodeError{ChildID: ctx.ChildID, Selector: c.String()}
	}
	return c.fn(cs, ctx.ChildID)
}
