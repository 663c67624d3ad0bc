// Package dsup implements a distributed, Erlang/OTP-style supervision core. Supervisor is the
// heart of the system: a single logical actor, modeled as one goroutine reading a serialized
// operation queue, with cluster-aware placement, migration, and a distributed child registry
// layered on top of that single-threaded core.
package dsup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/hamicek/dsup/internal/idgen"
)

// defaultLocalNodeID names the local node when the caller does not supply a ClusterTransport.
const defaultLocalNodeID NodeID = "local"

// Supervisor manages a set of children under one restart strategy, placing them across a cluster
// and reviving them on crash or node failure. All public operations are serialized through a
// single actor loop (run).
type Supervisor struct {
	id   string
	opts SupervisorOptions

	runtime       ServerRuntime
	cluster       ClusterTransport
	behaviors     BehaviorRegistry
	registry      ChildRegistry
	remoteSpawner RemoteSpawner
	remoteMonitor RemoteMonitorRPC
	config        RuntimeConfig
	logger        zerolog.Logger
	claimLimiter  *rate.Limiter
	backoff       BackoffPolicy

	bus eventBus

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	commands  chan command
	childDown chan downEvent
	nodeDownC chan nodeDownSignal

	// Everything below is only ever touched from inside run(); the actor-loop discipline is the
	// synchronization, not a mutex.
	children            []*RunningChild
	childByID           map[string]*RunningChild
	phase               Phase
	restartTimestamps   []time.Time
	totalRestarts       int
	nodeFailureRestarts int
	startedAt           time.Time
	everHadSignificant  bool
	unsubNodeDown       func()
	pendingStopReason   StopReason
	pendingStopErr      error
	finalErr            error
}

// command is one unit of work submitted to the actor loop; run executes it and closes done. Using
// an arbitrary closure rather than a fixed action enum keeps every public method a thin wrapper
// around "do this on the actor goroutine" without a growing switch statement in run().
type command struct {
	run  func()
	done chan struct{}
}

type nodeDownSignal struct {
	nodeID NodeID
	reason string
}

// New constructs a Supervisor from its declarative options and any collaborator overrides. The
// supervisor is not usable until Start is called. A zero-value opts.Name causes an id to be
// generated with internal/idgen.
func New(opts SupervisorOptions, options ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	id := opts.Name
	if id == "" {
		id = idgen.Next("dsup")
	}

	s := &Supervisor{
		id:           id,
		opts:         opts,
		config:       DefaultRuntimeConfig(),
		runtime:      NewLocalRuntime(defaultLocalNodeID),
		cluster:      NewSingleNodeCluster(defaultLocalNodeID),
		behaviors:    NewMemoryBehaviorRegistry(),
		registry:     NewMemoryRegistry(),
		claimLimiter: rate.NewLimiter(rate.Limit(50), 10),
		backoff:      ExponentialBackoff(100*time.Millisecond, 5*time.Second),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		commands:     make(chan command, 16),
		childDown:    make(chan downEvent, 16),
		nodeDownC:    make(chan nodeDownSignal, 16),
		childByID:    make(map[string]*RunningChild),
		phase:        PhaseStarting,
	}
	s.logger = supervisorLogger(defaultLogger, id)

	for _, o := range options {
		o(s)
	}

	go s.run()
	return s
}

// do submits fn to the actor loop and blocks until it has run, or until the supervisor has
// already stopped, in which case fn never runs and the caller's pre-set zero/error value stands.
func (s *Supervisor) do(fn func()) {
	done := make(chan struct{})
	select {
	case s.commands <- command{run: fn, done: done}:
	case <-s.done:
		return
	}
	select {
	case <-done:
	case <-s.done:
	}
}

// run is the actor loop: the single goroutine that owns every mutable field above. All public
// methods either send a command here or (Stop) cancel the context and wait for it to exit.
func (s *Supervisor) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.doStop()
			return
		case cmd := <-s.commands:
			cmd.run()
			close(cmd.done)
		case ev := <-s.childDown:
			s.handleChildDown(ev)
		case sig := <-s.nodeDownC:
			s.handleNodeDown(sig.nodeID, sig.reason)
		}
	}
}

func (s *Supervisor) localNodeID() NodeID {
	return s.cluster.LocalNodeID()
}

func (s *Supervisor) selfRef() ServerRef {
	return ServerRef{ID: s.id, NodeID: s.localNodeID()}
}

// Start validates the supervisor's options and spawns its declared children in order.
func (s *Supervisor) Start() error {
	err := ErrSupervisorStopped
	s.do(func() {
		err = s.doStart()
	})
	return err
}

func (s *Supervisor) doStart() error {
	opLogger := s.logger.With().Str("trace_id", traceID()).Logger()

	if err := s.validateOptions(); err != nil {
		opLogger.Error().Err(err).Msg("start rejected")
		return err
	}

	s.phase = PhaseStarting
	s.startedAt = time.Now()

	if s.opts.Strategy != SimpleOneForOne {
		started := make([]*RunningChild, 0, len(s.opts.Children))
		for _, spec := range s.opts.Children {
			rc, err := s.spawnChild(spec, "")
			if err != nil {
				for i := len(started) - 1; i >= 0; i-- {
					s.teardownChild(started[i], "start_failed")
				}
				return err
			}
			started = append(started, rc)
			s.appendChild(rc)
			s.bus.emit(Event{Kind: EventChildStarted, SupervisorID: s.id, ChildID: rc.ID, NodeID: rc.NodeID})
		}
	}

	s.unsubNodeDown = s.cluster.OnNodeDown(func(nodeID NodeID, reason string) {
		s.enqueueNodeDown(nodeID, reason)
	})

	s.phase = PhaseRunning
	opLogger.Info().Int("children", len(s.children)).Msg("supervisor started")
	s.bus.emit(Event{Kind: EventSupervisorStarted, SupervisorID: s.id})
	return nil
}

// enqueueNodeDown is called from the cluster transport's own goroutine; it only ever enqueues,
// keeping every collaborator callback outside the actor loop's critical section.
func (s *Supervisor) enqueueNodeDown(nodeID NodeID, reason string) {
	select {
	case s.nodeDownC <- nodeDownSignal{nodeID: nodeID, reason: reason}:
	case <-s.ctx.Done():
	}
}

func (s *Supervisor) validateOptions() error {
	switch s.opts.Strategy {
	case OneForOne, OneForAll, RestForOne, SimpleOneForOne:
	default:
		return &InvalidSimpleOneForOneError{SupervisorID: s.id, Reason: fmt.Sprintf("unknown strategy %q", s.opts.Strategy)}
	}

	if s.opts.Strategy == SimpleOneForOne {
		if s.opts.ChildTemplate == nil {
			return &MissingChildTemplateError{SupervisorID: s.id}
		}
		if len(s.opts.Children) != 0 {
			return &InvalidSimpleOneForOneError{SupervisorID: s.id, Reason: "simple_one_for_one must not declare static children"}
		}
	} else if s.opts.ChildTemplate != nil {
		return &InvalidSimpleOneForOneError{SupervisorID: s.id, Reason: "childTemplate is only valid under simple_one_for_one"}
	}

	seen := make(map[string]bool, len(s.opts.Children))
	for _, c := range s.opts.Children {
		if seen[c.ID] {
			return &DuplicateChildError{SupervisorID: s.id, ChildID: c.ID}
		}
		seen[c.ID] = true
		if !s.behaviors.Has(c.Behavior) {
			return &BehaviorNotFoundError{BehaviorName: c.Behavior, NodeID: s.localNodeID()}
		}
	}

	if s.opts.RestartIntensity.WithinMs <= 0 {
		return ErrInvalidRestartWindow
	}

	if strings.Contains(s.id, ":") {
		return &SupervisorError{SupervisorID: s.id, Message: "supervisor id must not contain ':'"}
	}

	return nil
}

// spawnChild resolves the child's behavior, places it on a node, starts it (locally or via the
// remote spawner), registers it, and attaches a monitor. Any failure after behavior resolution
// unwinds whatever already succeeded.
func (s *Supervisor) spawnChild(spec ChildSpec, excludedNode NodeID) (*RunningChild, error) {
	if !s.behaviors.Has(spec.Behavior) {
		return nil, &BehaviorNotFoundError{BehaviorName: spec.Behavior, NodeID: s.localNodeID()}
	}

	selector := spec.NodeSelector
	if selector == nil {
		selector = s.opts.NodeSelector
	}
	if selector == nil {
		selector = LocalFirst()
	}

	nodeID, err := selector.SelectNode(SelectionContext{
		ChildID:      spec.ID,
		LocalNodeID:  s.localNodeID(),
		Connected:    s.cluster.ConnectedNodes(),
		ExcludedNode: excludedNode,
	})
	if err != nil {
		return nil, err
	}

	spawnCtx, cancel := context.WithTimeout(s.ctx, s.config.SpawnTimeout)
	defer cancel()

	var ref ServerRef
	if nodeID == s.localNodeID() {
		behavior, getErr := s.behaviors.Get(spec.Behavior)
		if getErr != nil {
			return nil, getErr
		}
		ref, err = s.runtime.Start(spawnCtx, behavior, spec.Args)
		if err != nil {
			return nil, &SupervisorError{SupervisorID: s.id, Message: "local spawn failed", Cause: err}
		}
	} else {
		if s.remoteSpawner == nil {
			return nil, &NoAvailableNodeError{ChildID: spec.ID, Selector: selector.String()}
		}
		ref, err = s.remoteSpawner.Spawn(spawnCtx, spec.Behavior, nodeID, spec.Args)
		if err != nil {
			return nil, &SupervisorError{SupervisorID: s.id, Message: "remote spawn failed", Cause: err}
		}
	}

	if err := s.registry.RegisterChild(s.id, spec.ID, ref, nodeID); err != nil {
		_ = s.runtime.ForceTerminate(ref, "register_failed")
		return nil, err
	}

	ms := s.attachMonitor(spec.ID, ref)
	s.forwardDown(ms.events)

	return &RunningChild{
		ID:            spec.ID,
		Spec:          spec,
		Ref:           ref,
		NodeID:        nodeID,
		StartedAt:     time.Now(),
		downEvents:    ms.events,
		detachMonitor: ms.detach,
	}, nil
}

// forwardDown relays the single down-event a monitorSet ever produces into the actor loop's
// childDown channel, translating the async callback into an enqueued event.
func (s *Supervisor) forwardDown(events <-chan downEvent) {
	go func() {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			select {
			case s.childDown <- ev:
			case <-s.ctx.Done():
			}
		case <-s.ctx.Done():
		}
	}()
}

func (s *Supervisor) appendChild(rc *RunningChild) {
	s.children = append(s.children, rc)
	s.childByID[rc.ID] = rc
	if rc.Spec.Significant {
		s.everHadSignificant = true
	}
}

func (s *Supervisor) indexOf(childID string) int {
	for i, c := range s.children {
		if c != nil && c.ID == childID {
			return i
		}
	}
	return -1
}

func (s *Supervisor) removeChildAt(idx int) {
	rc := s.children[idx]
	delete(s.childByID, rc.ID)
	s.children = append(s.children[:idx], s.children[idx+1:]...)
}

// teardownChild detaches the monitor first (so the stop itself never self-delivers a crash
// event), requests a graceful stop bounded by the child's timeout, force-terminates on timeout,
// then unregisters.
func (s *Supervisor) teardownChild(rc *RunningChild, reason string) {
	if rc.detachMonitor != nil {
		rc.detachMonitor()
	}

	timeout := rc.Spec.ShutdownTimeout
	if timeout <= 0 {
		timeout = s.config.DefaultShutdownTimeout
	}

	_ = s.runtime.Stop(rc.Ref, reason)
	deadline := time.After(timeout)
	ticker := time.NewTicker(s.config.ShutdownCheckInterval)
	defer ticker.Stop()

stopWait:
	for s.runtime.IsRunning(rc.Ref) {
		select {
		case <-deadline:
			_ = s.runtime.ForceTerminate(rc.Ref, reason)
			break stopWait
		case <-ticker.C:
		}
	}

	s.registry.UnregisterChild(s.id, rc.ID)
}

// StartChild dynamically adds a child to a non-simple_one_for_one supervisor.
func (s *Supervisor) StartChild(spec ChildSpec) error {
	err := ErrSupervisorStopped
	s.do(func() {
		err = s.doStartChild(spec)
	})
	return err
}

func (s *Supervisor) doStartChild(spec ChildSpec) error {
	if s.phase != PhaseRunning {
		return ErrSupervisorStopped
	}
	if s.opts.Strategy == SimpleOneForOne {
		return &InvalidSimpleOneForOneError{SupervisorID: s.id, Reason: "use StartDynamicChild under simple_one_for_one"}
	}
	if _, exists := s.childByID[spec.ID]; exists {
		return &DuplicateChildError{SupervisorID: s.id, ChildID: spec.ID}
	}

	rc, err := s.spawnChild(spec, "")
	if err != nil {
		return err
	}
	s.appendChild(rc)
	s.bus.emit(Event{Kind: EventChildStarted, SupervisorID: s.id, ChildID: rc.ID, NodeID: rc.NodeID})
	return nil
}

// StartDynamicChild instantiates the supervisor's ChildTemplate under a freshly generated id
// (simple_one_for_one only), returning that id.
func (s *Supervisor) StartDynamicChild(args []interface{}) (string, error) {
	var id string
	err := ErrSupervisorStopped
	s.do(func() {
		id, err = s.doStartDynamicChild(args)
	})
	return id, err
}

func (s *Supervisor) doStartDynamicChild(args []interface{}) (string, error) {
	if s.phase != PhaseRunning {
		return "", ErrSupervisorStopped
	}
	if s.opts.Strategy != SimpleOneForOne {
		return "", &InvalidSimpleOneForOneError{SupervisorID: s.id, Reason: "StartDynamicChild requires simple_one_for_one"}
	}
	if s.opts.ChildTemplate == nil {
		return "", &MissingChildTemplateError{SupervisorID: s.id}
	}

	id := idgen.Next(s.id)
	spec := s.opts.ChildTemplate.toSpec(id)
	spec.Args = args

	rc, err := s.spawnChild(spec, "")
	if err != nil {
		return "", err
	}
	s.appendChild(rc)
	s.bus.emit(Event{Kind: EventChildStarted, SupervisorID: s.id, ChildID: rc.ID, NodeID: rc.NodeID})
	return id, nil
}

// TerminateChild stops and removes a child permanently.
func (s *Supervisor) TerminateChild(childID string) error {
	err := ErrSupervisorStopped
	s.do(func() {
		err = s.doTerminateChild(childID)
	})
	return err
}

func (s *Supervisor) doTerminateChild(childID string) error {
	if s.phase != PhaseRunning {
		return ErrSupervisorStopped
	}
	idx := s.indexOf(childID)
	if idx < 0 {
		return &ChildNotFoundError{SupervisorID: s.id, ChildID: childID}
	}

	rc := s.children[idx]
	s.teardownChild(rc, "shutdown")
	s.removeChildAt(idx)
	s.bus.emit(Event{Kind: EventChildStopped, SupervisorID: s.id, ChildID: childID})
	s.evaluateAutoShutdown(rc.Spec.Significant)
	return nil
}

// RestartChild is the explicit, user-initiated restart: it never counts against restart
// intensity.
func (s *Supervisor) RestartChild(childID string) error {
	err := ErrSupervisorStopped
	s.do(func() {
		err = s.doRestartChild(childID)
	})
	return err
}

func (s *Supervisor) doRestartChild(childID string) error {
	if s.phase != PhaseRunning {
		return ErrSupervisorStopped
	}
	idx := s.indexOf(childID)
	if idx < 0 {
		return &ChildNotFoundError{SupervisorID: s.id, ChildID: childID}
	}

	old := s.children[idx]
	s.teardownChild(old, "restart")

	rc, err := s.spawnChild(old.Spec, "")
	if err != nil {
		s.removeChildAt(idx)
		return err
	}
	rc.RestartCount = old.RestartCount + 1
	rc.RestartTimestamps = append(old.RestartTimestamps, time.Now())
	s.children[idx] = rc
	s.childByID[childID] = rc
	s.totalRestarts++
	s.bus.emit(Event{Kind: EventChildRestarted, SupervisorID: s.id, ChildID: childID, NodeID: rc.NodeID, Attempt: rc.RestartCount})
	return nil
}

// GetChildren returns a snapshot of every currently running child, in table order.
func (s *Supervisor) GetChildren() []RunningChild {
	var out []RunningChild
	s.do(func() {
		out = make([]RunningChild, len(s.children))
		for i, c := range s.children {
			out[i] = *c
		}
	})
	return out
}

// GetChild returns a snapshot of one child, if present.
func (s *Supervisor) GetChild(childID string) (RunningChild, bool) {
	var rc RunningChild
	var ok bool
	s.do(func() {
		idx := s.indexOf(childID)
		if idx >= 0 {
			rc = *s.children[idx]
			ok = true
		}
	})
	return rc, ok
}

// CountChildren returns the number of children currently in the table.
func (s *Supervisor) CountChildren() int {
	var n int
	s.do(func() { n = len(s.children) })
	return n
}

// IsRunning reports whether the supervisor is in the running phase.
func (s *Supervisor) IsRunning() bool {
	var running bool
	s.do(func() { running = s.phase == PhaseRunning })
	return running
}

// GetStats returns the read-only stats snapshot.
func (s *Supervisor) GetStats() Stats {
	var st Stats
	s.do(func() {
		byNode := make(map[NodeID]int, len(s.children))
		for _, c := range s.children {
			byNode[c.NodeID]++
		}
		uptime := int64(0)
		if !s.startedAt.IsZero() {
			uptime = time.Since(s.startedAt).Milliseconds()
		}
		st = Stats{
			ID:                  s.id,
			Strategy:            s.opts.Strategy,
			ChildCount:          len(s.children),
			ChildrenByNode:      byNode,
			TotalRestarts:       s.totalRestarts,
			NodeFailureRestarts: s.nodeFailureRestarts,
			StartedAt:           s.startedAt,
			UptimeMs:            uptime,
		}
	})
	return st
}

// OnLifecycleEvent subscribes to this supervisor's event stream; the returned thunk unsubscribes.
func (s *Supervisor) OnLifecycleEvent(fn EventHandler) (unsub func()) {
	return s.bus.subscribe(fn)
}

// Stop transitions the supervisor to shutting_down, stops every child in reverse start order, and
// unregisters the supervisor's whole registry namespace. Idempotent: a second call returns
// immediately without emitting a second supervisor_stopped.
func (s *Supervisor) Stop() error {
	s.cancel()
	<-s.done
	return s.finalErr
}

// doStop runs once, from inside run(), when s.ctx is canceled for any reason (explicit Stop,
// restart-intensity breach, or auto-shutdown).
func (s *Supervisor) doStop() {
	s.phase = PhaseShuttingDown
	if s.unsubNodeDown != nil {
		s.unsubNodeDown()
	}

	for i := len(s.children) - 1; i >= 0; i-- {
		s.teardownChild(s.children[i], "shutdown")
	}
	s.children = nil
	s.childByID = make(map[string]*RunningChild)
	s.registry.UnregisterAllChildren(s.id)

	reason := s.pendingStopReason
	if reason == "" {
		reason = StopReasonNormal
	}
	s.finalErr = s.pendingStopErr

	s.bus.emit(Event{
		Kind:         EventSupervisorStopped,
		SupervisorID: s.id,
		StopReason:   reason,
		Reason:       s.pendingStopErr,
	})
	s.phase = PhaseStopped
}

// beginSelfStop requests the actor loop shut down on its own next iteration, used by the
// restart-intensity breach and auto-shutdown paths (crash.go).
func (s *Supervisor) beginSelfStop() {
	s.cancel()
}

// evaluateAutoShutdown implements the auto-shutdown rule.
func (s *Supervisor) evaluateAutoShutdown(significantDroppedThisRound bool) {
	switch s.opts.AutoShutdown {
	case AutoShutdownAnySignificant:
		if significantDroppedThisRound {
			s.pendingStopReason = StopReasonNormal
			s.beginSelfStop()
		}
	case AutoShutdownAllSignificant:
		if !s.everHadSignificant {
			return
		}
		for _, c := range s.children {
			if c.Spec.Significant {
				return
			}
		}
		s.pendingStopReason = StopReasonNormal
		s.beginSelfStop()
	}
}
