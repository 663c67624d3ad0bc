package dsup

import (
	"context"
	"time"
)

// restartPlan captures what spawnChild needs to revive one affected child, and what happened to
// it before teardown, frozen at the moment handleDown tears the child table apart so the
// subsequent restart pass doesn't need to re-read state that no longer exists.
type restartPlan struct {
	spec      ChildSpec
	restart   bool
	claimLost bool
	reason    error
	oldNode   NodeID
	oldCount  int
	oldStamps []time.Time
}

// claimForRestart is the only place a restart acquires the right to revive a child: it paces
// claim attempts through claimLimiter (bounding how hard a node-failure burst hammers the
// registry) and then calls TryClaimChild, the atomic primitive that guarantees exactly one
// supervisor instance revives a given child even if a peer instance sharing this supervisor's id
// is racing to do the same thing against the same cluster-wide registry. In the common
// single-instance deployment this always succeeds; it exists to make a warm-standby or
// split-brain-recovering topology safe without changing the local code path at all.
func (s *Supervisor) claimForRestart(childID string) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.SpawnTimeout)
	defer cancel()
	if err := s.claimLimiter.Wait(ctx); err != nil {
		return false
	}
	return s.registry.TryClaimChild(s.id, childID)
}

// handleChildDown is the entry point for the crash-handling path, invoked from run() whenever the
// Remote Monitor Adapter reports a child gone for any reason. A remote child's monitor and the
// supervisor's own node-down subscription can both observe the same underlying node failure;
// comparing against the table's current ref discards whichever signal arrives second, after the
// other has already revived or dropped the child.
func (s *Supervisor) handleChildDown(ev downEvent) {
	if rc, ok := s.childByID[ev.ChildID]; !ok || rc.Ref != ev.Ref {
		return
	}
	if ev.NodeDown {
		// A monitor that saw the node go down runs the full node-failure path, so
		// node_failure_detected is emitted whichever of the two signals arrives first.
		reason := ""
		if nd, ok := ev.Reason.(*nodeDownReason); ok {
			reason = nd.reason
		}
		s.handleNodeDown(ev.DownNodeID, reason)
		return
	}
	s.handleDown(ev.ChildID, ev.Reason, ev.NodeDown, ev.DownNodeID)
}

// handleDown runs the full crash-handling sequence for one triggering child: tear down every
// affected child, decide which get restarted, and restart them. childID is the child whose
// monitor fired; reason is its exit reason (nil for a normal exit); nodeDown/downNode identify a
// node-failure trigger so the restart pass can pass an excludedNode to the Node Selector.
func (s *Supervisor) handleDown(childID string, reason error, nodeDown bool, downNode NodeID) {
	if s.phase != PhaseRunning {
		return
	}
	if s.indexOf(childID) < 0 {
		return
	}

	affectedIDs := s.affectedChildren(childID)
	plansByID := make(map[string]restartPlan, len(affectedIDs))

	// Tear every affected child down, in reverse start order, before restarting any of them in
	// forward order: monitors are detached and registrations released before the table changes,
	// so a teardown can never self-deliver a spurious crash event for a child already on its way
	// out.
	for i := len(affectedIDs) - 1; i >= 0; i-- {
		id := affectedIDs[i]
		idx := s.indexOf(id)
		if idx < 0 {
			continue
		}
		rc := s.children[idx]

		// Only the child that actually triggered this crash carries the real exit reason;
		// siblings swept up by one_for_all/rest_for_one are being stopped by the supervisor
		// itself, which is a normal shutdown from their own point of view.
		r := error(nil)
		if id == childID {
			r = reason
			rc.LastExitReason = reason
		}

		restart := shouldRestartChild(rc.Spec.Restart, r)
		claimLost := false
		if restart {
			if !s.claimForRestart(id) {
				restart = false
				claimLost = true
			}
		}

		plansByID[id] = restartPlan{
			spec:      rc.Spec,
			restart:   restart,
			claimLost: claimLost,
			reason:    r,
			oldNode:   rc.NodeID,
			oldCount:  rc.RestartCount,
			oldStamps: rc.RestartTimestamps,
		}

		reasonLabel := "sibling_restart"
		switch {
		case id == childID && nodeDown:
			reasonLabel = "node_down"
		case id == childID:
			reasonLabel = "crashed"
		}
		s.teardownChild(rc, reasonLabel)
		s.removeChildAt(idx)
	}

	droppedSignificant := false
	excluded := NodeID("")
	if nodeDown {
		excluded = downNode
	}

	for _, id := range affectedIDs {
		p, ok := plansByID[id]
		if !ok {
			continue
		}
		if !p.restart {
			s.registry.UnregisterChild(s.id, p.spec.ID)
			reason := p.reason
			if p.claimLost {
				// A lost claim race means another supervisor instance already revived this
				// child; treated as already-handled, not as a dropped child.
				reason = &ChildClaimError{SupervisorID: s.id, ChildID: p.spec.ID, OwnerSupervisorID: "unknown"}
			}
			s.bus.emit(Event{Kind: EventChildStopped, SupervisorID: s.id, ChildID: p.spec.ID, Reason: reason})
			if p.spec.Significant && !p.claimLost {
				droppedSignificant = true
			}
			continue
		}

		if s.intensityBreached() {
			s.failOnIntensity()
			return
		}

		delayCtx := RestartContext{ChildID: p.spec.ID, Restarts: p.oldCount, NodeDown: nodeDown, PreviousNode: p.oldNode}
		if delay := s.backoff.ComputeDelay(delayCtx); delay > 0 {
			time.Sleep(delay)
		}

		rc, err := s.spawnChild(p.spec, excluded)
		if err != nil {
			// The failed attempt has already counted against intensity above; the child is
			// dropped rather than retried, so a failing peer node cannot drive an infinite
			// respawn loop.
			s.logger.Warn().Str("child_id", p.spec.ID).Err(err).Msg("restart spawn failed")
			s.bus.emit(Event{Kind: EventChildStopped, SupervisorID: s.id, ChildID: p.spec.ID, Reason: err})
			continue
		}

		rc.RestartCount = p.oldCount + 1
		rc.RestartTimestamps = append(p.oldStamps, time.Now())
		rc.LastExitReason = p.reason
		s.appendChild(rc)

		s.totalRestarts++
		if nodeDown {
			s.nodeFailureRestarts++
		}

		if rc.NodeID != p.oldNode {
			s.bus.emit(Event{Kind: EventChildMigrated, SupervisorID: s.id, ChildID: rc.ID, FromNode: p.oldNode, ToNode: rc.NodeID})
		} else {
			s.bus.emit(Event{Kind: EventChildRestarted, SupervisorID: s.id, ChildID: rc.ID, NodeID: rc.NodeID, Attempt: rc.RestartCount})
		}
	}

	s.evaluateAutoShutdown(droppedSignificant)
}

// intensityBreached appends "now" to the supervisor-wide restart history, prunes entries older
// than RestartIntensity.WithinMs, and reports whether the result exceeds MaxRestarts. Only
// automatic restarts ever call this; RestartChild is explicit and never touches
// s.restartTimestamps.
func (s *Supervisor) intensityBreached() bool {
	now := time.Now()
	s.restartTimestamps = append(s.restartTimestamps, now)

	cutoff := now.Add(-s.opts.RestartIntensity.WithinMs)
	pruned := s.restartTimestamps[:0]
	for _, t := range s.restartTimestamps {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	s.restartTimestamps = pruned

	return len(s.restartTimestamps) > s.opts.RestartIntensity.MaxRestarts
}

// failOnIntensity is the fatal branch reached when the supervisor cannot keep up with its own
// restart policy: it tears itself down rather than loop forever.
func (s *Supervisor) failOnIntensity() {
	err := &MaxRestartsExceededError{
		SupervisorID: s.id,
		MaxRestarts:  s.opts.RestartIntensity.MaxRestarts,
		WithinMs:     s.opts.RestartIntensity.WithinMs,
	}
	s.logger.Error().Err(err).Msg("restart intensity exceeded")
	s.pendingStopReason = StopReasonMaxRestartsExceeded
	s.pendingStopErr = err
	s.beginSelfStop()
}
