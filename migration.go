package dsup

// handleNodeDown implements node-failure migration. It is invoked from run() whenever the cluster
// transport reports an authoritative node-down event; the transport is trusted outright — dsup
// performs no quorum or split-brain resolution of its own.
func (s *Supervisor) handleNodeDown(nodeID NodeID, reason string) {
	if s.phase != PhaseRunning {
		return
	}

	var affected []string
	for _, c := range s.children {
		if c.NodeID == nodeID {
			affected = append(affected, c.ID)
		}
	}
	if len(affected) == 0 {
		return
	}

	s.logger.Warn().
		Str("trace_id", traceID()).
		Str("node_id", string(nodeID)).
		Strs("affected_children", affected).
		Msg("node failure detected")

	s.bus.emit(Event{
		Kind:             EventNodeFailureDetected,
		SupervisorID:     s.id,
		NodeID:           nodeID,
		AffectedChildren: affected,
	})

	// Each affected child is pushed through the standard crash path individually, with
	// excludedNode set so the Node Selector will not replay the node that just died. A strategy
	// wider than one_for_one (one_for_all, rest_for_one) will itself pull in any siblings on the
	// same call; restart intensity governs the whole cascade either way, which is the intended
	// backpressure against a node hosting more children than maxRestarts allows.
	for _, childID := range affected {
		if s.phase != PhaseRunning {
			return
		}
		// A one_for_all/rest_for_one restart triggered by an earlier id in this same batch may
		// already have swept this child up and respawned it elsewhere; only drive it through the
		// crash path again if it is still sitting on the node that just went down.
		rc, ok := s.childByID[childID]
		if !ok || rc.NodeID != nodeID {
			continue
		}
		s.handleDown(childID, nodeDownError(reason), true, nodeID)
	}
}
