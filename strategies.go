package dsup

// affectedChildren returns, in table order, the ids affected by the crash of childID under the
// supervisor's active strategy: just the child itself for OneForOne and SimpleOneForOne, every
// child for OneForAll, and childID plus everything that started after it for RestForOne. The
// returned order is always start order; callers that need to stop in reverse order do so
// themselves.
func (s *Supervisor) affectedChildren(childID string) []string {
	switch s.opts.Strategy {
	case OneForAll:
		ids := make([]string, len(s.children))
		for i, c := range s.children {
			ids[i] = c.ID
		}
		return ids
	case RestForOne:
		idx := s.indexOf(childID)
		if idx < 0 {
			return nil
		}
		ids := make([]string, 0, len(s.children)-idx)
		for _, c := range s.children[idx:] {
			ids = append(ids, c.ID)
		}
		return ids
	default: // OneForOne, SimpleOneForOne
		return []string{childID}
	}
}

// shouldRestartChild applies a child's restart policy against its exit reason: permanent always
// restarts, transient only on an abnormal exit (a non-nil reason; a node-down exit always counts
// as abnormal), temporary never restarts.
func shouldRestartChild(restart RestartType, reason error) bool {
	switch restart {
	case Permanent:
		return true
	case Transient:
		return reason != nil
	case Temporary:
		return false
	default:
		return false
	}
}
