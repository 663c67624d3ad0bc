package dsup

import "strings"

const registryPrefix = "dsup"

// ChildRegistryEntry is the result of a registry lookup.
type ChildRegistryEntry struct {
	Exists       bool
	NodeID       NodeID
	Ref          ServerRef
	SupervisorID string
}

// ChildRegistry maps (supervisorID, childID) pairs to the currently-running server handle,
// cluster-wide, and supports a race-free ownership handoff during restart. Implementations must
// guarantee that two concurrent TryClaimChild calls with the same arguments produce exactly one
// true and one false — this is the only primitive a Supervisor uses before a restart to
// guarantee that exactly one supervisor revives a given child.
type ChildRegistry interface {
	// RegisterChild binds the key; fails if already bound to a different ref. Idempotent for
	// identical re-bindings.
	RegisterChild(supervisorID, childID string, ref ServerRef, nodeID NodeID) error
	// UnregisterChild removes the binding; a no-op if absent.
	UnregisterChild(supervisorID, childID string)
	// IsChildRegistered reports the current binding, if any.
	IsChildRegistered(supervisorID, childID string) ChildRegistryEntry
	// TryClaimChild atomically removes the binding iff it exists under the given supervisor's
	// namespace. Returns true on success, false if absent or owned by a different supervisor.
	TryClaimChild(supervisorID, childID string) bool
	// GetChildrenForSupervisor enumerates child ids registered under a supervisor's namespace.
	GetChildrenForSupervisor(supervisorID string) []string
	// UnregisterAllChildren batch-removes every child registered under a supervisor's namespace.
	UnregisterAllChildren(supervisorID string)
}

// registryKey formats the normative "dsup:<supervisorId>:<childId>" key. Supervisor ids must not
// contain ':' (checked by validateOptions when a Supervisor starts); this keeps the parser
// below unambiguous without needing to escape anything.
func registryKey(supervisorID, childID string) string {
	var b strings.Builder
	b.Grow(len(registryPrefix) + len(supervisorID) + len(childID) + 2)
	b.WriteString(registryPrefix)
	b.WriteByte(':')
	b.WriteString(supervisorID)
	b.WriteByte(':')
	b.WriteString(childID)
	return b.String()
}

// parseRegistryKey splits a registry key into its fixed first two segments and the remainder,
// tolerant of ':' inside childID: only the first two colon-delimited segments are fixed.
func parseRegistryKey(key string) (supervisorID, childID string, ok bool) {
	if !strings.HasPrefix(key, registryPrefix+":") {
		return "", "", false
	}
	rest := key[len(registryPrefix)+1:]
	idx := strings.IndexByte(rest, ':')
	if idx < 0 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
