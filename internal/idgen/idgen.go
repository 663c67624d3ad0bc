// Package idgen generates the identifier format used throughout dsup:
// "<prefix>_<monotonic>_<base36 timestamp>". The monotonic component guarantees uniqueness within
// a process even when two ids are generated within the same clock tick; it carries no ordering
// meaning across processes.
package idgen

import (
	"strconv"
	"sync/atomic"
	"time"
)

var counter atomic.Uint64

// Next returns a fresh id with the given prefix, e.g. Next("dsup") or Next("worker").
func Next(prefix string) string {
	n := counter.Add(1)
	ts := strconv.FormatInt(time.Now().UnixNano(), 36)
	return prefix + "_" + strconv.FormatUint(n, 10) + "_" + ts
}
