// Package metrics is a process-local counter registry rendered as plain
// text by the control API.
package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
)

var counters = xsync.NewMap[string, *atomic.Int64]()

// Inc bumps a counter by one.
func Inc(name string) {
	Add(name, 1)
}

// Add bumps a counter by delta.
func Add(name string, delta int64) {
	c, _ := counters.LoadOrStore(name, &atomic.Int64{})
	c.Add(delta)
}

// Value reads a counter; unknown names read zero.
func Value(name string) int64 {
	c, ok := counters.Load(name)
	if !ok {
		return 0
	}
	return c.Load()
}

// Render returns all counters as "name value" lines, sorted by name.
func Render() string {
	type kv struct {
		name  string
		value int64
	}
	var all []kv
	counters.Range(func(name string, c *atomic.Int64) bool {
		all = append(all, kv{name, c.Load()})
		return true
	})
	sort.Slice(all, func(i, j int) bool { return all[i].name < all[j].name })

	var sb strings.Builder
	for _, e := range all {
		fmt.Fprintf(&sb, "%s %d\n", e.name, e.value)
	}
	return sb.String()
}

// Reset clears every counter. Test hook.
func Reset() {
	counters.Clear()
}
