// Package reconcile cross-references the array's volume listing against
// the cluster's in-use identifier set and classifies orphan candidates
// for deletion eligibility.
package reconcile

import (
	"sort"

	"kv-shepherd.io/storjanitor/internal/array"
	"kv-shepherd.io/storjanitor/internal/cluster"
)

// ComputeOrphans returns the array volumes whose normalized id is absent
// from the in-use set. Exact set difference, no fuzzy matching; output is
// sorted by id so runs are comparable regardless of page ordering.
func ComputeOrphans(volumes []array.Volume, inUse *cluster.InUseIndex) []array.Volume {
	seen := make(map[string]struct{}, len(volumes))
	var orphans []array.Volume
	for _, v := range volumes {
		if v.ID == "" {
			continue
		}
		id := cluster.NormalizeHandle(v.ID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if inUse.Contains(id) {
			continue
		}
		orphans = append(orphans, v)
	}

	sort.Slice(orphans, func(i, j int) bool { return orphans[i].ID < orphans[j].ID })
	return orphans
}
