package linkage

import (
	"context"

	"github.com/sloppy/tplsync/internal/apierr"
)

// ParentLookup returns the templates directly linked to a host. Both *Graph
// and *db.Tx satisfy it.
type ParentLookup interface {
	TemplateIDsOf(ctx context.Context, hostID int64) ([]int64, error)
}

// WouldCreateCycle reports whether linking the candidate templates to hostID
// would make hostID its own ancestor.
func WouldCreateCycle(ctx context.Context, lookup ParentLookup, hostID int64, candidates map[int64]string, maxDepth int) (bool, error) {
	if len(candidates) == 0 {
		return false, nil
	}
	if _, ok := candidates[hostID]; ok {
		return true, nil
	}
	seen := make(map[int64]bool, len(candidates))
	level := make([]int64, 0, len(candidates))
	for id := range candidates {
		seen[id] = true
		level = append(level, id)
	}
	for depth := 0; len(level) > 0; depth++ {
		if depth >= maxDepth {
			return false, apierr.Internal(nil, "Template nesting exceeds the maximum depth of %d.", maxDepth)
		}
		var next []int64
		for _, id := range level {
			parents, err := lookup.TemplateIDsOf(ctx, id)
			if err != nil {
				return false, err
			}
			for _, parent := range parents {
				if parent == hostID {
					return true, nil
				}
				if seen[parent] {
					continue
				}
				seen[parent] = true
				next = append(next, parent)
			}
		}
		level = next
	}
	return false, nil
}
