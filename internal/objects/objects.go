// Package objects implements the per-kind object API: get, create, update,
// delete and template sync for every inheritable entity. Creation and update
// propagate down the template forest; deletion cascades to inherited copies.
//
// Every method runs inside the caller's transaction.
package objects

import (
	"context"
	"fmt"
	"sort"

	"github.com/sloppy/tplsync/internal/audit"
	"github.com/sloppy/tplsync/internal/db"
)

// DefaultMaxDepth bounds inheritance walks when none is configured.
const DefaultMaxDepth = 32

// API groups the propagators of every entity kind.
type API struct {
	Hosts          *Hosts
	Applications   *Applications
	Items          *Items
	Triggers       *Triggers
	Graphs         *Graphs
	HostPrototypes *HostPrototypes
	WebScenarios   *WebScenarios

	maxDepth int
}

// New wires the propagators. maxDepth <= 0 selects DefaultMaxDepth.
func New(maxDepth int) *API {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	a := &API{maxDepth: maxDepth}
	a.Hosts = &Hosts{api: a}
	a.Applications = &Applications{api: a}
	a.Items = &Items{api: a}
	a.Triggers = &Triggers{api: a}
	a.Graphs = &Graphs{api: a}
	a.HostPrototypes = &HostPrototypes{api: a}
	a.WebScenarios = &WebScenarios{api: a}
	return a
}

// MaxDepth is the configured inheritance depth limit.
func (a *API) MaxDepth() int { return a.maxDepth }

type edge struct {
	parent, child int64
}

// hostEdges returns the template links below rootID, breadth first, each child
// reached once through its first parent.
func (a *API) hostEdges(ctx context.Context, tx *db.Tx, rootID int64) ([]edge, error) {
	seen := map[int64]bool{rootID: true}
	level := []int64{rootID}
	var out []edge
	for depth := 0; len(level) > 0; depth++ {
		if depth >= a.maxDepth {
			return nil, fmt.Errorf("template nesting deeper than %d levels below host %d", a.maxDepth, rootID)
		}
		var next []int64
		for _, parent := range level {
			children, err := tx.HostIDsLinkedTo(ctx, []int64{parent})
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				if seen[child] {
					continue
				}
				seen[child] = true
				out = append(out, edge{parent: parent, child: child})
				next = append(next, child)
			}
		}
		level = next
	}
	return out, nil
}

// propagate copies the entity rootID owned by ownerID to every host below the
// owner. inherit receives the parent-side copy and a target host and returns
// the id of the copy it wrote, or 0 when the target was skipped.
func (a *API) propagate(ctx context.Context, tx *db.Tx, ownerID, rootID int64, inherit func(parentID, hostID int64) (int64, error)) error {
	edges, err := a.hostEdges(ctx, tx, ownerID)
	if err != nil {
		return err
	}
	copies := map[int64]int64{ownerID: rootID}
	for _, e := range edges {
		parentID, ok := copies[e.parent]
		if !ok || parentID == 0 {
			continue
		}
		childID, err := inherit(parentID, e.child)
		if err != nil {
			return err
		}
		copies[e.child] = childID
	}
	return nil
}

// cascade walks the inherited copies of rootID breadth first and calls update
// with each parent and the child to refresh from it.
func (a *API) cascade(ctx context.Context, tx *db.Tx, kind db.EntityKind, rootID int64, update func(parentID, childID int64) error) error {
	level := []int64{rootID}
	seen := map[int64]bool{rootID: true}
	for depth := 0; len(level) > 0; depth++ {
		if depth >= a.maxDepth {
			return fmt.Errorf("%s inheritance deeper than %d levels", kind, a.maxDepth)
		}
		var next []int64
		for _, parentID := range level {
			children, err := childIDs(ctx, tx, kind, []int64{parentID})
			if err != nil {
				return err
			}
			for _, childID := range children {
				if seen[childID] {
					continue
				}
				seen[childID] = true
				if err := update(parentID, childID); err != nil {
					return err
				}
				next = append(next, childID)
			}
		}
		level = next
	}
	return nil
}

// childIDs returns the direct inherited copies of parentIDs. Applications
// are also inherited through their template link rows.
func childIDs(ctx context.Context, tx *db.Tx, kind db.EntityKind, parentIDs []int64) ([]int64, error) {
	if kind == db.KindApplication {
		return tx.ChildApplicationIDs(ctx, parentIDs)
	}
	return tx.ChildIDs(ctx, kind, parentIDs)
}

// withDescendants returns ids followed by every inherited copy of them.
func (a *API) withDescendants(ctx context.Context, tx *db.Tx, kind db.EntityKind, ids []int64) ([]int64, error) {
	if kind != db.KindApplication {
		desc, err := tx.DescendantIDs(ctx, kind, ids, a.maxDepth)
		if err != nil {
			return nil, err
		}
		return append(append([]int64(nil), ids...), desc...), nil
	}
	out := append([]int64(nil), ids...)
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	level := ids
	for depth := 0; len(level) > 0; depth++ {
		if depth >= a.maxDepth {
			return nil, fmt.Errorf("%s inheritance deeper than %d levels", kind, a.maxDepth)
		}
		children, err := tx.ChildApplicationIDs(ctx, level)
		if err != nil {
			return nil, err
		}
		level = nil
		for _, id := range children {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
				level = append(level, id)
			}
		}
	}
	return out, nil
}

func hostName(ctx context.Context, tx *db.Tx, hostID int64) (string, error) {
	names, err := tx.HostNames(ctx, []int64{hostID})
	if err != nil {
		return "", err
	}
	if name, ok := names[hostID]; ok {
		return name, nil
	}
	return fmt.Sprintf("#%d", hostID), nil
}

// notifyDeleted emits one confirmation per removed entity.
func notifyDeleted(ctx context.Context, tx *db.Tx, kind db.EntityKind, names map[int64]string, hosts map[int64]int64) error {
	hostIDs := make([]int64, 0, len(hosts))
	for _, h := range hosts {
		hostIDs = append(hostIDs, h)
	}
	hostNames, err := tx.HostNames(ctx, hostIDs)
	if err != nil {
		return err
	}
	for _, id := range sortedKeys(names) {
		audit.Notify(ctx, "Deleted: %s \"%s\" on \"%s\".", kind, names[id], hostNames[hosts[id]])
	}
	return nil
}

func sortedKeys(m map[int64]string) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
