// Package linkage links and unlinks templates to hosts, propagating every
// inheritable entity through the template forest, and deletes hosts.
package linkage

import (
	"context"
	"fmt"
	"sort"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// Edge is one template to host link.
type Edge struct {
	TemplateID int64
	HostID     int64
}

// Graph is an in-memory copy of hosts_templates.
type Graph struct {
	parents  map[int64][]int64
	children map[int64][]int64
}

// NewGraph builds a graph from link rows.
func NewGraph(links []db.TemplateLink) *Graph {
	g := &Graph{
		parents:  make(map[int64][]int64),
		children: make(map[int64][]int64),
	}
	for _, l := range links {
		g.Add(l.TemplateID, l.HostID)
	}
	return g
}

// LoadGraph reads every link visible to tx.
func LoadGraph(ctx context.Context, tx *db.Tx) (*Graph, error) {
	links, err := tx.AllTemplateLinks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load linkage graph: %w", err)
	}
	return NewGraph(links), nil
}

// Add records that hostID is linked to templateID. Adding a known edge is a no-op.
func (g *Graph) Add(templateID, hostID int64) {
	for _, id := range g.parents[hostID] {
		if id == templateID {
			return
		}
	}
	g.parents[hostID] = append(g.parents[hostID], templateID)
	g.children[templateID] = append(g.children[templateID], hostID)
}

// Remove drops the edge between templateID and hostID.
func (g *Graph) Remove(templateID, hostID int64) {
	g.parents[hostID] = without(g.parents[hostID], templateID)
	g.children[templateID] = without(g.children[templateID], hostID)
}

func without(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Parents returns the templates hostID is linked to.
func (g *Graph) Parents(hostID int64) []int64 {
	return append([]int64(nil), g.parents[hostID]...)
}

// Children returns the hosts linked to templateID.
func (g *Graph) Children(templateID int64) []int64 {
	return append([]int64(nil), g.children[templateID]...)
}

// TemplateIDsOf makes the graph usable as a ParentLookup.
func (g *Graph) TemplateIDsOf(_ context.Context, hostID int64) ([]int64, error) {
	return g.Parents(hostID), nil
}

// Descendants returns every host below roots, roots excluded, in BFS order.
func (g *Graph) Descendants(roots []int64, maxDepth int) ([]int64, error) {
	seen := make(map[int64]bool, len(roots))
	for _, id := range roots {
		seen[id] = true
	}
	var out []int64
	level := roots
	for depth := 0; len(level) > 0; depth++ {
		if depth >= maxDepth {
			return nil, apierr.Internal(nil, "Template nesting exceeds the maximum depth of %d.", maxDepth)
		}
		var next []int64
		for _, id := range level {
			for _, child := range g.children[id] {
				if seen[child] {
					continue
				}
				seen[child] = true
				out = append(out, child)
				next = append(next, child)
			}
		}
		level = next
	}
	return out, nil
}

// PropagationOrder returns every edge below roots such that all edges into a
// host come before the edges out of it.
func (g *Graph) PropagationOrder(roots []int64, maxDepth int) ([]Edge, error) {
	below, err := g.Descendants(roots, maxDepth)
	if err != nil {
		return nil, err
	}
	nodes := make(map[int64]bool, len(roots)+len(below))
	for _, id := range roots {
		nodes[id] = true
	}
	for _, id := range below {
		nodes[id] = true
	}

	// in-degree counts only edges coming from inside the subgraph
	indegree := make(map[int64]int, len(nodes))
	for id := range nodes {
		for _, parent := range g.parents[id] {
			if nodes[parent] {
				indegree[id]++
			}
		}
	}
	var ready []int64
	for id := range nodes {
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	var edges []Edge
	visited := 0
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		visited++
		children := g.Children(id)
		sort.Slice(children, func(i, j int) bool { return children[i] < children[j] })
		for _, child := range children {
			if !nodes[child] {
				continue
			}
			edges = append(edges, Edge{TemplateID: id, HostID: child})
			indegree[child]--
			if indegree[child] == 0 {
				ready = append(ready, child)
			}
		}
	}
	if visited != len(nodes) {
		return nil, apierr.Internal(nil, "Template links below hosts %v form a cycle.", roots)
	}
	return edges, nil
}
