package db

import (
	"context"
	"database/sql"
	"fmt"
)

const graphColumns = `g.graphid, g.name, g.width, g.height, g.ymin_itemid, g.ymax_itemid, g.templateid, g.flags,
	COALESCE((SELECT i.hostid FROM graphs_items gi JOIN items i ON i.itemid = gi.itemid
	          WHERE gi.graphid = g.graphid ORDER BY gi.sortorder, gi.gitemid LIMIT 1), 0)`

// GraphFilter selects graphs and graph prototypes. Nil fields do not filter.
type GraphFilter struct {
	IDs []int64
	// HostIDs keeps graphs with an item of any of the hosts.
	HostIDs []int64
	// ItemIDs keeps graphs drawing any of the items.
	ItemIDs     []int64
	Flags       []Flag
	TemplateIDs []int64
	Names       []string
	Inherited   bool
}

func scanGraph(rows interface{ Scan(...any) error }) (Graph, error) {
	var g Graph
	err := rows.Scan(&g.ID, &g.Name, &g.Width, &g.Height, &g.YMinItemID, &g.YMaxItemID, &g.TemplateID, &g.Flags, &g.HostID)
	return g, err
}

// Graphs returns graphs matching f ordered by name.
func (tx *Tx) Graphs(ctx context.Context, f GraphFilter) ([]Graph, error) {
	w := where{}
	w.in("g.graphid", f.IDs)
	w.inSelect("g.graphid", "SELECT gi.graphid FROM graphs_items gi JOIN items i ON i.itemid = gi.itemid WHERE i.hostid", f.HostIDs)
	w.inSelect("g.graphid", "SELECT graphid FROM graphs_items WHERE itemid", f.ItemIDs)
	w.in("g.flags", flagIDs(f.Flags))
	w.in("g.templateid", f.TemplateIDs)
	w.inStrings("g.name", f.Names)
	if f.Inherited {
		w.raw("g.templateid <> 0")
	}
	graphs, err := queryRows(ctx, tx, `SELECT `+graphColumns+` FROM graphs g`+w.String()+` ORDER BY g.name, g.graphid`, w.args,
		func(rows *sql.Rows) (Graph, error) { return scanGraph(rows) })
	if err != nil {
		return nil, fmt.Errorf("list graphs: %w", err)
	}
	return graphs, nil
}

// InsertGraph creates a graph row. Graph items are added separately.
func (tx *Tx) InsertGraph(ctx context.Context, g Graph) (Graph, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO graphs (name, width, height, ymin_itemid, ymax_itemid, templateid, flags)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING graphid`,
		g.Name, g.Width, g.Height, g.YMinItemID, g.YMaxItemID, g.TemplateID, g.Flags,
	).Scan(&g.ID)
	if err != nil {
		return Graph{}, fmt.Errorf("insert graph: %w", err)
	}
	return g, nil
}

// UpdateGraph rewrites the mutable columns of a graph.
func (tx *Tx) UpdateGraph(ctx context.Context, g Graph) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE graphs SET name = ?, width = ?, height = ?, ymin_itemid = ?, ymax_itemid = ?, templateid = ?
		 WHERE graphid = ?`,
		g.Name, g.Width, g.Height, g.YMinItemID, g.YMaxItemID, g.TemplateID, g.ID,
	)
	if err != nil {
		return fmt.Errorf("update graph: %w", err)
	}
	return nil
}

// DeleteGraphs removes graphs and their graph items.
func (tx *Tx) DeleteGraphs(ctx context.Context, ids []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM graphs`, "graphid", ids); err != nil {
		return fmt.Errorf("delete graphs: %w", err)
	}
	return nil
}

// GraphItems returns the items of graphIDs in draw order.
func (tx *Tx) GraphItems(ctx context.Context, graphIDs []int64) ([]GraphItem, error) {
	w := where{}
	w.in("graphid", graphIDs)
	items, err := queryRows(ctx, tx,
		`SELECT gitemid, graphid, itemid, color, sortorder FROM graphs_items`+w.String()+` ORDER BY graphid, sortorder, gitemid`, w.args,
		func(rows *sql.Rows) (GraphItem, error) {
			var gi GraphItem
			err := rows.Scan(&gi.ID, &gi.GraphID, &gi.ItemID, &gi.Color, &gi.SortOrder)
			return gi, err
		})
	if err != nil {
		return nil, fmt.Errorf("list graph items: %w", err)
	}
	return items, nil
}

// InsertGraphItem adds one series to a graph.
func (tx *Tx) InsertGraphItem(ctx context.Context, gi GraphItem) (GraphItem, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO graphs_items (graphid, itemid, color, sortorder) VALUES (?, ?, ?, ?) RETURNING gitemid`,
		gi.GraphID, gi.ItemID, gi.Color, gi.SortOrder,
	).Scan(&gi.ID)
	if err != nil {
		return GraphItem{}, fmt.Errorf("insert graph item: %w", err)
	}
	return gi, nil
}

// DeleteGraphItemsOf removes every series of graphID.
func (tx *Tx) DeleteGraphItemsOf(ctx context.Context, graphID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM graphs_items WHERE graphid = ?`, graphID); err != nil {
		return fmt.Errorf("delete graph items: %w", err)
	}
	return nil
}

// EmptyGraphIDs returns those of graphIDs that have no graph items left.
func (tx *Tx) EmptyGraphIDs(ctx context.Context, graphIDs []int64) ([]int64, error) {
	if len(graphIDs) == 0 {
		return nil, nil
	}
	w := where{}
	w.in("g.graphid", graphIDs)
	w.raw("NOT EXISTS (SELECT 1 FROM graphs_items gi WHERE gi.graphid = g.graphid)")
	ids, err := tx.int64s(ctx, `SELECT g.graphid FROM graphs g`+w.String()+` ORDER BY g.graphid`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("empty graphs: %w", err)
	}
	return ids, nil
}

// ResetGraphAxisItems clears Y axis references to itemIDs.
func (tx *Tx) ResetGraphAxisItems(ctx context.Context, itemIDs []int64) error {
	if len(itemIDs) == 0 {
		return nil
	}
	if _, err := tx.execIn(ctx, `UPDATE graphs SET ymin_itemid = 0`, "ymin_itemid", itemIDs); err != nil {
		return fmt.Errorf("reset graph ymin: %w", err)
	}
	if _, err := tx.execIn(ctx, `UPDATE graphs SET ymax_itemid = 0`, "ymax_itemid", itemIDs); err != nil {
		return fmt.Errorf("reset graph ymax: %w", err)
	}
	return nil
}
