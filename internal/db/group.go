package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Groups returns groups by id, or all groups when ids is nil.
func (tx *Tx) Groups(ctx context.Context, ids []int64) ([]Group, error) {
	w := where{}
	w.in("groupid", ids)
	groups, err := queryRows(ctx, tx, `SELECT groupid, name FROM hstgrp`+w.String()+` ORDER BY name`, w.args,
		func(rows *sql.Rows) (Group, error) {
			var g Group
			err := rows.Scan(&g.ID, &g.Name)
			return g, err
		})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// GroupByName fetches a group by name.
func (tx *Tx) GroupByName(ctx context.Context, name string) (Group, bool, error) {
	var g Group
	err := tx.QueryRowContext(ctx, `SELECT groupid, name FROM hstgrp WHERE name = ?`, name).Scan(&g.ID, &g.Name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Group{}, false, nil
		}
		return Group{}, false, fmt.Errorf("get group: %w", err)
	}
	return g, true, nil
}

// EnsureGroup returns the group named name, creating it if needed.
func (tx *Tx) EnsureGroup(ctx context.Context, name string) (Group, error) {
	var g Group
	err := tx.QueryRowContext(ctx,
		`INSERT INTO hstgrp (name) VALUES (?)
		 ON CONFLICT(name) DO UPDATE SET name = excluded.name
		 RETURNING groupid, name`,
		name,
	).Scan(&g.ID, &g.Name)
	if err != nil {
		return Group{}, fmt.Errorf("ensure group: %w", err)
	}
	return g, nil
}

// AddHostGroups puts hostID into every group, skipping existing memberships.
func (tx *Tx) AddHostGroups(ctx context.Context, hostID int64, groupIDs []int64) error {
	for _, groupID := range groupIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hosts_groups (hostid, groupid) VALUES (?, ?) ON CONFLICT(hostid, groupid) DO NOTHING`,
			hostID, groupID,
		); err != nil {
			return fmt.Errorf("add host group: %w", err)
		}
	}
	return nil
}

// GroupIDsOf returns the groups hostID belongs to.
func (tx *Tx) GroupIDsOf(ctx context.Context, hostID int64) ([]int64, error) {
	ids, err := tx.int64s(ctx, `SELECT groupid FROM hosts_groups WHERE hostid = ? ORDER BY groupid`, hostID)
	if err != nil {
		return nil, fmt.Errorf("host groups: %w", err)
	}
	return ids, nil
}

// DeleteHostGroups removes the memberships of hostID and returns the groups it was in.
func (tx *Tx) DeleteHostGroups(ctx context.Context, hostID int64) ([]int64, error) {
	groupIDs, err := tx.GroupIDsOf(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM hosts_groups WHERE hostid = ?`, hostID); err != nil {
		return nil, fmt.Errorf("delete host groups: %w", err)
	}
	return groupIDs, nil
}

// DeleteEmptyGroups deletes those of groupIDs that no host belongs to any more,
// together with their map elements, and returns the deleted groups.
func (tx *Tx) DeleteEmptyGroups(ctx context.Context, groupIDs []int64) ([]Group, error) {
	if len(groupIDs) == 0 {
		return nil, nil
	}
	w := where{}
	w.in("groupid", groupIDs)
	w.raw("NOT EXISTS (SELECT 1 FROM hosts_groups hg WHERE hg.groupid = hstgrp.groupid)")
	empty, err := queryRows(ctx, tx, `SELECT groupid, name FROM hstgrp`+w.String()+` ORDER BY groupid`, w.args,
		func(rows *sql.Rows) (Group, error) {
			var g Group
			err := rows.Scan(&g.ID, &g.Name)
			return g, err
		})
	if err != nil {
		return nil, fmt.Errorf("find empty groups: %w", err)
	}
	if len(empty) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(empty))
	for i, g := range empty {
		ids[i] = g.ID
	}
	if err := tx.DeleteMapElements(ctx, MapElementGroup, ids); err != nil {
		return nil, err
	}
	if _, err := tx.execIn(ctx, `DELETE FROM hstgrp`, "groupid", ids); err != nil {
		return nil, fmt.Errorf("delete groups: %w", err)
	}
	return empty, nil
}
