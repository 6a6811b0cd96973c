package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveInventory inserts or replaces the profile of a host.
func (tx *Tx) SaveInventory(ctx context.Context, inv Inventory) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO host_inventory (hostid, os, location, notes) VALUES (?, ?, ?, ?)
		 ON CONFLICT(hostid) DO UPDATE SET os = excluded.os, location = excluded.location, notes = excluded.notes`,
		inv.HostID, inv.OS, inv.Location, inv.Notes,
	)
	if err != nil {
		return fmt.Errorf("save inventory: %w", err)
	}
	return nil
}

// InventoryOf fetches the profile of hostID.
func (tx *Tx) InventoryOf(ctx context.Context, hostID int64) (Inventory, bool, error) {
	var inv Inventory
	err := tx.QueryRowContext(ctx,
		`SELECT hostid, os, location, notes FROM host_inventory WHERE hostid = ?`, hostID,
	).Scan(&inv.HostID, &inv.OS, &inv.Location, &inv.Notes)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Inventory{}, false, nil
		}
		return Inventory{}, false, fmt.Errorf("get inventory: %w", err)
	}
	return inv, true, nil
}

// DeleteInventory removes the profile of hostID.
func (tx *Tx) DeleteInventory(ctx context.Context, hostID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM host_inventory WHERE hostid = ?`, hostID); err != nil {
		return fmt.Errorf("delete inventory: %w", err)
	}
	return nil
}

// InsertMapElement places an element on a map.
func (tx *Tx) InsertMapElement(ctx context.Context, e MapElement) (MapElement, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO sysmaps_elements (sysmapid, elementid, elementtype, label) VALUES (?, ?, ?, ?) RETURNING selementid`,
		e.MapID, e.ElementID, e.ElementType, e.Label,
	).Scan(&e.ID)
	if err != nil {
		return MapElement{}, fmt.Errorf("insert map element: %w", err)
	}
	return e, nil
}

// MapElements returns the map elements of the given type pointing at elementIDs.
func (tx *Tx) MapElements(ctx context.Context, elementType MapElementType, elementIDs []int64) ([]MapElement, error) {
	w := where{}
	w.eq("elementtype", elementType)
	w.in("elementid", elementIDs)
	out, err := queryRows(ctx, tx,
		`SELECT selementid, sysmapid, elementid, elementtype, label FROM sysmaps_elements`+w.String()+` ORDER BY selementid`, w.args,
		func(rows *sql.Rows) (MapElement, error) {
			var e MapElement
			err := rows.Scan(&e.ID, &e.MapID, &e.ElementID, &e.ElementType, &e.Label)
			return e, err
		})
	if err != nil {
		return nil, fmt.Errorf("list map elements: %w", err)
	}
	return out, nil
}

// DeleteMapElements removes the map elements of the given type pointing at elementIDs.
func (tx *Tx) DeleteMapElements(ctx context.Context, elementType MapElementType, elementIDs []int64) error {
	if len(elementIDs) == 0 {
		return nil
	}
	w := where{}
	w.eq("elementtype", elementType)
	w.in("elementid", elementIDs)
	if _, err := tx.ExecContext(ctx, `DELETE FROM sysmaps_elements`+w.String(), w.args...); err != nil {
		return fmt.Errorf("delete map elements: %w", err)
	}
	return nil
}
