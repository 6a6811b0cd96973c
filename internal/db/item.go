package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const itemColumns = `i.itemid, i.hostid, i.name, i.key_, i.type, i.value_type, i.delay, i.status, i.templateid, i.flags,
	COALESCE(d.parent_itemid, 0)`

const itemFrom = ` FROM items i LEFT JOIN item_discovery d ON d.itemid = i.itemid`

// ItemFilter selects items, discovery rules and prototypes. Nil fields do not filter.
type ItemFilter struct {
	IDs         []int64
	HostIDs     []int64
	Keys        []string
	Flags       []Flag
	TemplateIDs []int64
	RuleIDs     []int64
	Types       []int64
	// ApplicationIDs keeps items that belong to any of the applications.
	ApplicationIDs []int64
	// Inherited keeps only items with a nonzero templateid.
	Inherited bool
}

func scanItem(rows interface{ Scan(...any) error }) (Item, error) {
	var it Item
	err := rows.Scan(&it.ID, &it.HostID, &it.Name, &it.Key, &it.Type, &it.ValueType, &it.Delay, &it.Status,
		&it.TemplateID, &it.Flags, &it.RuleID)
	return it, err
}

// Items returns items matching f ordered by host and key.
func (tx *Tx) Items(ctx context.Context, f ItemFilter) ([]Item, error) {
	w := where{}
	w.in("i.itemid", f.IDs)
	w.in("i.hostid", f.HostIDs)
	w.inStrings("i.key_", f.Keys)
	w.in("i.flags", flagIDs(f.Flags))
	w.in("i.templateid", f.TemplateIDs)
	w.in("d.parent_itemid", f.RuleIDs)
	w.in("i.type", f.Types)
	w.inSelect("i.itemid", "SELECT itemid FROM items_applications WHERE applicationid", f.ApplicationIDs)
	if f.Inherited {
		w.raw("i.templateid <> 0")
	}
	items, err := queryRows(ctx, tx, `SELECT `+itemColumns+itemFrom+w.String()+` ORDER BY i.hostid, i.key_`, w.args,
		func(rows *sql.Rows) (Item, error) { return scanItem(rows) })
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return items, nil
}

// ItemByKey fetches the item with key on hostID.
func (tx *Tx) ItemByKey(ctx context.Context, hostID int64, key string) (Item, bool, error) {
	it, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+itemFrom+` WHERE i.hostid = ? AND i.key_ = ?`, hostID, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("get item by key: %w", err)
	}
	return it, true, nil
}

// ItemByTemplate fetches the copy of templateItemID on hostID.
func (tx *Tx) ItemByTemplate(ctx context.Context, hostID, templateItemID int64) (Item, bool, error) {
	it, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+itemFrom+` WHERE i.hostid = ? AND i.templateid = ?`, hostID, templateItemID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Item{}, false, nil
		}
		return Item{}, false, fmt.Errorf("get item by template: %w", err)
	}
	return it, true, nil
}

// InsertItem creates an item and, for prototypes, its discovery link.
func (tx *Tx) InsertItem(ctx context.Context, it Item) (Item, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO items (hostid, name, key_, type, value_type, delay, status, templateid, flags)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING itemid`,
		it.HostID, it.Name, it.Key, it.Type, it.ValueType, it.Delay, it.Status, it.TemplateID, it.Flags,
	).Scan(&it.ID)
	if err != nil {
		return Item{}, fmt.Errorf("insert item: %w", err)
	}
	if it.RuleID != 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO item_discovery (itemid, parent_itemid) VALUES (?, ?)`, it.ID, it.RuleID,
		); err != nil {
			return Item{}, fmt.Errorf("insert item discovery: %w", err)
		}
	}
	return it, nil
}

// UpdateItem rewrites the mutable columns of an item, its template and its rule.
func (tx *Tx) UpdateItem(ctx context.Context, it Item) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE items SET name = ?, key_ = ?, type = ?, value_type = ?, delay = ?, status = ?, templateid = ?
		 WHERE itemid = ?`,
		it.Name, it.Key, it.Type, it.ValueType, it.Delay, it.Status, it.TemplateID, it.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if it.RuleID != 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO item_discovery (itemid, parent_itemid) VALUES (?, ?)
			 ON CONFLICT(itemid) DO UPDATE SET parent_itemid = excluded.parent_itemid`,
			it.ID, it.RuleID,
		); err != nil {
			return fmt.Errorf("update item discovery: %w", err)
		}
	}
	return nil
}

// DeleteItems removes items; functions, graph items, memberships and
// discovery links go with them.
func (tx *Tx) DeleteItems(ctx context.Context, ids []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM items`, "itemid", ids); err != nil {
		return fmt.Errorf("delete items: %w", err)
	}
	return nil
}

// ItemApplicationIDs returns the applications itemID belongs to.
func (tx *Tx) ItemApplicationIDs(ctx context.Context, itemID int64) ([]int64, error) {
	ids, err := tx.int64s(ctx,
		`SELECT applicationid FROM items_applications WHERE itemid = ? ORDER BY applicationid`, itemID)
	if err != nil {
		return nil, fmt.Errorf("item applications: %w", err)
	}
	return ids, nil
}

// SetItemApplications replaces the application memberships of itemID.
func (tx *Tx) SetItemApplications(ctx context.Context, itemID int64, applicationIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM items_applications WHERE itemid = ?`, itemID); err != nil {
		return fmt.Errorf("clear item applications: %w", err)
	}
	return tx.AddItemApplications(ctx, itemID, applicationIDs)
}

// AddItemApplications adds memberships, skipping existing ones.
func (tx *Tx) AddItemApplications(ctx context.Context, itemID int64, applicationIDs []int64) error {
	for _, appID := range uniqueIDs(applicationIDs) {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO items_applications (itemid, applicationid) VALUES (?, ?)
			 ON CONFLICT(itemid, applicationid) DO NOTHING`,
			itemID, appID,
		); err != nil {
			return fmt.Errorf("add item application: %w", err)
		}
	}
	return nil
}

// DuplicateItemKeys returns the item keys that occur on more than one of hostIDs.
func (tx *Tx) DuplicateItemKeys(ctx context.Context, hostIDs []int64) ([]string, error) {
	if len(hostIDs) < 2 {
		return nil, nil
	}
	w := where{}
	w.in("hostid", hostIDs)
	keys, err := queryRows(ctx, tx,
		`SELECT key_ FROM items`+w.String()+` GROUP BY key_ HAVING COUNT(DISTINCT hostid) > 1 ORDER BY key_`, w.args,
		func(rows *sql.Rows) (string, error) {
			var s string
			err := rows.Scan(&s)
			return s, err
		})
	if err != nil {
		return nil, fmt.Errorf("duplicate item keys: %w", err)
	}
	return keys, nil
}
