package db

import (
	"context"
	"database/sql"
	"fmt"
)

const triggerColumns = `t.triggerid, t.description, t.expression, t.priority, t.status, t.templateid, t.flags,
	COALESCE((SELECT i.hostid FROM functions f JOIN items i ON i.itemid = f.itemid
	          WHERE f.triggerid = t.triggerid ORDER BY f.functionid LIMIT 1), 0)`

const functionsOnHosts = "SELECT f.triggerid FROM functions f JOIN items i ON i.itemid = f.itemid WHERE i.hostid"

// TriggerFilter selects triggers and trigger prototypes. Nil fields do not filter.
type TriggerFilter struct {
	IDs []int64
	// HostIDs keeps triggers with a function on an item of any of the hosts.
	HostIDs []int64
	// ItemIDs keeps triggers with a function on any of the items.
	ItemIDs      []int64
	Flags        []Flag
	TemplateIDs  []int64
	Descriptions []string
	Inherited    bool
}

func scanTrigger(rows interface{ Scan(...any) error }) (Trigger, error) {
	var t Trigger
	err := rows.Scan(&t.ID, &t.Description, &t.Expression, &t.Priority, &t.Status, &t.TemplateID, &t.Flags, &t.HostID)
	return t, err
}

// Triggers returns triggers matching f ordered by description.
func (tx *Tx) Triggers(ctx context.Context, f TriggerFilter) ([]Trigger, error) {
	w := where{}
	w.in("t.triggerid", f.IDs)
	w.inSelect("t.triggerid", functionsOnHosts, f.HostIDs)
	w.inSelect("t.triggerid", "SELECT triggerid FROM functions WHERE itemid", f.ItemIDs)
	w.in("t.flags", flagIDs(f.Flags))
	w.in("t.templateid", f.TemplateIDs)
	w.inStrings("t.description", f.Descriptions)
	if f.Inherited {
		w.raw("t.templateid <> 0")
	}
	triggers, err := queryRows(ctx, tx,
		`SELECT `+triggerColumns+` FROM triggers t`+w.String()+` ORDER BY t.description, t.triggerid`, w.args,
		func(rows *sql.Rows) (Trigger, error) { return scanTrigger(rows) })
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	return triggers, nil
}

// InsertTrigger creates a trigger row. Functions are added separately.
func (tx *Tx) InsertTrigger(ctx context.Context, t Trigger) (Trigger, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO triggers (description, expression, priority, status, templateid, flags)
		 VALUES (?, ?, ?, ?, ?, ?)
		 RETURNING triggerid`,
		t.Description, t.Expression, t.Priority, t.Status, t.TemplateID, t.Flags,
	).Scan(&t.ID)
	if err != nil {
		return Trigger{}, fmt.Errorf("insert trigger: %w", err)
	}
	return t, nil
}

// UpdateTrigger rewrites the mutable columns of a trigger.
func (tx *Tx) UpdateTrigger(ctx context.Context, t Trigger) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE triggers SET description = ?, expression = ?, priority = ?, status = ?, templateid = ?
		 WHERE triggerid = ?`,
		t.Description, t.Expression, t.Priority, t.Status, t.TemplateID, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update trigger: %w", err)
	}
	return nil
}

// DeleteTriggers removes triggers; functions and dependencies go with them.
func (tx *Tx) DeleteTriggers(ctx context.Context, ids []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM triggers`, "triggerid", ids); err != nil {
		return fmt.Errorf("delete triggers: %w", err)
	}
	return nil
}

// Functions returns the functions of triggerIDs in insertion order.
func (tx *Tx) Functions(ctx context.Context, triggerIDs []int64) ([]Function, error) {
	w := where{}
	w.in("triggerid", triggerIDs)
	fns, err := queryRows(ctx, tx,
		`SELECT functionid, itemid, triggerid, name, parameter FROM functions`+w.String()+` ORDER BY functionid`, w.args,
		func(rows *sql.Rows) (Function, error) {
			var fn Function
			err := rows.Scan(&fn.ID, &fn.ItemID, &fn.TriggerID, &fn.Name, &fn.Parameter)
			return fn, err
		})
	if err != nil {
		return nil, fmt.Errorf("list functions: %w", err)
	}
	return fns, nil
}

// InsertFunction adds one function to a trigger.
func (tx *Tx) InsertFunction(ctx context.Context, fn Function) (Function, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO functions (itemid, triggerid, name, parameter) VALUES (?, ?, ?, ?) RETURNING functionid`,
		fn.ItemID, fn.TriggerID, fn.Name, fn.Parameter,
	).Scan(&fn.ID)
	if err != nil {
		return Function{}, fmt.Errorf("insert function: %w", err)
	}
	return fn, nil
}

// DeleteFunctionsOf removes every function of triggerID.
func (tx *Tx) DeleteFunctionsOf(ctx context.Context, triggerID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM functions WHERE triggerid = ?`, triggerID); err != nil {
		return fmt.Errorf("delete functions: %w", err)
	}
	return nil
}

// TriggerHosts maps each of triggerIDs to the distinct hosts its functions reference.
func (tx *Tx) TriggerHosts(ctx context.Context, triggerIDs []int64) (map[int64][]int64, error) {
	out := make(map[int64][]int64, len(triggerIDs))
	if len(triggerIDs) == 0 {
		return out, nil
	}
	w := where{}
	w.in("f.triggerid", triggerIDs)
	type pair struct{ trigger, host int64 }
	pairs, err := queryRows(ctx, tx,
		`SELECT DISTINCT f.triggerid, i.hostid FROM functions f JOIN items i ON i.itemid = f.itemid`+w.String()+
			` ORDER BY f.triggerid, i.hostid`, w.args,
		func(rows *sql.Rows) (pair, error) {
			var p pair
			err := rows.Scan(&p.trigger, &p.host)
			return p, err
		})
	if err != nil {
		return nil, fmt.Errorf("trigger hosts: %w", err)
	}
	for _, p := range pairs {
		out[p.trigger] = append(out[p.trigger], p.host)
	}
	return out, nil
}

// Dependencies returns dependency rows. Nil slices do not filter.
func (tx *Tx) Dependencies(ctx context.Context, downIDs, upIDs []int64) ([]TriggerDependency, error) {
	w := where{}
	w.in("triggerid_down", downIDs)
	w.in("triggerid_up", upIDs)
	deps, err := queryRows(ctx, tx,
		`SELECT triggerdepid, triggerid_down, triggerid_up FROM trigger_depends`+w.String()+` ORDER BY triggerdepid`, w.args,
		func(rows *sql.Rows) (TriggerDependency, error) {
			var d TriggerDependency
			err := rows.Scan(&d.ID, &d.DownID, &d.UpID)
			return d, err
		})
	if err != nil {
		return nil, fmt.Errorf("list trigger dependencies: %w", err)
	}
	return deps, nil
}

// InsertDependency makes downID depend on upID, skipping existing rows.
func (tx *Tx) InsertDependency(ctx context.Context, downID, upID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO trigger_depends (triggerid_down, triggerid_up) VALUES (?, ?)
		 ON CONFLICT(triggerid_down, triggerid_up) DO NOTHING`,
		downID, upID,
	)
	if err != nil {
		return fmt.Errorf("insert trigger dependency: %w", err)
	}
	return nil
}

// DeleteDependenciesOf removes the dependencies of downIDs.
func (tx *Tx) DeleteDependenciesOf(ctx context.Context, downIDs []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM trigger_depends`, "triggerid_down", downIDs); err != nil {
		return fmt.Errorf("delete trigger dependencies: %w", err)
	}
	return nil
}
