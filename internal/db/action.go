package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

// InsertAction creates an action with its conditions.
func (tx *Tx) InsertAction(ctx context.Context, a Action, conditions []Condition) (Action, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO actions (name, eventsource, status) VALUES (?, ?, ?) RETURNING actionid`,
		a.Name, a.EventSource, a.Status,
	).Scan(&a.ID)
	if err != nil {
		return Action{}, fmt.Errorf("insert action: %w", err)
	}
	for _, c := range conditions {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO conditions (actionid, conditiontype, operator, value) VALUES (?, ?, ?, ?)`,
			a.ID, c.Type, c.Operator, c.Value,
		); err != nil {
			return Action{}, fmt.Errorf("insert condition: %w", err)
		}
	}
	return a, nil
}

// Actions returns actions by id, or all when ids is nil.
func (tx *Tx) Actions(ctx context.Context, ids []int64) ([]Action, error) {
	w := where{}
	w.in("actionid", ids)
	actions, err := queryRows(ctx, tx, `SELECT actionid, name, eventsource, status FROM actions`+w.String()+` ORDER BY name`, w.args,
		func(rows *sql.Rows) (Action, error) {
			var a Action
			err := rows.Scan(&a.ID, &a.Name, &a.EventSource, &a.Status)
			return a, err
		})
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return actions, nil
}

// Conditions returns the conditions of actionIDs.
func (tx *Tx) Conditions(ctx context.Context, actionIDs []int64) ([]Condition, error) {
	w := where{}
	w.in("actionid", actionIDs)
	conds, err := queryRows(ctx, tx,
		`SELECT conditionid, actionid, conditiontype, operator, value FROM conditions`+w.String()+` ORDER BY conditionid`, w.args,
		scanCondition)
	if err != nil {
		return nil, fmt.Errorf("list conditions: %w", err)
	}
	return conds, nil
}

func scanCondition(rows *sql.Rows) (Condition, error) {
	var c Condition
	err := rows.Scan(&c.ID, &c.ActionID, &c.Type, &c.Operator, &c.Value)
	return c, err
}

// HostConditions returns the conditions that reference hostID, taking into
// account which condition types mean a host for each event source.
func (tx *Tx) HostConditions(ctx context.Context, hostID int64) ([]Condition, error) {
	var out []Condition
	value := strconv.FormatInt(hostID, 10)
	for _, source := range []EventSource{EventSourceTriggers, EventSourceDiscovery, EventSourceAutoRegister, EventSourceInternal} {
		types := HostConditionTypes(source)
		if len(types) == 0 {
			continue
		}
		typeIDs := make([]int64, len(types))
		for i, t := range types {
			typeIDs[i] = int64(t)
		}
		w := where{}
		w.eq("a.eventsource", source)
		w.in("c.conditiontype", typeIDs)
		w.eq("c.value", value)
		conds, err := queryRows(ctx, tx,
			`SELECT c.conditionid, c.actionid, c.conditiontype, c.operator, c.value
			 FROM conditions c JOIN actions a ON a.actionid = c.actionid`+w.String()+` ORDER BY c.conditionid`, w.args,
			scanCondition)
		if err != nil {
			return nil, fmt.Errorf("host conditions: %w", err)
		}
		out = append(out, conds...)
	}
	return out, nil
}

// DisableActions sets the given actions to disabled.
func (tx *Tx) DisableActions(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	w := where{}
	w.in("actionid", ids)
	args := append([]any{ActionDisabled}, w.args...)
	if _, err := tx.ExecContext(ctx, `UPDATE actions SET status = ?`+w.String(), args...); err != nil {
		return fmt.Errorf("disable actions: %w", err)
	}
	return nil
}

// DeleteConditions removes conditions by id.
func (tx *Tx) DeleteConditions(ctx context.Context, ids []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM conditions`, "conditionid", ids); err != nil {
		return fmt.Errorf("delete conditions: %w", err)
	}
	return nil
}
