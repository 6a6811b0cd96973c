package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// WebScenarioFilter selects web scenarios. Nil fields do not filter.
type WebScenarioFilter struct {
	IDs            []int64
	HostIDs        []int64
	Names          []string
	TemplateIDs    []int64
	ApplicationIDs []int64
	Inherited      bool
}

const webScenarioColumns = `httptestid, hostid, name, applicationid, delay, status, templateid`

func scanWebScenario(rows interface{ Scan(...any) error }) (WebScenario, error) {
	var ws WebScenario
	err := rows.Scan(&ws.ID, &ws.HostID, &ws.Name, &ws.ApplicationID, &ws.Delay, &ws.Status, &ws.TemplateID)
	return ws, err
}

// WebScenarios returns web scenarios matching f.
func (tx *Tx) WebScenarios(ctx context.Context, f WebScenarioFilter) ([]WebScenario, error) {
	w := where{}
	w.in("httptestid", f.IDs)
	w.in("hostid", f.HostIDs)
	w.inStrings("name", f.Names)
	w.in("templateid", f.TemplateIDs)
	w.in("applicationid", f.ApplicationIDs)
	if f.Inherited {
		w.raw("templateid <> 0")
	}
	out, err := queryRows(ctx, tx, `SELECT `+webScenarioColumns+` FROM httptest`+w.String()+` ORDER BY hostid, name`, w.args,
		func(rows *sql.Rows) (WebScenario, error) { return scanWebScenario(rows) })
	if err != nil {
		return nil, fmt.Errorf("list web scenarios: %w", err)
	}
	return out, nil
}

// WebScenarioByName fetches the scenario called name on hostID.
func (tx *Tx) WebScenarioByName(ctx context.Context, hostID int64, name string) (WebScenario, bool, error) {
	ws, err := scanWebScenario(tx.QueryRowContext(ctx,
		`SELECT `+webScenarioColumns+` FROM httptest WHERE hostid = ? AND name = ?`, hostID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WebScenario{}, false, nil
		}
		return WebScenario{}, false, fmt.Errorf("get web scenario: %w", err)
	}
	return ws, true, nil
}

// InsertWebScenario creates an httptest row.
func (tx *Tx) InsertWebScenario(ctx context.Context, ws WebScenario) (WebScenario, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO httptest (hostid, name, applicationid, delay, status, templateid)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING httptestid`,
		ws.HostID, ws.Name, ws.ApplicationID, ws.Delay, ws.Status, ws.TemplateID,
	).Scan(&ws.ID)
	if err != nil {
		return WebScenario{}, fmt.Errorf("insert web scenario: %w", err)
	}
	return ws, nil
}

// UpdateWebScenario rewrites the mutable columns of a web scenario.
func (tx *Tx) UpdateWebScenario(ctx context.Context, ws WebScenario) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE httptest SET name = ?, applicationid = ?, delay = ?, status = ?, templateid = ? WHERE httptestid = ?`,
		ws.Name, ws.ApplicationID, ws.Delay, ws.Status, ws.TemplateID, ws.ID,
	)
	if err != nil {
		return fmt.Errorf("update web scenario: %w", err)
	}
	return nil
}

// DetachWebScenarios clears the application of scenarios that use any of applicationIDs.
func (tx *Tx) DetachWebScenarios(ctx context.Context, applicationIDs []int64) error {
	if _, err := tx.execIn(ctx, `UPDATE httptest SET applicationid = 0`, "applicationid", applicationIDs); err != nil {
		return fmt.Errorf("detach web scenarios: %w", err)
	}
	return nil
}

// DeleteWebScenarios removes web scenarios and their steps.
func (tx *Tx) DeleteWebScenarios(ctx context.Context, ids []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM httptest`, "httptestid", ids); err != nil {
		return fmt.Errorf("delete web scenarios: %w", err)
	}
	return nil
}

// WebSteps returns the steps of scenarioIDs in order.
func (tx *Tx) WebSteps(ctx context.Context, scenarioIDs []int64) ([]WebStep, error) {
	w := where{}
	w.in("httptestid", scenarioIDs)
	steps, err := queryRows(ctx, tx,
		`SELECT httpstepid, httptestid, name, no, url FROM httpstep`+w.String()+` ORDER BY httptestid, no`, w.args,
		func(rows *sql.Rows) (WebStep, error) {
			var s WebStep
			err := rows.Scan(&s.ID, &s.WebScenarioID, &s.Name, &s.No, &s.URL)
			return s, err
		})
	if err != nil {
		return nil, fmt.Errorf("list web steps: %w", err)
	}
	return steps, nil
}

// ReplaceWebSteps replaces every step of scenarioID.
func (tx *Tx) ReplaceWebSteps(ctx context.Context, scenarioID int64, steps []WebStep) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM httpstep WHERE httptestid = ?`, scenarioID); err != nil {
		return fmt.Errorf("clear web steps: %w", err)
	}
	for _, s := range steps {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO httpstep (httptestid, name, no, url) VALUES (?, ?, ?, ?)`,
			scenarioID, s.Name, s.No, s.URL,
		); err != nil {
			return fmt.Errorf("insert web step: %w", err)
		}
	}
	return nil
}
