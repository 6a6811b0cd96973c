package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ApplicationFilter selects applications. Nil fields do not filter.
type ApplicationFilter struct {
	IDs         []int64
	HostIDs     []int64
	Names       []string
	TemplateIDs []int64
	// Inherited keeps only applications with a template link row.
	Inherited bool
}

func scanApplication(rows interface{ Scan(...any) error }) (Application, error) {
	var a Application
	err := rows.Scan(&a.ID, &a.HostID, &a.Name, &a.TemplateID)
	return a, err
}

// Applications returns applications matching f.
func (tx *Tx) Applications(ctx context.Context, f ApplicationFilter) ([]Application, error) {
	w := where{}
	w.in("applicationid", f.IDs)
	w.in("hostid", f.HostIDs)
	w.inStrings("name", f.Names)
	w.in("templateid", f.TemplateIDs)
	if f.Inherited {
		w.raw("applicationid IN (SELECT applicationid FROM application_template)")
	}
	apps, err := queryRows(ctx, tx,
		`SELECT applicationid, hostid, name, templateid FROM applications`+w.String()+` ORDER BY hostid, name`, w.args,
		func(rows *sql.Rows) (Application, error) { return scanApplication(rows) })
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	return apps, nil
}

// ApplicationByName fetches the application called name on hostID.
func (tx *Tx) ApplicationByName(ctx context.Context, hostID int64, name string) (Application, bool, error) {
	a, err := scanApplication(tx.QueryRowContext(ctx,
		`SELECT applicationid, hostid, name, templateid FROM applications WHERE hostid = ? AND name = ?`, hostID, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Application{}, false, nil
		}
		return Application{}, false, fmt.Errorf("get application: %w", err)
	}
	return a, true, nil
}

// InsertApplication creates an application.
func (tx *Tx) InsertApplication(ctx context.Context, a Application) (Application, error) {
	out, err := scanApplication(tx.QueryRowContext(ctx,
		`INSERT INTO applications (hostid, name, templateid) VALUES (?, ?, ?)
		 RETURNING applicationid, hostid, name, templateid`,
		a.HostID, a.Name, a.TemplateID,
	))
	if err != nil {
		return Application{}, fmt.Errorf("insert application: %w", err)
	}
	return out, nil
}

// RenameApplication sets the name of an application.
func (tx *Tx) RenameApplication(ctx context.Context, id int64, name string) error {
	if _, err := tx.ExecContext(ctx, `UPDATE applications SET name = ? WHERE applicationid = ?`, name, id); err != nil {
		return fmt.Errorf("rename application: %w", err)
	}
	return nil
}

// DeleteApplications removes applications; item and template link rows go with them.
func (tx *Tx) DeleteApplications(ctx context.Context, ids []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM applications`, "applicationid", ids); err != nil {
		return fmt.Errorf("delete applications: %w", err)
	}
	return nil
}

// ChildApplicationIDs returns the applications inherited from any of parentIDs,
// through either the templateid column or a template link row.
func (tx *Tx) ChildApplicationIDs(ctx context.Context, parentIDs []int64) ([]int64, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	w1 := where{}
	w1.in("templateid", parentIDs)
	w2 := where{}
	w2.in("templateid", parentIDs)
	ids, err := tx.int64s(ctx,
		`SELECT applicationid FROM applications`+w1.String()+
			` UNION SELECT applicationid FROM application_template`+w2.String()+
			` ORDER BY 1`,
		append(w1.args, w2.args...)...)
	if err != nil {
		return nil, fmt.Errorf("child applications: %w", err)
	}
	return ids, nil
}

// ApplicationTemplates returns template link rows. Nil slices do not filter.
func (tx *Tx) ApplicationTemplates(ctx context.Context, applicationIDs, templateIDs []int64) ([]ApplicationTemplate, error) {
	w := where{}
	w.in("applicationid", applicationIDs)
	w.in("templateid", templateIDs)
	rows, err := queryRows(ctx, tx,
		`SELECT application_templateid, applicationid, templateid FROM application_template`+w.String()+
			` ORDER BY application_templateid`, w.args,
		func(rows *sql.Rows) (ApplicationTemplate, error) {
			var at ApplicationTemplate
			err := rows.Scan(&at.ID, &at.ApplicationID, &at.TemplateID)
			return at, err
		})
	if err != nil {
		return nil, fmt.Errorf("list application templates: %w", err)
	}
	return rows, nil
}

// InsertApplicationTemplate links applicationID to the template-side application templateID.
func (tx *Tx) InsertApplicationTemplate(ctx context.Context, applicationID, templateID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO application_template (applicationid, templateid) VALUES (?, ?)
		 ON CONFLICT(applicationid, templateid) DO NOTHING`,
		applicationID, templateID,
	)
	if err != nil {
		return fmt.Errorf("insert application template: %w", err)
	}
	return nil
}

// DeleteApplicationTemplates removes link rows by id.
func (tx *Tx) DeleteApplicationTemplates(ctx context.Context, ids []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM application_template`, "application_templateid", ids); err != nil {
		return fmt.Errorf("delete application templates: %w", err)
	}
	return nil
}

// ItemIDsOfApplications returns the items that belong to any of applicationIDs.
func (tx *Tx) ItemIDsOfApplications(ctx context.Context, applicationIDs []int64) ([]int64, error) {
	if len(applicationIDs) == 0 {
		return nil, nil
	}
	w := where{}
	w.in("applicationid", applicationIDs)
	ids, err := tx.int64s(ctx, `SELECT DISTINCT itemid FROM items_applications`+w.String()+` ORDER BY itemid`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("items of applications: %w", err)
	}
	return ids, nil
}

// DeleteItemApplicationsOf removes the item memberships of applicationIDs.
func (tx *Tx) DeleteItemApplicationsOf(ctx context.Context, applicationIDs []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM items_applications`, "applicationid", applicationIDs); err != nil {
		return fmt.Errorf("delete items applications: %w", err)
	}
	return nil
}

// DuplicateApplicationNames returns the application names that occur on more
// than one of hostIDs.
func (tx *Tx) DuplicateApplicationNames(ctx context.Context, hostIDs []int64) ([]string, error) {
	if len(hostIDs) < 2 {
		return nil, nil
	}
	w := where{}
	w.in("hostid", hostIDs)
	names, err := queryRows(ctx, tx,
		`SELECT name FROM applications`+w.String()+` GROUP BY name HAVING COUNT(DISTINCT hostid) > 1 ORDER BY name`, w.args,
		func(rows *sql.Rows) (string, error) {
			var s string
			err := rows.Scan(&s)
			return s, err
		})
	if err != nil {
		return nil, fmt.Errorf("duplicate application names: %w", err)
	}
	return names, nil
}

// InheritedApplicationIDs returns the applications on hostID linked to any of
// the template-side applications templateAppIDs.
func (tx *Tx) InheritedApplicationIDs(ctx context.Context, hostID int64, templateAppIDs []int64) ([]int64, error) {
	if len(templateAppIDs) == 0 {
		return nil, nil
	}
	w := where{}
	w.eq("a.hostid", hostID)
	w.in("at.templateid", templateAppIDs)
	ids, err := tx.int64s(ctx,
		`SELECT DISTINCT a.applicationid FROM applications a
		 JOIN application_template at ON at.applicationid = a.applicationid`+w.String()+` ORDER BY a.applicationid`,
		w.args...)
	if err != nil {
		return nil, fmt.Errorf("inherited applications: %w", err)
	}
	return ids, nil
}
