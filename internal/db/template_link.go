package db

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertTemplateLink links templateID to hostID. It reports false when the
// pair was already linked.
func (tx *Tx) InsertTemplateLink(ctx context.Context, hostID, templateID int64) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO hosts_templates (hostid, templateid) VALUES (?, ?)
		 ON CONFLICT(hostid, templateid) DO NOTHING`,
		hostID, templateID,
	)
	if err != nil {
		return false, fmt.Errorf("insert template link: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert template link: %w", err)
	}
	return n > 0, nil
}

// TemplateIDsOf returns the templates directly linked to hostID.
func (tx *Tx) TemplateIDsOf(ctx context.Context, hostID int64) ([]int64, error) {
	ids, err := tx.int64s(ctx, `SELECT templateid FROM hosts_templates WHERE hostid = ? ORDER BY templateid`, hostID)
	if err != nil {
		return nil, fmt.Errorf("templates of host: %w", err)
	}
	return ids, nil
}

// HostIDsLinkedTo returns the hosts that have any of templateIDs linked.
func (tx *Tx) HostIDsLinkedTo(ctx context.Context, templateIDs []int64) ([]int64, error) {
	if len(templateIDs) == 0 {
		return nil, nil
	}
	w := where{}
	w.in("templateid", templateIDs)
	ids, err := tx.int64s(ctx, `SELECT DISTINCT hostid FROM hosts_templates`+w.String()+` ORDER BY hostid`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("hosts linked to templates: %w", err)
	}
	return ids, nil
}

// TemplateLinks returns link rows filtered by host and template. Nil slices do not filter.
func (tx *Tx) TemplateLinks(ctx context.Context, hostIDs, templateIDs []int64) ([]TemplateLink, error) {
	w := where{}
	w.in("hostid", hostIDs)
	w.in("templateid", templateIDs)
	links, err := queryRows(ctx, tx,
		`SELECT hosttemplateid, hostid, templateid FROM hosts_templates`+w.String()+` ORDER BY hosttemplateid`, w.args,
		func(rows *sql.Rows) (TemplateLink, error) {
			var l TemplateLink
			err := rows.Scan(&l.ID, &l.HostID, &l.TemplateID)
			return l, err
		})
	if err != nil {
		return nil, fmt.Errorf("list template links: %w", err)
	}
	return links, nil
}

// AllTemplateLinks returns every link row.
func (tx *Tx) AllTemplateLinks(ctx context.Context) ([]TemplateLink, error) {
	return tx.TemplateLinks(ctx, nil, nil)
}

// DeleteTemplateLinks removes links between templateIDs and hostIDs. A nil
// hostIDs removes the links to every host.
func (tx *Tx) DeleteTemplateLinks(ctx context.Context, templateIDs, hostIDs []int64) (int64, error) {
	if len(templateIDs) == 0 {
		return 0, nil
	}
	w := where{}
	w.in("templateid", templateIDs)
	w.in("hostid", hostIDs)
	res, err := tx.ExecContext(ctx, `DELETE FROM hosts_templates`+w.String(), w.args...)
	if err != nil {
		return 0, fmt.Errorf("delete template links: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete template links: %w", err)
	}
	return n, nil
}

// DeleteHostTemplateLinks removes every template linked to hostID.
func (tx *Tx) DeleteHostTemplateLinks(ctx context.Context, hostID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM hosts_templates WHERE hostid = ?`, hostID); err != nil {
		return fmt.Errorf("delete host template links: %w", err)
	}
	return nil
}
