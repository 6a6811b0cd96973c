package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const hostColumns = `hostid, host, name, status, flags, templateid, useip, dns, ip, port, available`

func scanHost(rows interface{ Scan(...any) error }) (Host, error) {
	var h Host
	err := rows.Scan(&h.ID, &h.Host, &h.Name, &h.Status, &h.Flags, &h.TemplateID, &h.UseIP, &h.DNS, &h.IP, &h.Port, &h.Available)
	return h, err
}

// HostFilter selects hosts. Nil fields do not filter.
type HostFilter struct {
	IDs      []int64
	Hosts    []string
	Statuses []HostStatus
	Flags    []Flag
	// GroupIDs keeps hosts that are members of any of the groups.
	GroupIDs []int64
	// TemplateIDs keeps hosts linked to any of the templates.
	TemplateIDs []int64
}

// Hosts returns hosts matching f ordered by technical name.
func (tx *Tx) Hosts(ctx context.Context, f HostFilter) ([]Host, error) {
	w := where{}
	w.in("hostid", f.IDs)
	w.inStrings("host", f.Hosts)
	if f.Statuses != nil {
		statuses := make([]int64, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = int64(s)
		}
		w.in("status", statuses)
	}
	w.in("flags", flagIDs(f.Flags))
	w.inSelect("hostid", "SELECT hostid FROM hosts_groups WHERE groupid", f.GroupIDs)
	w.inSelect("hostid", "SELECT hostid FROM hosts_templates WHERE templateid", f.TemplateIDs)

	hosts, err := queryRows(ctx, tx, `SELECT `+hostColumns+` FROM hosts`+w.String()+` ORDER BY host, hostid`, w.args,
		func(rows *sql.Rows) (Host, error) { return scanHost(rows) })
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return hosts, nil
}

// HostByID fetches one host.
func (tx *Tx) HostByID(ctx context.Context, id int64) (Host, bool, error) {
	h, err := scanHost(tx.QueryRowContext(ctx, `SELECT `+hostColumns+` FROM hosts WHERE hostid = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Host{}, false, nil
		}
		return Host{}, false, fmt.Errorf("get host: %w", err)
	}
	return h, true, nil
}

// HostByName fetches a host or template (not a prototype) by technical name.
func (tx *Tx) HostByName(ctx context.Context, name string) (Host, bool, error) {
	h, err := scanHost(tx.QueryRowContext(ctx,
		`SELECT `+hostColumns+` FROM hosts WHERE host = ? AND flags = ? ORDER BY hostid LIMIT 1`, name, FlagNormal))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Host{}, false, nil
		}
		return Host{}, false, fmt.Errorf("get host by name: %w", err)
	}
	return h, true, nil
}

// HostNames maps host IDs to display names.
func (tx *Tx) HostNames(ctx context.Context, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	hosts, err := tx.Hosts(ctx, HostFilter{IDs: uniqueIDs(ids)})
	if err != nil {
		return nil, err
	}
	for _, h := range hosts {
		out[h.ID] = h.DisplayName()
	}
	return out, nil
}

// InsertHost creates a hosts row.
func (tx *Tx) InsertHost(ctx context.Context, h Host) (Host, error) {
	out, err := scanHost(tx.QueryRowContext(ctx,
		`INSERT INTO hosts (host, name, status, flags, templateid, useip, dns, ip, port, available)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING `+hostColumns,
		h.Host, h.Name, h.Status, h.Flags, h.TemplateID, h.UseIP, h.DNS, h.IP, h.Port, h.Available,
	))
	if err != nil {
		return Host{}, fmt.Errorf("insert host: %w", err)
	}
	return out, nil
}

// UpdateHost rewrites the mutable columns of a host.
func (tx *Tx) UpdateHost(ctx context.Context, h Host) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE hosts SET host = ?, name = ?, status = ?, useip = ?, dns = ?, ip = ?, port = ?, available = ?
		 WHERE hostid = ?`,
		h.Host, h.Name, h.Status, h.UseIP, h.DNS, h.IP, h.Port, h.Available, h.ID,
	)
	if err != nil {
		return fmt.Errorf("update host: %w", err)
	}
	return nil
}

// DeleteHosts removes hosts rows. Link, group and discovery rows go with them.
func (tx *Tx) DeleteHosts(ctx context.Context, ids []int64) error {
	if _, err := tx.execIn(ctx, `DELETE FROM hosts`, "hostid", ids); err != nil {
		return fmt.Errorf("delete hosts: %w", err)
	}
	return nil
}
