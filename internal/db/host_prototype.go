package db

import (
	"context"
	"database/sql"
	"fmt"
)

// HostPrototypeFilter selects host prototypes. Nil fields do not filter.
type HostPrototypeFilter struct {
	IDs         []int64
	RuleIDs     []int64
	TemplateIDs []int64
	Hosts       []string
	Inherited   bool
}

// HostPrototypes returns host prototypes matching f.
func (tx *Tx) HostPrototypes(ctx context.Context, f HostPrototypeFilter) ([]HostPrototype, error) {
	w := where{}
	w.eq("h.flags", FlagPrototype)
	w.in("h.hostid", f.IDs)
	w.in("hd.parent_itemid", f.RuleIDs)
	w.in("h.templateid", f.TemplateIDs)
	w.inStrings("h.host", f.Hosts)
	if f.Inherited {
		w.raw("h.templateid <> 0")
	}
	protos, err := queryRows(ctx, tx,
		`SELECT h.hostid, h.host, h.name, h.status, h.templateid, hd.parent_itemid
		 FROM hosts h JOIN host_discovery hd ON hd.hostid = h.hostid`+w.String()+` ORDER BY h.host, h.hostid`, w.args,
		func(rows *sql.Rows) (HostPrototype, error) {
			var hp HostPrototype
			err := rows.Scan(&hp.ID, &hp.Host, &hp.Name, &hp.Status, &hp.TemplateID, &hp.RuleID)
			return hp, err
		})
	if err != nil {
		return nil, fmt.Errorf("list host prototypes: %w", err)
	}
	return protos, nil
}

// InsertHostPrototype creates the hosts row and its discovery link.
func (tx *Tx) InsertHostPrototype(ctx context.Context, hp HostPrototype) (HostPrototype, error) {
	h, err := tx.InsertHost(ctx, Host{
		Host:       hp.Host,
		Name:       hp.Name,
		Status:     hp.Status,
		Flags:      FlagPrototype,
		TemplateID: hp.TemplateID,
		UseIP:      true,
	})
	if err != nil {
		return HostPrototype{}, fmt.Errorf("insert host prototype: %w", err)
	}
	hp.ID = h.ID
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO host_discovery (hostid, parent_itemid) VALUES (?, ?)`, hp.ID, hp.RuleID,
	); err != nil {
		return HostPrototype{}, fmt.Errorf("insert host discovery: %w", err)
	}
	return hp, nil
}

// UpdateHostPrototype rewrites name, status and template of a host prototype.
func (tx *Tx) UpdateHostPrototype(ctx context.Context, hp HostPrototype) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE hosts SET host = ?, name = ?, status = ?, templateid = ? WHERE hostid = ? AND flags = ?`,
		hp.Host, hp.Name, hp.Status, hp.TemplateID, hp.ID, FlagPrototype,
	)
	if err != nil {
		return fmt.Errorf("update host prototype: %w", err)
	}
	return nil
}

// GroupPrototypes returns the group prototypes of hostIDs.
func (tx *Tx) GroupPrototypes(ctx context.Context, hostIDs []int64) ([]GroupPrototype, error) {
	w := where{}
	w.in("hostid", hostIDs)
	gps, err := queryRows(ctx, tx,
		`SELECT group_prototypeid, hostid, name, groupid, templateid FROM group_prototype`+w.String()+
			` ORDER BY hostid, group_prototypeid`, w.args,
		func(rows *sql.Rows) (GroupPrototype, error) {
			var gp GroupPrototype
			err := rows.Scan(&gp.ID, &gp.HostID, &gp.Name, &gp.GroupID, &gp.TemplateID)
			return gp, err
		})
	if err != nil {
		return nil, fmt.Errorf("list group prototypes: %w", err)
	}
	return gps, nil
}

// InsertGroupPrototype adds a group prototype to a host prototype.
func (tx *Tx) InsertGroupPrototype(ctx context.Context, gp GroupPrototype) (GroupPrototype, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO group_prototype (hostid, name, groupid, templateid) VALUES (?, ?, ?, ?) RETURNING group_prototypeid`,
		gp.HostID, gp.Name, gp.GroupID, gp.TemplateID,
	).Scan(&gp.ID)
	if err != nil {
		return GroupPrototype{}, fmt.Errorf("insert group prototype: %w", err)
	}
	return gp, nil
}

// DeleteGroupPrototypesOf removes the group prototypes of hostID.
func (tx *Tx) DeleteGroupPrototypesOf(ctx context.Context, hostID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_prototype WHERE hostid = ?`, hostID); err != nil {
		return fmt.Errorf("delete group prototypes: %w", err)
	}
	return nil
}

// ResetGroupPrototypeTemplates detaches the group prototypes of hostIDs.
func (tx *Tx) ResetGroupPrototypeTemplates(ctx context.Context, hostIDs []int64) error {
	if _, err := tx.execIn(ctx, `UPDATE group_prototype SET templateid = 0`, "hostid", hostIDs); err != nil {
		return fmt.Errorf("reset group prototypes: %w", err)
	}
	return nil
}
