package linkage

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/audit"
	"github.com/sloppy/tplsync/internal/db"
)

// DeleteHost removes a host or template and everything that belongs to it.
// Hosts linked to a template are unlinked first: with unlinkMode their
// copies stay behind as plain entities, otherwise they are deleted too.
func (e *Engine) DeleteHost(ctx context.Context, tx *db.Tx, hostID int64, unlinkMode bool) error {
	host, found, err := tx.HostByID(ctx, hostID)
	if err != nil {
		return err
	}
	if !found || host.Flags == db.FlagPrototype {
		return apierr.Permission()
	}

	children, err := tx.HostIDsLinkedTo(ctx, []int64{hostID})
	if err != nil {
		return err
	}
	if len(children) > 0 {
		if _, err := e.Unlink(ctx, tx, []int64{hostID}, children, !unlinkMode); err != nil {
			return err
		}
	}

	items, err := tx.Items(ctx, db.ItemFilter{HostIDs: []int64{hostID}})
	if err != nil {
		return err
	}
	if len(items) > 0 {
		ids := make([]int64, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ID)
		}
		if err := e.api.Items.Delete(ctx, tx, ids, true); err != nil {
			return err
		}
	}
	scenarios, err := tx.WebScenarios(ctx, db.WebScenarioFilter{HostIDs: []int64{hostID}})
	if err != nil {
		return err
	}
	if len(scenarios) > 0 {
		ids := make([]int64, 0, len(scenarios))
		for _, ws := range scenarios {
			ids = append(ids, ws.ID)
		}
		if err := e.api.WebScenarios.Delete(ctx, tx, ids, true); err != nil {
			return err
		}
	}
	apps, err := tx.Applications(ctx, db.ApplicationFilter{HostIDs: []int64{hostID}})
	if err != nil {
		return err
	}
	if len(apps) > 0 {
		ids := make([]int64, 0, len(apps))
		for _, app := range apps {
			ids = append(ids, app.ID)
		}
		if err := e.api.Applications.Delete(ctx, tx, ids, true); err != nil {
			return err
		}
	}

	if err := tx.DeleteMapElements(ctx, db.MapElementHost, []int64{hostID}); err != nil {
		return err
	}

	groupIDs, err := tx.DeleteHostGroups(ctx, hostID)
	if err != nil {
		return err
	}
	emptied, err := tx.DeleteEmptyGroups(ctx, groupIDs)
	if err != nil {
		return err
	}
	for _, g := range emptied {
		audit.Notify(ctx, "Deleted: Host group \"%s\".", g.Name)
	}
	if err := tx.DeleteHostTemplateLinks(ctx, hostID); err != nil {
		return err
	}

	conditions, err := tx.HostConditions(ctx, hostID)
	if err != nil {
		return err
	}
	if len(conditions) > 0 {
		actionIDs := make([]int64, 0, len(conditions))
		conditionIDs := make([]int64, 0, len(conditions))
		for _, c := range conditions {
			actionIDs = append(actionIDs, c.ActionID)
			conditionIDs = append(conditionIDs, c.ID)
		}
		if err := tx.DisableActions(ctx, uniq(actionIDs)); err != nil {
			return err
		}
		if err := tx.DeleteConditions(ctx, conditionIDs); err != nil {
			return err
		}
	}

	if err := tx.DeleteInventory(ctx, hostID); err != nil {
		return err
	}
	if err := tx.DeleteHosts(ctx, []int64{hostID}); err != nil {
		return err
	}

	label := "Host"
	if host.IsTemplate() {
		label = "Template"
	}
	audit.Notify(ctx, "Deleted: %s \"%s\".", label, host.DisplayName())
	e.log.WithFields(logrus.Fields{
		"host":        hostID,
		"unlink_mode": unlinkMode,
		"children":    len(children),
	}).Debug("host deleted")
	return nil
}
