package objects

import (
	"context"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// Items manages plain items, discovery rules and item prototypes, told apart by Flags.
type Items struct {
	api *API
}

func (s *Items) Get(ctx context.Context, tx *db.Tx, f db.ItemFilter) ([]db.Item, error) {
	return tx.Items(ctx, f)
}

func (s *Items) byID(ctx context.Context, tx *db.Tx, id int64) (db.Item, bool, error) {
	items, err := tx.Items(ctx, db.ItemFilter{IDs: []int64{id}})
	if err != nil || len(items) == 0 {
		return db.Item{}, false, err
	}
	return items[0], true, nil
}

func (s *Items) validate(ctx context.Context, tx *db.Tx, it db.Item) (db.Host, error) {
	if strings.TrimSpace(it.Key) == "" {
		return db.Host{}, apierr.Parameters("Item key cannot be empty.")
	}
	if strings.TrimSpace(it.Name) == "" {
		return db.Host{}, apierr.Parameters("Item name cannot be empty for key \"%s\".", it.Key)
	}
	host, found, err := tx.HostByID(ctx, it.HostID)
	if err != nil {
		return db.Host{}, err
	}
	if !found || host.Flags == db.FlagPrototype {
		return db.Host{}, apierr.Permission()
	}
	switch it.Flags {
	case db.FlagNormal, db.FlagDiscoveryRule:
		if it.RuleID != 0 {
			return db.Host{}, apierr.Parameters("Only item prototypes belong to a discovery rule (key \"%s\").", it.Key)
		}
	case db.FlagPrototype:
		rule, found, err := s.byID(ctx, tx, it.RuleID)
		if err != nil {
			return db.Host{}, err
		}
		if !found || rule.Flags != db.FlagDiscoveryRule || rule.HostID != it.HostID {
			return db.Host{}, apierr.Parameters("Item prototype \"%s\" needs a discovery rule on \"%s\".", it.Key, host.DisplayName())
		}
	default:
		return db.Host{}, apierr.Parameters("Incorrect flags %d for item \"%s\".", it.Flags, it.Key)
	}
	return host, nil
}

// Create adds it to its host, puts it into applicationIDs and copies it to
// every host below.
func (s *Items) Create(ctx context.Context, tx *db.Tx, it db.Item, applicationIDs []int64) (db.Item, error) {
	host, err := s.validate(ctx, tx, it)
	if err != nil {
		return db.Item{}, err
	}
	if _, found, err := tx.ItemByKey(ctx, it.HostID, it.Key); err != nil {
		return db.Item{}, err
	} else if found {
		return db.Item{}, apierr.Parameters("Item with key \"%s\" already exists on \"%s\".", it.Key, host.DisplayName())
	}
	if err := s.checkApplications(ctx, tx, it.HostID, applicationIDs); err != nil {
		return db.Item{}, err
	}
	it.ID = 0
	it.TemplateID = 0
	created, err := tx.InsertItem(ctx, it)
	if err != nil {
		return db.Item{}, err
	}
	if err := tx.SetItemApplications(ctx, created.ID, applicationIDs); err != nil {
		return db.Item{}, err
	}
	err = s.api.propagate(ctx, tx, created.HostID, created.ID, func(parentID, hostID int64) (int64, error) {
		return s.inherit(ctx, tx, parentID, hostID)
	})
	if err != nil {
		return db.Item{}, err
	}
	return created, nil
}

func (s *Items) checkApplications(ctx context.Context, tx *db.Tx, hostID int64, applicationIDs []int64) error {
	if len(applicationIDs) == 0 {
		return nil
	}
	apps, err := tx.Applications(ctx, db.ApplicationFilter{IDs: applicationIDs, HostIDs: []int64{hostID}})
	if err != nil {
		return err
	}
	if len(apps) != len(uniqueIDs(applicationIDs)) {
		return apierr.Parameters("Applications must belong to the item's host.")
	}
	return nil
}

// Update rewrites a non-inherited item and refreshes every inherited copy.
// A nil applicationIDs keeps the current memberships.
func (s *Items) Update(ctx context.Context, tx *db.Tx, it db.Item, applicationIDs []int64) error {
	current, found, err := s.byID(ctx, tx, it.ID)
	if err != nil {
		return err
	}
	if !found {
		return apierr.Permission()
	}
	if current.TemplateID != 0 {
		return apierr.Parameters("Cannot update templated %s \"%s\".", strings.ToLower(db.ItemKind(current.Flags).String()), current.Key)
	}
	it.HostID = current.HostID
	it.Flags = current.Flags
	it.RuleID = current.RuleID
	it.TemplateID = 0
	host, err := s.validate(ctx, tx, it)
	if err != nil {
		return err
	}
	if it.Key != current.Key {
		if _, dup, err := tx.ItemByKey(ctx, it.HostID, it.Key); err != nil {
			return err
		} else if dup {
			return apierr.Parameters("Item with key \"%s\" already exists on \"%s\".", it.Key, host.DisplayName())
		}
	}
	if err := tx.UpdateItem(ctx, it); err != nil {
		return err
	}
	if applicationIDs != nil {
		if err := s.checkApplications(ctx, tx, it.HostID, applicationIDs); err != nil {
			return err
		}
		if err := tx.SetItemApplications(ctx, it.ID, applicationIDs); err != nil {
			return err
		}
	}
	return s.api.cascade(ctx, tx, db.ItemKind(it.Flags), it.ID, func(parentID, childID int64) error {
		child, found, err := s.byID(ctx, tx, childID)
		if err != nil || !found {
			return err
		}
		_, err = s.inherit(ctx, tx, parentID, child.HostID)
		return err
	})
}

// inherit writes the copy of template item parentID on hostID, adopting a
// non-inherited item with the same key.
func (s *Items) inherit(ctx context.Context, tx *db.Tx, parentID, hostID int64) (int64, error) {
	parent, found, err := s.byID(ctx, tx, parentID)
	if err != nil || !found {
		return 0, err
	}
	child, exists, err := tx.ItemByTemplate(ctx, hostID, parent.ID)
	if err != nil {
		return 0, err
	}
	adopted := false
	if !exists {
		child, exists, err = tx.ItemByKey(ctx, hostID, parent.Key)
		if err != nil {
			return 0, err
		}
		if exists {
			name, err := hostName(ctx, tx, hostID)
			if err != nil {
				return 0, err
			}
			if child.TemplateID != 0 {
				return 0, apierr.Parameters("Item \"%s\" already exists on \"%s\", inherited from another template.", parent.Key, name)
			}
			if child.Flags != parent.Flags {
				return 0, apierr.Parameters("Item \"%s\" already exists on \"%s\" as %s.",
					parent.Key, name, strings.ToLower(db.ItemKind(child.Flags).String()))
			}
			adopted = true
		}
	} else if child.Key != parent.Key {
		if other, dup, err := tx.ItemByKey(ctx, hostID, parent.Key); err != nil {
			return 0, err
		} else if dup && other.ID != child.ID {
			name, err := hostName(ctx, tx, hostID)
			if err != nil {
				return 0, err
			}
			return 0, apierr.Parameters("Item \"%s\" already exists on \"%s\".", parent.Key, name)
		}
	}

	copyItem := db.Item{
		HostID:     hostID,
		Name:       parent.Name,
		Key:        parent.Key,
		Type:       parent.Type,
		ValueType:  parent.ValueType,
		Delay:      parent.Delay,
		Status:     parent.Status,
		TemplateID: parent.ID,
		Flags:      parent.Flags,
	}
	if parent.RuleID != 0 {
		rule, found, err := tx.ItemByTemplate(ctx, hostID, parent.RuleID)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, apierr.Internal(nil, "Discovery rule of item prototype \"%s\" was not copied to host %d.", parent.Key, hostID)
		}
		copyItem.RuleID = rule.ID
	}

	if exists {
		copyItem.ID = child.ID
		if err := tx.UpdateItem(ctx, copyItem); err != nil {
			return 0, err
		}
	} else {
		child, err = tx.InsertItem(ctx, copyItem)
		if err != nil {
			return 0, err
		}
	}

	parentApps, err := tx.ItemApplicationIDs(ctx, parent.ID)
	if err != nil {
		return 0, err
	}
	appIDs, err := tx.InheritedApplicationIDs(ctx, hostID, parentApps)
	if err != nil {
		return 0, err
	}
	if adopted {
		err = tx.AddItemApplications(ctx, child.ID, appIDs)
	} else {
		err = tx.SetItemApplications(ctx, child.ID, appIDs)
	}
	if err != nil {
		return 0, err
	}
	return child.ID, nil
}

// Sync copies every item of templateID with flag onto hostID.
func (s *Items) Sync(ctx context.Context, tx *db.Tx, templateID, hostID int64, flag db.Flag) (int, error) {
	items, err := tx.Items(ctx, db.ItemFilter{HostIDs: []int64{templateID}, Flags: []db.Flag{flag}})
	if err != nil {
		return 0, err
	}
	for _, it := range items {
		if _, err := s.inherit(ctx, tx, it.ID, hostID); err != nil {
			return 0, err
		}
	}
	return len(items), nil
}

// Delete removes items and every inherited copy together with the triggers
// using them, the prototypes of removed discovery rules and graphs left
// without items. Without clear, inherited items are refused.
func (s *Items) Delete(ctx context.Context, tx *db.Tx, ids []int64, clear bool) error {
	if len(ids) == 0 {
		return nil
	}
	items, err := tx.Items(ctx, db.ItemFilter{IDs: ids})
	if err != nil {
		return err
	}
	if len(items) != len(uniqueIDs(ids)) {
		return apierr.Permission()
	}
	if !clear {
		for _, it := range items {
			if it.TemplateID != 0 {
				return apierr.Parameters("Cannot delete templated %s \"%s\".", strings.ToLower(db.ItemKind(it.Flags).String()), it.Key)
			}
		}
	}

	all, err := s.api.withDescendants(ctx, tx, db.KindItem, ids)
	if err != nil {
		return err
	}
	allItems, err := tx.Items(ctx, db.ItemFilter{IDs: all})
	if err != nil {
		return err
	}
	var ruleIDs []int64
	for _, it := range allItems {
		if it.Flags == db.FlagDiscoveryRule {
			ruleIDs = append(ruleIDs, it.ID)
		}
	}
	deleteIDs := all
	if len(ruleIDs) > 0 {
		protos, err := tx.Items(ctx, db.ItemFilter{RuleIDs: ruleIDs})
		if err != nil {
			return err
		}
		for _, p := range protos {
			if !contains(deleteIDs, p.ID) {
				deleteIDs = append(deleteIDs, p.ID)
			}
		}
		hostProtos, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: ruleIDs})
		if err != nil {
			return err
		}
		hpIDs := make([]int64, 0, len(hostProtos))
		for _, hp := range hostProtos {
			hpIDs = append(hpIDs, hp.ID)
		}
		if err := tx.DeleteHosts(ctx, hpIDs); err != nil {
			return err
		}
	}

	triggers, err := tx.Triggers(ctx, db.TriggerFilter{ItemIDs: deleteIDs})
	if err != nil {
		return err
	}
	triggerIDs := make([]int64, 0, len(triggers))
	for _, t := range triggers {
		triggerIDs = append(triggerIDs, t.ID)
	}
	if err := tx.DeleteTriggers(ctx, triggerIDs); err != nil {
		return err
	}

	graphs, err := tx.Graphs(ctx, db.GraphFilter{ItemIDs: deleteIDs})
	if err != nil {
		return err
	}
	graphIDs := make([]int64, 0, len(graphs))
	for _, g := range graphs {
		graphIDs = append(graphIDs, g.ID)
	}
	if err := tx.ResetGraphAxisItems(ctx, deleteIDs); err != nil {
		return err
	}
	if err := tx.DeleteItems(ctx, deleteIDs); err != nil {
		return err
	}
	empty, err := tx.EmptyGraphIDs(ctx, graphIDs)
	if err != nil {
		return err
	}
	if err := tx.DeleteGraphs(ctx, empty); err != nil {
		return err
	}

	byKind := map[db.EntityKind]map[int64]string{}
	hosts := make(map[int64]int64, len(allItems))
	for _, it := range allItems {
		kind := db.ItemKind(it.Flags)
		if byKind[kind] == nil {
			byKind[kind] = map[int64]string{}
		}
		byKind[kind][it.ID] = it.Key
		hosts[it.ID] = it.HostID
	}
	for _, kind := range []db.EntityKind{db.KindDiscoveryRule, db.KindItem, db.KindItemPrototype} {
		if names := byKind[kind]; len(names) > 0 {
			if err := notifyDeleted(ctx, tx, kind, names, hosts); err != nil {
				return err
			}
		}
	}
	return nil
}
