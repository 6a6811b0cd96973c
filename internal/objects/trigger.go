package objects

import (
	"context"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// Triggers manages triggers and trigger prototypes and their dependencies.
type Triggers struct {
	api *API
}

func (s *Triggers) Get(ctx context.Context, tx *db.Tx, f db.TriggerFilter) ([]db.Trigger, error) {
	return tx.Triggers(ctx, f)
}

// Explode returns the expression of t with host names and item keys.
func (s *Triggers) Explode(ctx context.Context, tx *db.Tx, t db.Trigger) (string, error) {
	return explode(ctx, tx, t)
}

func (s *Triggers) byID(ctx context.Context, tx *db.Tx, id int64) (db.Trigger, bool, error) {
	triggers, err := tx.Triggers(ctx, db.TriggerFilter{IDs: []int64{id}})
	if err != nil || len(triggers) == 0 {
		return db.Trigger{}, false, err
	}
	return triggers[0], true, nil
}

func kindLabel(kind db.EntityKind) string {
	return strings.ToLower(kind.String())
}

// checkItems validates the items a user expression references.
func (s *Triggers) checkItems(ctx context.Context, tx *db.Tx, t db.Trigger, items []db.Item) error {
	hostIDs := make([]int64, 0, len(items))
	prototypes := 0
	for _, it := range items {
		hostIDs = append(hostIDs, it.HostID)
		switch it.Flags {
		case db.FlagDiscoveryRule:
			return apierr.Parameters("Trigger \"%s\" cannot use discovery rule \"%s\".", t.Description, it.Key)
		case db.FlagPrototype:
			if t.Flags != db.FlagPrototype {
				return apierr.Parameters("Trigger \"%s\" cannot use item prototype \"%s\".", t.Description, it.Key)
			}
			prototypes++
		}
	}
	if t.Flags == db.FlagPrototype && prototypes == 0 {
		return apierr.Parameters("Trigger prototype \"%s\" must contain at least one item prototype.", t.Description)
	}
	hosts, err := tx.Hosts(ctx, db.HostFilter{IDs: hostIDs})
	if err != nil {
		return err
	}
	templates := 0
	for _, h := range hosts {
		if h.IsTemplate() {
			templates++
		}
	}
	if templates > 0 && templates != len(hosts) {
		return apierr.Parameters("Incorrect trigger expression. Trigger expression elements should not belong to a template and a host simultaneously.")
	}
	return nil
}

func (s *Triggers) checkDuplicate(ctx context.Context, tx *db.Tx, t db.Trigger, sk skeleton, hostID int64) error {
	same, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: []int64{hostID}, Descriptions: []string{t.Description}})
	if err != nil {
		return err
	}
	sig := sk.signature()
	for _, other := range same {
		if other.ID == t.ID {
			continue
		}
		fns, err := tx.Functions(ctx, []int64{other.ID})
		if err != nil {
			return err
		}
		if storedSkeleton(other.Expression, fns).signature() == sig {
			name, err := hostName(ctx, tx, hostID)
			if err != nil {
				return err
			}
			return apierr.Parameters("Trigger \"%s\" already exists on \"%s\".", t.Description, name)
		}
	}
	return nil
}

// Create inserts a trigger from its user form expression, copies it to every
// host below its first host and returns it with the stored expression.
func (s *Triggers) Create(ctx context.Context, tx *db.Tx, t db.Trigger) (db.Trigger, error) {
	t.Description = strings.TrimSpace(t.Description)
	if t.Description == "" {
		return db.Trigger{}, apierr.Parameters("Trigger description cannot be empty.")
	}
	if t.Flags != db.FlagNormal && t.Flags != db.FlagPrototype {
		return db.Trigger{}, apierr.Parameters("Incorrect flags %d for trigger \"%s\".", t.Flags, t.Description)
	}
	sk, items, err := resolveExpression(ctx, tx, t.Expression)
	if err != nil {
		return db.Trigger{}, err
	}
	if err := s.checkItems(ctx, tx, t, items); err != nil {
		return db.Trigger{}, err
	}
	owner := items[0].HostID
	t.ID = 0
	if err := s.checkDuplicate(ctx, tx, t, sk, owner); err != nil {
		return db.Trigger{}, err
	}
	t.TemplateID = 0
	created, err := writeTrigger(ctx, tx, t, sk)
	if err != nil {
		return db.Trigger{}, err
	}
	created.HostID = owner
	err = s.api.propagate(ctx, tx, owner, created.ID, func(parentID, hostID int64) (int64, error) {
		return s.inherit(ctx, tx, parentID, hostID)
	})
	if err != nil {
		return db.Trigger{}, err
	}
	return created, nil
}

// Update rewrites a non-inherited trigger and refreshes every inherited copy.
// An empty Expression keeps the current one.
func (s *Triggers) Update(ctx context.Context, tx *db.Tx, t db.Trigger) error {
	current, found, err := s.byID(ctx, tx, t.ID)
	if err != nil {
		return err
	}
	if !found {
		return apierr.Permission()
	}
	if current.TemplateID != 0 {
		return apierr.Parameters("Cannot update templated %s \"%s\".", kindLabel(db.TriggerKind(current.Flags)), current.Description)
	}
	t.Flags = current.Flags
	t.TemplateID = 0
	t.Description = strings.TrimSpace(t.Description)
	if t.Description == "" {
		return apierr.Parameters("Trigger description cannot be empty.")
	}

	var sk skeleton
	if t.Expression == "" {
		fns, err := tx.Functions(ctx, []int64{current.ID})
		if err != nil {
			return err
		}
		sk = storedSkeleton(current.Expression, fns)
	} else {
		var items []db.Item
		sk, items, err = resolveExpression(ctx, tx, t.Expression)
		if err != nil {
			return err
		}
		if err := s.checkItems(ctx, tx, t, items); err != nil {
			return err
		}
	}
	if err := s.checkDuplicate(ctx, tx, t, sk, current.HostID); err != nil {
		return err
	}
	if _, err := writeTrigger(ctx, tx, t, sk); err != nil {
		return err
	}
	return s.api.cascade(ctx, tx, db.TriggerKind(t.Flags), t.ID, func(parentID, childID int64) error {
		child, found, err := s.byID(ctx, tx, childID)
		if err != nil || !found {
			return err
		}
		_, err = s.inherit(ctx, tx, parentID, child.HostID)
		return err
	})
}

// inherit writes the copy of trigger parentID on hostID. Every item of the
// parent must belong to a template linked to hostID, otherwise the host is
// skipped and 0 is returned. A non-inherited trigger with the same
// description and expression is adopted.
func (s *Triggers) inherit(ctx context.Context, tx *db.Tx, parentID, hostID int64) (int64, error) {
	parent, found, err := s.byID(ctx, tx, parentID)
	if err != nil || !found {
		return 0, err
	}
	fns, err := tx.Functions(ctx, []int64{parent.ID})
	if err != nil {
		return 0, err
	}
	itemIDs := make([]int64, 0, len(fns))
	for _, fn := range fns {
		itemIDs = append(itemIDs, fn.ItemID)
	}
	items, err := tx.Items(ctx, db.ItemFilter{IDs: itemIDs})
	if err != nil {
		return 0, err
	}
	byID := make(map[int64]db.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	linked, err := tx.TemplateIDsOf(ctx, hostID)
	if err != nil {
		return 0, err
	}

	sk := storedSkeleton(parent.Expression, fns)
	for i, f := range sk.funcs {
		src, ok := byID[f.itemID]
		if !ok {
			return 0, apierr.Internal(nil, "Trigger \"%s\" references missing item %d.", parent.Description, f.itemID)
		}
		if src.HostID == hostID {
			continue
		}
		if !contains(linked, src.HostID) {
			return 0, nil
		}
		target, found, err := tx.ItemByKey(ctx, hostID, src.Key)
		if err != nil {
			return 0, err
		}
		if !found {
			name, err := hostName(ctx, tx, hostID)
			if err != nil {
				return 0, err
			}
			return 0, apierr.Parameters("Cannot find item \"%s\" on \"%s\" used by trigger \"%s\".", src.Key, name, parent.Description)
		}
		sk.funcs[i].itemID = target.ID
	}

	child, err := s.findCopy(ctx, tx, parent, sk, hostID)
	if err != nil {
		return 0, err
	}
	written, err := writeTrigger(ctx, tx, db.Trigger{
		ID:          child.ID,
		Description: parent.Description,
		Priority:    parent.Priority,
		Status:      parent.Status,
		TemplateID:  parent.ID,
		Flags:       parent.Flags,
	}, sk)
	if err != nil {
		return 0, err
	}
	return written.ID, nil
}

// findCopy returns the existing copy of parent on hostID, an adoptable
// trigger, or a zero Trigger.
func (s *Triggers) findCopy(ctx context.Context, tx *db.Tx, parent db.Trigger, sk skeleton, hostID int64) (db.Trigger, error) {
	copies, err := tx.Triggers(ctx, db.TriggerFilter{TemplateIDs: []int64{parent.ID}, HostIDs: []int64{hostID}})
	if err != nil {
		return db.Trigger{}, err
	}
	if len(copies) > 0 {
		return copies[0], nil
	}
	same, err := tx.Triggers(ctx, db.TriggerFilter{
		HostIDs:      []int64{hostID},
		Descriptions: []string{parent.Description},
		Flags:        []db.Flag{parent.Flags},
	})
	if err != nil {
		return db.Trigger{}, err
	}
	sig := sk.signature()
	for _, candidate := range same {
		fns, err := tx.Functions(ctx, []int64{candidate.ID})
		if err != nil {
			return db.Trigger{}, err
		}
		if storedSkeleton(candidate.Expression, fns).signature() != sig {
			continue
		}
		if candidate.TemplateID != 0 {
			name, err := hostName(ctx, tx, hostID)
			if err != nil {
				return db.Trigger{}, err
			}
			return db.Trigger{}, apierr.Parameters("Trigger \"%s\" already exists on \"%s\", inherited from another template.", parent.Description, name)
		}
		return candidate, nil
	}
	return db.Trigger{}, nil
}

// Sync copies every trigger of templateID with flag onto hostID and returns
// how many copies were written.
func (s *Triggers) Sync(ctx context.Context, tx *db.Tx, templateID, hostID int64, flag db.Flag) (int, error) {
	triggers, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: []int64{templateID}, Flags: []db.Flag{flag}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range triggers {
		id, err := s.inherit(ctx, tx, t.ID, hostID)
		if err != nil {
			return 0, err
		}
		if id != 0 {
			n++
		}
	}
	return n, nil
}

// upCopy maps the trigger upID onto hostID: its inherited copy there, or upID
// itself when it does not live on a template.
func (s *Triggers) upCopy(ctx context.Context, tx *db.Tx, upID, hostID int64) (int64, bool, error) {
	copies, err := tx.Triggers(ctx, db.TriggerFilter{TemplateIDs: []int64{upID}, HostIDs: []int64{hostID}})
	if err != nil {
		return 0, false, err
	}
	if len(copies) > 0 {
		return copies[0].ID, true, nil
	}
	hosts, err := tx.TriggerHosts(ctx, []int64{upID})
	if err != nil {
		return 0, false, err
	}
	templates, err := tx.Hosts(ctx, db.HostFilter{IDs: hosts[upID], Statuses: []db.HostStatus{db.HostTemplate}})
	if err != nil {
		return 0, false, err
	}
	if len(templates) > 0 {
		return 0, false, nil
	}
	return upID, true, nil
}

// SyncDependencies copies the dependencies of the triggers of templateID onto
// their copies on hostID.
func (s *Triggers) SyncDependencies(ctx context.Context, tx *db.Tx, templateID, hostID int64) (int, error) {
	triggers, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: []int64{templateID}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range triggers {
		deps, err := tx.Dependencies(ctx, []int64{t.ID}, nil)
		if err != nil {
			return 0, err
		}
		if len(deps) == 0 {
			continue
		}
		copies, err := tx.Triggers(ctx, db.TriggerFilter{TemplateIDs: []int64{t.ID}, HostIDs: []int64{hostID}})
		if err != nil {
			return 0, err
		}
		if len(copies) == 0 {
			continue
		}
		for _, d := range deps {
			upID, ok, err := s.upCopy(ctx, tx, d.UpID, hostID)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
			if err := tx.InsertDependency(ctx, copies[0].ID, upID); err != nil {
				return 0, err
			}
			n++
		}
	}
	return n, nil
}

// AddDependency makes downID depend on upID and repeats the dependency on
// every inherited copy of downID.
func (s *Triggers) AddDependency(ctx context.Context, tx *db.Tx, downID, upID int64) error {
	if downID == upID {
		return apierr.Parameters("Cannot create dependency on trigger itself.")
	}
	down, found, err := s.byID(ctx, tx, downID)
	if err != nil {
		return err
	}
	if !found {
		return apierr.Permission()
	}
	if _, found, err := s.byID(ctx, tx, upID); err != nil {
		return err
	} else if !found {
		return apierr.Permission()
	}
	reverse, err := tx.Dependencies(ctx, []int64{upID}, []int64{downID})
	if err != nil {
		return err
	}
	if len(reverse) > 0 {
		return apierr.Parameters("Cannot create circular dependency for trigger \"%s\".", down.Description)
	}
	if err := tx.InsertDependency(ctx, downID, upID); err != nil {
		return err
	}
	ups := map[int64]int64{downID: upID}
	return s.api.cascade(ctx, tx, db.TriggerKind(down.Flags), downID, func(parentID, childID int64) error {
		parentUp, ok := ups[parentID]
		if !ok {
			return nil
		}
		child, found, err := s.byID(ctx, tx, childID)
		if err != nil || !found {
			return err
		}
		mapped, ok, err := s.upCopy(ctx, tx, parentUp, child.HostID)
		if err != nil || !ok {
			return err
		}
		ups[childID] = mapped
		return tx.InsertDependency(ctx, childID, mapped)
	})
}

// Delete removes triggers and every inherited copy. Without clear, inherited
// triggers are refused.
func (s *Triggers) Delete(ctx context.Context, tx *db.Tx, ids []int64, clear bool) error {
	if len(ids) == 0 {
		return nil
	}
	triggers, err := tx.Triggers(ctx, db.TriggerFilter{IDs: ids})
	if err != nil {
		return err
	}
	if len(triggers) != len(uniqueIDs(ids)) {
		return apierr.Permission()
	}
	if !clear {
		for _, t := range triggers {
			if t.TemplateID != 0 {
				return apierr.Parameters("Cannot delete templated %s \"%s\".", kindLabel(db.TriggerKind(t.Flags)), t.Description)
			}
		}
	}
	all, err := s.api.withDescendants(ctx, tx, db.KindTrigger, ids)
	if err != nil {
		return err
	}
	allTriggers, err := tx.Triggers(ctx, db.TriggerFilter{IDs: all})
	if err != nil {
		return err
	}
	if err := tx.DeleteTriggers(ctx, all); err != nil {
		return err
	}
	byKind := map[db.EntityKind]map[int64]string{}
	hosts := make(map[int64]int64, len(allTriggers))
	for _, t := range allTriggers {
		kind := db.TriggerKind(t.Flags)
		if byKind[kind] == nil {
			byKind[kind] = map[int64]string{}
		}
		byKind[kind][t.ID] = t.Description
		hosts[t.ID] = t.HostID
	}
	for _, kind := range []db.EntityKind{db.KindTrigger, db.KindTriggerPrototype} {
		if names := byKind[kind]; len(names) > 0 {
			if err := notifyDeleted(ctx, tx, kind, names, hosts); err != nil {
				return err
			}
		}
	}
	return nil
}
