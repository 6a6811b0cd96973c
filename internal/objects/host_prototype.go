package objects

import (
	"context"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// HostPrototypes manages host prototypes of discovery rules.
type HostPrototypes struct {
	api *API
}

func (s *HostPrototypes) Get(ctx context.Context, tx *db.Tx, f db.HostPrototypeFilter) ([]db.HostPrototype, error) {
	return tx.HostPrototypes(ctx, f)
}

// GroupPrototypes returns the group prototypes of hostPrototypeID.
func (s *HostPrototypes) GroupPrototypes(ctx context.Context, tx *db.Tx, hostPrototypeID int64) ([]db.GroupPrototype, error) {
	return tx.GroupPrototypes(ctx, []int64{hostPrototypeID})
}

func (s *HostPrototypes) byID(ctx context.Context, tx *db.Tx, id int64) (db.HostPrototype, bool, error) {
	protos, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{IDs: []int64{id}})
	if err != nil || len(protos) == 0 {
		return db.HostPrototype{}, false, err
	}
	return protos[0], true, nil
}

func (s *HostPrototypes) rule(ctx context.Context, tx *db.Tx, ruleID int64) (db.Item, error) {
	rules, err := tx.Items(ctx, db.ItemFilter{IDs: []int64{ruleID}, Flags: []db.Flag{db.FlagDiscoveryRule}})
	if err != nil {
		return db.Item{}, err
	}
	if len(rules) == 0 {
		return db.Item{}, apierr.Permission()
	}
	return rules[0], nil
}

// Create adds a host prototype to a discovery rule and copies it to every
// inherited copy of the rule.
func (s *HostPrototypes) Create(ctx context.Context, tx *db.Tx, hp db.HostPrototype, groups []db.GroupPrototype) (db.HostPrototype, error) {
	hp.Host = strings.TrimSpace(hp.Host)
	if hp.Host == "" {
		return db.HostPrototype{}, apierr.Parameters("Host prototype name cannot be empty.")
	}
	if hp.Status != db.HostMonitored && hp.Status != db.HostNotMonitored {
		return db.HostPrototype{}, apierr.Parameters("Incorrect status %d for host prototype \"%s\".", hp.Status, hp.Host)
	}
	if len(groups) == 0 {
		return db.HostPrototype{}, apierr.Parameters("Host prototype \"%s\" must have at least one group.", hp.Host)
	}
	rule, err := s.rule(ctx, tx, hp.RuleID)
	if err != nil {
		return db.HostPrototype{}, err
	}
	same, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: []int64{rule.ID}, Hosts: []string{hp.Host}})
	if err != nil {
		return db.HostPrototype{}, err
	}
	if len(same) > 0 {
		return db.HostPrototype{}, apierr.Parameters("Host prototype \"%s\" already exists in discovery rule \"%s\".", hp.Host, rule.Key)
	}
	hp.ID = 0
	hp.TemplateID = 0
	created, err := tx.InsertHostPrototype(ctx, hp)
	if err != nil {
		return db.HostPrototype{}, err
	}
	for _, gp := range groups {
		gp.HostID = created.ID
		gp.TemplateID = 0
		if _, err := tx.InsertGroupPrototype(ctx, gp); err != nil {
			return db.HostPrototype{}, err
		}
	}
	err = s.api.propagate(ctx, tx, rule.HostID, created.ID, func(parentID, hostID int64) (int64, error) {
		return s.inherit(ctx, tx, parentID, hostID)
	})
	if err != nil {
		return db.HostPrototype{}, err
	}
	return created, nil
}

// Update rewrites a non-inherited host prototype and its copies. A nil groups
// keeps the current group prototypes.
func (s *HostPrototypes) Update(ctx context.Context, tx *db.Tx, hp db.HostPrototype, groups []db.GroupPrototype) error {
	current, found, err := s.byID(ctx, tx, hp.ID)
	if err != nil {
		return err
	}
	if !found {
		return apierr.Permission()
	}
	if current.TemplateID != 0 {
		return apierr.Parameters("Cannot update templated host prototype \"%s\".", current.Host)
	}
	hp.RuleID = current.RuleID
	hp.TemplateID = 0
	hp.Host = strings.TrimSpace(hp.Host)
	if hp.Host == "" {
		return apierr.Parameters("Host prototype name cannot be empty.")
	}
	if hp.Host != current.Host {
		same, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: []int64{hp.RuleID}, Hosts: []string{hp.Host}})
		if err != nil {
			return err
		}
		if len(same) > 0 {
			return apierr.Parameters("Host prototype \"%s\" already exists in the discovery rule.", hp.Host)
		}
	}
	if err := tx.UpdateHostPrototype(ctx, hp); err != nil {
		return err
	}
	if groups != nil {
		if err := tx.DeleteGroupPrototypesOf(ctx, hp.ID); err != nil {
			return err
		}
		for _, gp := range groups {
			gp.HostID = hp.ID
			gp.TemplateID = 0
			if _, err := tx.InsertGroupPrototype(ctx, gp); err != nil {
				return err
			}
		}
	}
	return s.api.cascade(ctx, tx, db.KindHostPrototype, hp.ID, func(parentID, childID int64) error {
		child, found, err := s.byID(ctx, tx, childID)
		if err != nil || !found {
			return err
		}
		rule, err := s.rule(ctx, tx, child.RuleID)
		if err != nil {
			return err
		}
		_, err = s.inherit(ctx, tx, parentID, rule.HostID)
		return err
	})
}

// inherit writes the copy of host prototype parentID under the copy of its
// discovery rule on hostID.
func (s *HostPrototypes) inherit(ctx context.Context, tx *db.Tx, parentID, hostID int64) (int64, error) {
	parent, found, err := s.byID(ctx, tx, parentID)
	if err != nil || !found {
		return 0, err
	}
	rule, found, err := tx.ItemByTemplate(ctx, hostID, parent.RuleID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, apierr.Internal(nil, "Discovery rule of host prototype \"%s\" was not copied to host %d.", parent.Host, hostID)
	}

	copies, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{TemplateIDs: []int64{parent.ID}, RuleIDs: []int64{rule.ID}})
	if err != nil {
		return 0, err
	}
	var child db.HostPrototype
	if len(copies) > 0 {
		child = copies[0]
	} else {
		same, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: []int64{rule.ID}, Hosts: []string{parent.Host}})
		if err != nil {
			return 0, err
		}
		if len(same) > 0 {
			if same[0].TemplateID != 0 {
				name, err := hostName(ctx, tx, hostID)
				if err != nil {
					return 0, err
				}
				return 0, apierr.Parameters("Host prototype \"%s\" already exists on \"%s\", inherited from another template.", parent.Host, name)
			}
			child = same[0]
		}
	}

	copyProto := db.HostPrototype{
		ID:         child.ID,
		Host:       parent.Host,
		Name:       parent.Name,
		Status:     parent.Status,
		TemplateID: parent.ID,
		RuleID:     rule.ID,
	}
	if copyProto.ID != 0 {
		if err := tx.UpdateHostPrototype(ctx, copyProto); err != nil {
			return 0, err
		}
	} else if copyProto, err = tx.InsertHostPrototype(ctx, copyProto); err != nil {
		return 0, err
	}

	groups, err := tx.GroupPrototypes(ctx, []int64{parent.ID})
	if err != nil {
		return 0, err
	}
	if err := tx.DeleteGroupPrototypesOf(ctx, copyProto.ID); err != nil {
		return 0, err
	}
	for _, gp := range groups {
		if _, err := tx.InsertGroupPrototype(ctx, db.GroupPrototype{
			HostID:     copyProto.ID,
			Name:       gp.Name,
			GroupID:    gp.GroupID,
			TemplateID: gp.ID,
		}); err != nil {
			return 0, err
		}
	}
	return copyProto.ID, nil
}

// Sync copies the host prototypes of every discovery rule of templateID onto
// the rule copies on hostID.
func (s *HostPrototypes) Sync(ctx context.Context, tx *db.Tx, templateID, hostID int64) (int, error) {
	rules, err := tx.Items(ctx, db.ItemFilter{HostIDs: []int64{templateID}, Flags: []db.Flag{db.FlagDiscoveryRule}})
	if err != nil {
		return 0, err
	}
	if len(rules) == 0 {
		return 0, nil
	}
	ruleIDs := make([]int64, 0, len(rules))
	for _, r := range rules {
		ruleIDs = append(ruleIDs, r.ID)
	}
	protos, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: ruleIDs})
	if err != nil {
		return 0, err
	}
	for _, hp := range protos {
		if _, err := s.inherit(ctx, tx, hp.ID, hostID); err != nil {
			return 0, err
		}
	}
	return len(protos), nil
}

// Delete removes host prototypes and every inherited copy. Without clear,
// inherited host prototypes are refused.
func (s *HostPrototypes) Delete(ctx context.Context, tx *db.Tx, ids []int64, clear bool) error {
	if len(ids) == 0 {
		return nil
	}
	protos, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{IDs: ids})
	if err != nil {
		return err
	}
	if len(protos) != len(uniqueIDs(ids)) {
		return apierr.Permission()
	}
	if !clear {
		for _, hp := range protos {
			if hp.TemplateID != 0 {
				return apierr.Parameters("Cannot delete templated host prototype \"%s\".", hp.Host)
			}
		}
	}
	all, err := s.api.withDescendants(ctx, tx, db.KindHostPrototype, ids)
	if err != nil {
		return err
	}
	allProtos, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{IDs: all})
	if err != nil {
		return err
	}
	ruleIDs := make([]int64, 0, len(allProtos))
	for _, hp := range allProtos {
		ruleIDs = append(ruleIDs, hp.RuleID)
	}
	rules, err := tx.Items(ctx, db.ItemFilter{IDs: ruleIDs})
	if err != nil {
		return err
	}
	ruleHost := make(map[int64]int64, len(rules))
	for _, r := range rules {
		ruleHost[r.ID] = r.HostID
	}
	if err := tx.DeleteHosts(ctx, all); err != nil {
		return err
	}
	names := make(map[int64]string, len(allProtos))
	hosts := make(map[int64]int64, len(allProtos))
	for _, hp := range allProtos {
		names[hp.ID] = hp.Host
		hosts[hp.ID] = ruleHost[hp.RuleID]
	}
	return notifyDeleted(ctx, tx, db.KindHostPrototype, names, hosts)
}
