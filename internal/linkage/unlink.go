package linkage

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/audit"
	"github.com/sloppy/tplsync/internal/db"
)

// inherited is one batch of copies of a single kind on the unlinked hosts.
type inherited struct {
	kind  db.EntityKind
	names map[int64]string
	hosts map[int64]int64
}

func newInherited(kind db.EntityKind) *inherited {
	return &inherited{kind: kind, names: map[int64]string{}, hosts: map[int64]int64{}}
}

func (s *inherited) add(id int64, name string, hostID int64) {
	s.names[id] = name
	s.hosts[id] = hostID
}

func (s *inherited) ids() []int64 {
	ids := make([]int64, 0, len(s.names))
	for id := range s.names {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Unlink removes the links between templateIDs and hostIDs. A nil hostIDs
// means every host linked to the templates. With clear the inherited copies
// are deleted, otherwise they stay behind as plain entities of the host.
// It returns the number of links removed.
func (e *Engine) Unlink(ctx context.Context, tx *db.Tx, templateIDs, hostIDs []int64, clear bool) (int64, error) {
	templateIDs = uniq(templateIDs)
	if len(templateIDs) == 0 {
		return 0, apierr.Parameters("Templates to unlink cannot be empty.")
	}
	if _, err := e.templates(ctx, tx, templateIDs); err != nil {
		return 0, err
	}
	if hostIDs == nil {
		linked, err := tx.HostIDsLinkedTo(ctx, templateIDs)
		if err != nil {
			return 0, err
		}
		hostIDs = linked
	}
	hostIDs = uniq(hostIDs)
	if len(hostIDs) == 0 {
		return 0, nil
	}
	targets, err := tx.Hosts(ctx, db.HostFilter{IDs: hostIDs})
	if err != nil {
		return 0, err
	}
	if len(targets) != len(hostIDs) {
		return 0, apierr.Permission()
	}
	if err := e.checkSharedTriggers(ctx, tx, templateIDs, hostIDs); err != nil {
		return 0, err
	}

	c, err := collect(ctx, tx, templateIDs, hostIDs, clear)
	if err != nil {
		return 0, err
	}
	if err := e.unlinkTriggers(ctx, tx, c, clear); err != nil {
		return 0, err
	}
	if err := e.unlinkItems(ctx, tx, c, clear); err != nil {
		return 0, err
	}
	if !clear {
		if err := resetHostPrototypes(ctx, tx, c.hostPrototypes); err != nil {
			return 0, err
		}
	}
	if err := e.unlinkGraphs(ctx, tx, c, clear); err != nil {
		return 0, err
	}
	if err := e.unlinkWebScenarios(ctx, tx, c, clear); err != nil {
		return 0, err
	}
	if err := e.unlinkApplications(ctx, tx, c, clear); err != nil {
		return 0, err
	}

	removed, err := tx.DeleteTemplateLinks(ctx, templateIDs, hostIDs)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		tplNames, err := namesOf(ctx, tx, templateIDs)
		if err != nil {
			return 0, err
		}
		hostNames, err := namesOf(ctx, tx, hostIDs)
		if err != nil {
			return 0, err
		}
		audit.Notify(ctx, "Templates [%s] unlinked from hosts [%s].", tplNames, hostNames)
	}
	e.log.WithFields(logrus.Fields{
		"templates": templateIDs,
		"hosts":     hostIDs,
		"clear":     clear,
		"removed":   removed,
	}).Debug("templates unlinked")
	return removed, nil
}

// checkSharedTriggers refuses to unlink a template whose triggers also use
// items of another template that stays linked to one of the hosts.
//
// This is narrower than refusing whenever a normal trigger of templateIDs
// has a function on an item of any host outside templateIDs. A trigger
// spanning a template and a plain host is never inherited (see
// Triggers.inherit), so no copy on hostIDs can depend on such a host and
// only templates that stay linked can leave a copy referencing items
// that would lose their template origin.
func (e *Engine) checkSharedTriggers(ctx context.Context, tx *db.Tx, templateIDs, hostIDs []int64) error {
	triggers, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: templateIDs, Flags: []db.Flag{db.FlagNormal}})
	if err != nil || len(triggers) == 0 {
		return err
	}
	ids := make([]int64, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, t.ID)
	}
	triggerHosts, err := tx.TriggerHosts(ctx, ids)
	if err != nil {
		return err
	}
	unlinked := make(map[int64]bool, len(templateIDs))
	for _, id := range templateIDs {
		unlinked[id] = true
	}
	for _, hostID := range hostIDs {
		remaining, err := tx.TemplateIDsOf(ctx, hostID)
		if err != nil {
			return err
		}
		stays := make(map[int64]bool, len(remaining))
		for _, id := range remaining {
			if !unlinked[id] {
				stays[id] = true
			}
		}
		if len(stays) == 0 {
			continue
		}
		for _, t := range triggers {
			for _, other := range triggerHosts[t.ID] {
				if !stays[other] {
					continue
				}
				names, err := tx.HostNames(ctx, []int64{other, hostID})
				if err != nil {
					return err
				}
				return apierr.Parameters("Cannot unlink trigger \"%s\", it has items from template \"%s\" that stays linked to \"%s\".",
					t.Description, names[other], names[hostID])
			}
		}
	}
	return nil
}

// collection holds every inherited copy on the unlinked hosts, gathered
// before anything is changed.
type collection struct {
	triggers       map[db.Flag]*inherited
	items          map[db.Flag]*inherited
	hostPrototypes *inherited
	graphs         map[db.Flag]*inherited
	webScenarios   *inherited

	applications   []db.Application
	applicationIDs []int64
	appLinks       []db.ApplicationTemplate
}

func collect(ctx context.Context, tx *db.Tx, templateIDs, hostIDs []int64, clear bool) (*collection, error) {
	c := &collection{
		triggers:       map[db.Flag]*inherited{},
		items:          map[db.Flag]*inherited{},
		graphs:         map[db.Flag]*inherited{},
		hostPrototypes: newInherited(db.KindHostPrototype),
		webScenarios:   newInherited(db.KindWebScenario),
	}

	tplTriggers, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: templateIDs})
	if err != nil {
		return nil, err
	}
	triggerCopies, err := tx.Triggers(ctx, db.TriggerFilter{TemplateIDs: triggerIDs(tplTriggers), HostIDs: hostIDs})
	if err != nil {
		return nil, err
	}
	for _, t := range triggerCopies {
		set := c.triggers[t.Flags]
		if set == nil {
			set = newInherited(db.TriggerKind(t.Flags))
			c.triggers[t.Flags] = set
		}
		set.add(t.ID, t.Description, t.HostID)
	}

	tplItems, err := tx.Items(ctx, db.ItemFilter{HostIDs: templateIDs})
	if err != nil {
		return nil, err
	}
	tplItemIDs := make([]int64, 0, len(tplItems))
	var tplRuleIDs []int64
	for _, it := range tplItems {
		tplItemIDs = append(tplItemIDs, it.ID)
		if it.Flags == db.FlagDiscoveryRule {
			tplRuleIDs = append(tplRuleIDs, it.ID)
		}
	}
	itemCopies, err := tx.Items(ctx, db.ItemFilter{TemplateIDs: tplItemIDs, HostIDs: hostIDs})
	if err != nil {
		return nil, err
	}
	ruleHost := map[int64]int64{}
	copyRuleIDs := []int64{}
	for _, it := range itemCopies {
		set := c.items[it.Flags]
		if set == nil {
			set = newInherited(db.ItemKind(it.Flags))
			c.items[it.Flags] = set
		}
		set.add(it.ID, it.Key, it.HostID)
		if it.Flags == db.FlagDiscoveryRule {
			ruleHost[it.ID] = it.HostID
			copyRuleIDs = append(copyRuleIDs, it.ID)
		}
	}

	if !clear && len(tplRuleIDs) > 0 && len(copyRuleIDs) > 0 {
		tplProtos, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: tplRuleIDs})
		if err != nil {
			return nil, err
		}
		protoIDs := make([]int64, 0, len(tplProtos))
		for _, hp := range tplProtos {
			protoIDs = append(protoIDs, hp.ID)
		}
		protoCopies, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{TemplateIDs: protoIDs, RuleIDs: copyRuleIDs})
		if err != nil {
			return nil, err
		}
		for _, hp := range protoCopies {
			c.hostPrototypes.add(hp.ID, hp.Host, ruleHost[hp.RuleID])
		}
	}

	tplGraphs, err := tx.Graphs(ctx, db.GraphFilter{HostIDs: templateIDs})
	if err != nil {
		return nil, err
	}
	graphIDs := make([]int64, 0, len(tplGraphs))
	for _, g := range tplGraphs {
		graphIDs = append(graphIDs, g.ID)
	}
	graphCopies, err := tx.Graphs(ctx, db.GraphFilter{TemplateIDs: graphIDs, HostIDs: hostIDs})
	if err != nil {
		return nil, err
	}
	for _, g := range graphCopies {
		set := c.graphs[g.Flags]
		if set == nil {
			set = newInherited(db.GraphKind(g.Flags))
			c.graphs[g.Flags] = set
		}
		set.add(g.ID, g.Name, g.HostID)
	}

	tplScenarios, err := tx.WebScenarios(ctx, db.WebScenarioFilter{HostIDs: templateIDs})
	if err != nil {
		return nil, err
	}
	scenarioIDs := make([]int64, 0, len(tplScenarios))
	for _, ws := range tplScenarios {
		scenarioIDs = append(scenarioIDs, ws.ID)
	}
	scenarioCopies, err := tx.WebScenarios(ctx, db.WebScenarioFilter{TemplateIDs: scenarioIDs, HostIDs: hostIDs})
	if err != nil {
		return nil, err
	}
	for _, ws := range scenarioCopies {
		c.webScenarios.add(ws.ID, ws.Name, ws.HostID)
	}

	tplApps, err := tx.Applications(ctx, db.ApplicationFilter{HostIDs: templateIDs})
	if err != nil {
		return nil, err
	}
	tplAppIDs := make([]int64, 0, len(tplApps))
	for _, app := range tplApps {
		tplAppIDs = append(tplAppIDs, app.ID)
	}
	c.applicationIDs = tplAppIDs
	if c.applications, err = tx.Applications(ctx, db.ApplicationFilter{HostIDs: hostIDs}); err != nil {
		return nil, err
	}
	hostAppIDs := make([]int64, 0, len(c.applications))
	for _, app := range c.applications {
		hostAppIDs = append(hostAppIDs, app.ID)
	}
	if c.appLinks, err = tx.ApplicationTemplates(ctx, hostAppIDs, tplAppIDs); err != nil {
		return nil, err
	}
	return c, nil
}

func triggerIDs(triggers []db.Trigger) []int64 {
	ids := make([]int64, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, t.ID)
	}
	return ids
}

// detach resets the templateid of a batch and reports each row.
func detach(ctx context.Context, tx *db.Tx, set *inherited) error {
	if set == nil || len(set.names) == 0 {
		return nil
	}
	ids := set.ids()
	if err := tx.ResetTemplateIDs(ctx, set.kind, ids); err != nil {
		return err
	}
	return notifyUnlinked(ctx, tx, set)
}

func notifyUnlinked(ctx context.Context, tx *db.Tx, set *inherited) error {
	hostIDs := make([]int64, 0, len(set.hosts))
	for _, h := range set.hosts {
		hostIDs = append(hostIDs, h)
	}
	hostNames, err := tx.HostNames(ctx, hostIDs)
	if err != nil {
		return err
	}
	for _, id := range set.ids() {
		audit.Notify(ctx, "Unlinked: %s \"%s\" on \"%s\".", set.kind, set.names[id], hostNames[set.hosts[id]])
	}
	return nil
}

// clearSet deletes the rows of set that still exist; earlier cascades may
// already have removed some of them.
func clearSet(ctx context.Context, tx *db.Tx, set *inherited,
	exists func(ids []int64) ([]int64, error),
	del func(ids []int64) error) error {
	if set == nil || len(set.names) == 0 {
		return nil
	}
	ids, err := exists(set.ids())
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	if err := del(ids); err != nil {
		return apierr.Internal(err, "Cannot unlink and clear %s.", strings.ToLower(set.kind.String())+"s")
	}
	return nil
}

func (e *Engine) unlinkTriggers(ctx context.Context, tx *db.Tx, c *collection, clear bool) error {
	for _, flag := range []db.Flag{db.FlagNormal, db.FlagPrototype} {
		set := c.triggers[flag]
		if !clear {
			if err := detach(ctx, tx, set); err != nil {
				return err
			}
			continue
		}
		err := clearSet(ctx, tx, set,
			func(ids []int64) ([]int64, error) {
				list, err := tx.Triggers(ctx, db.TriggerFilter{IDs: ids})
				return triggerIDs(list), err
			},
			func(ids []int64) error { return e.api.Triggers.Delete(ctx, tx, ids, true) })
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) unlinkItems(ctx context.Context, tx *db.Tx, c *collection, clear bool) error {
	for _, flag := range []db.Flag{db.FlagDiscoveryRule, db.FlagNormal, db.FlagPrototype} {
		set := c.items[flag]
		if !clear {
			if err := detach(ctx, tx, set); err != nil {
				return err
			}
			continue
		}
		err := clearSet(ctx, tx, set,
			func(ids []int64) ([]int64, error) {
				list, err := tx.Items(ctx, db.ItemFilter{IDs: ids})
				out := make([]int64, 0, len(list))
				for _, it := range list {
					out = append(out, it.ID)
				}
				return out, err
			},
			func(ids []int64) error { return e.api.Items.Delete(ctx, tx, ids, true) })
		if err != nil {
			return err
		}
	}
	return nil
}

// resetHostPrototypes detaches host prototypes and their group prototypes.
func resetHostPrototypes(ctx context.Context, tx *db.Tx, set *inherited) error {
	if len(set.names) == 0 {
		return nil
	}
	if err := tx.ResetGroupPrototypeTemplates(ctx, set.ids()); err != nil {
		return err
	}
	return detach(ctx, tx, set)
}

func (e *Engine) unlinkGraphs(ctx context.Context, tx *db.Tx, c *collection, clear bool) error {
	for _, flag := range []db.Flag{db.FlagPrototype, db.FlagNormal} {
		set := c.graphs[flag]
		if !clear {
			if err := detach(ctx, tx, set); err != nil {
				return err
			}
			continue
		}
		err := clearSet(ctx, tx, set,
			func(ids []int64) ([]int64, error) {
				list, err := tx.Graphs(ctx, db.GraphFilter{IDs: ids})
				out := make([]int64, 0, len(list))
				for _, g := range list {
					out = append(out, g.ID)
				}
				return out, err
			},
			func(ids []int64) error { return e.api.Graphs.Delete(ctx, tx, ids, true) })
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) unlinkWebScenarios(ctx context.Context, tx *db.Tx, c *collection, clear bool) error {
	if !clear {
		return detach(ctx, tx, c.webScenarios)
	}
	return clearSet(ctx, tx, c.webScenarios,
		func(ids []int64) ([]int64, error) {
			list, err := tx.WebScenarios(ctx, db.WebScenarioFilter{IDs: ids})
			out := make([]int64, 0, len(list))
			for _, ws := range list {
				out = append(out, ws.ID)
			}
			return out, err
		},
		func(ids []int64) error { return e.api.WebScenarios.Delete(ctx, tx, ids, true) })
}

// unlinkApplications drops the application_template rows pointing at the
// unlinked templates. Applications still linked to another template keep
// that one as their source; the others become plain or, with clear, are
// deleted unless something still uses them.
func (e *Engine) unlinkApplications(ctx context.Context, tx *db.Tx, c *collection, clear bool) error {
	if len(c.appLinks) == 0 {
		return nil
	}
	linkIDs := make([]int64, 0, len(c.appLinks))
	touched := map[int64]bool{}
	for _, l := range c.appLinks {
		linkIDs = append(linkIDs, l.ID)
		touched[l.ApplicationID] = true
	}
	if err := tx.DeleteApplicationTemplates(ctx, linkIDs); err != nil {
		return err
	}
	appIDs := make([]int64, 0, len(touched))
	for id := range touched {
		appIDs = append(appIDs, id)
	}
	remaining, err := tx.ApplicationTemplates(ctx, appIDs, nil)
	if err != nil {
		return err
	}
	source := map[int64]int64{}
	for _, l := range remaining {
		if _, ok := source[l.ApplicationID]; !ok {
			source[l.ApplicationID] = l.TemplateID
		}
	}

	orphans := newInherited(db.KindApplication)
	for _, app := range c.applications {
		if !touched[app.ID] {
			continue
		}
		if tplID, ok := source[app.ID]; ok {
			if app.TemplateID != tplID && contains(c.applicationIDs, app.TemplateID) {
				if err := tx.SetTemplateID(ctx, db.KindApplication, []int64{app.ID}, tplID); err != nil {
					return err
				}
			}
			continue
		}
		orphans.add(app.ID, app.Name, app.HostID)
	}
	if len(orphans.names) == 0 {
		return nil
	}
	if !clear {
		return detach(ctx, tx, orphans)
	}

	// applications still used by a kept web scenario or item are detached instead
	used := map[int64]bool{}
	scenarios, err := tx.WebScenarios(ctx, db.WebScenarioFilter{ApplicationIDs: orphans.ids()})
	if err != nil {
		return err
	}
	for _, ws := range scenarios {
		used[ws.ApplicationID] = true
	}
	httpItems, err := tx.Items(ctx, db.ItemFilter{ApplicationIDs: orphans.ids(), Types: []int64{db.ItemTypeHTTPTest}})
	if err != nil {
		return err
	}
	for _, it := range httpItems {
		ids, err := tx.ItemApplicationIDs(ctx, it.ID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			used[id] = true
		}
	}
	kept := newInherited(db.KindApplication)
	for id, name := range orphans.names {
		if used[id] {
			kept.add(id, name, orphans.hosts[id])
			delete(orphans.names, id)
			delete(orphans.hosts, id)
		}
	}
	if err := detach(ctx, tx, kept); err != nil {
		return err
	}
	return clearSet(ctx, tx, orphans,
		func(ids []int64) ([]int64, error) { return ids, nil },
		func(ids []int64) error { return e.api.Applications.Delete(ctx, tx, ids, true) })
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// namesOf renders host names for audit messages: `"a", "b"`.
func namesOf(ctx context.Context, tx *db.Tx, ids []int64) (string, error) {
	names, err := tx.HostNames(ctx, ids)
	if err != nil {
		return "", err
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		name, ok := names[id]
		if !ok {
			name = fmt.Sprintf("#%d", id)
		}
		out = append(out, fmt.Sprintf("%q", name))
	}
	return strings.Join(out, ", "), nil
}
