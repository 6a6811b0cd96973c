package linkage

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/metrics"
	"github.com/sloppy/tplsync/internal/objects"
)

// Engine links and unlinks templates inside the caller's transaction.
type Engine struct {
	api *objects.API
	log *logrus.Entry
}

// NewEngine returns an engine propagating through api.
func NewEngine(api *objects.API) *Engine {
	return &Engine{api: api, log: logrus.WithField("component", "linkage")}
}

// API exposes the object API the engine propagates through.
func (e *Engine) API() *objects.API { return e.api }

// Pair is a created host to template link.
type Pair struct {
	HostID     int64 `json:"hostid"`
	TemplateID int64 `json:"templateid"`
}

// Link links every template to every target host and copies the templates'
// entities down to the targets and everything below them. Pairs already
// linked are skipped; the result lists the links actually created.
func (e *Engine) Link(ctx context.Context, tx *db.Tx, templateIDs, hostIDs []int64) ([]Pair, error) {
	templateIDs = uniq(templateIDs)
	hostIDs = uniq(hostIDs)
	if len(templateIDs) == 0 || len(hostIDs) == 0 {
		return nil, apierr.Parameters("Templates and hosts to link cannot be empty.")
	}
	templates, err := e.templates(ctx, tx, templateIDs)
	if err != nil {
		return nil, err
	}
	targets, err := tx.Hosts(ctx, db.HostFilter{IDs: hostIDs})
	if err != nil {
		return nil, err
	}
	if len(targets) != len(hostIDs) {
		return nil, apierr.Permission()
	}
	graph, err := LoadGraph(ctx, tx)
	if err != nil {
		return nil, err
	}

	candidates := make(map[int64]string, len(templates))
	for _, t := range templates {
		candidates[t.ID] = t.DisplayName()
	}
	for _, target := range targets {
		if target.Flags == db.FlagPrototype {
			return nil, apierr.Parameters("Cannot link templates to host prototype \"%s\".", target.Host)
		}
		cycle, err := WouldCreateCycle(ctx, graph, target.ID, candidates, e.api.MaxDepth())
		if err != nil {
			return nil, err
		}
		if cycle {
			return nil, apierr.Circular("Circular link cannot be created for \"%s\".", target.DisplayName())
		}
		if err := e.checkConflicts(ctx, tx, graph, templateIDs, target); err != nil {
			return nil, err
		}
	}
	if err := e.checkDependencies(ctx, tx, graph, templateIDs, targets); err != nil {
		return nil, err
	}

	var created []Pair
	var edges []Edge
	for _, target := range targets {
		for _, tplID := range templateIDs {
			inserted, err := tx.InsertTemplateLink(ctx, target.ID, tplID)
			if err != nil {
				return nil, err
			}
			if !inserted {
				continue
			}
			graph.Add(tplID, target.ID)
			created = append(created, Pair{HostID: target.ID, TemplateID: tplID})
			edges = append(edges, Edge{TemplateID: tplID, HostID: target.ID})
		}
	}
	if len(created) == 0 {
		return nil, nil
	}
	below, err := graph.PropagationOrder(hostIDs, e.api.MaxDepth())
	if err != nil {
		return nil, err
	}
	edges = append(edges, below...)

	if err := e.propagate(ctx, tx, edges); err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"templates": templateIDs,
		"hosts":     hostIDs,
		"created":   len(created),
		"edges":     len(edges),
	}).Debug("templates linked")
	return created, nil
}

func (e *Engine) templates(ctx context.Context, tx *db.Tx, ids []int64) ([]db.Host, error) {
	templates, err := tx.Hosts(ctx, db.HostFilter{IDs: ids})
	if err != nil {
		return nil, err
	}
	if len(templates) != len(ids) {
		return nil, apierr.Permission()
	}
	for _, t := range templates {
		if !t.IsTemplate() {
			return nil, apierr.Parameters("Host \"%s\" is not a template.", t.DisplayName())
		}
	}
	return templates, nil
}

// checkConflicts refuses template sets that would put the same item key or
// application name on target twice.
func (e *Engine) checkConflicts(ctx context.Context, tx *db.Tx, graph *Graph, templateIDs []int64, target db.Host) error {
	set := uniq(append(append([]int64(nil), templateIDs...), graph.Parents(target.ID)...))
	keys, err := tx.DuplicateItemKeys(ctx, set)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		return apierr.Parameters("Template with item key \"%s\" already linked to host \"%s\".", keys[0], target.DisplayName())
	}
	names, err := tx.DuplicateApplicationNames(ctx, set)
	if err != nil {
		return err
	}
	if len(names) > 0 {
		return apierr.Parameters("Template with application \"%s\" already linked to host \"%s\".", names[0], target.DisplayName())
	}
	return nil
}

// checkDependencies refuses links whose template triggers depend on triggers of
// templates that would be neither in the batch nor linked to the target.
func (e *Engine) checkDependencies(ctx context.Context, tx *db.Tx, graph *Graph, templateIDs []int64, targets []db.Host) error {
	triggers, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: templateIDs})
	if err != nil || len(triggers) == 0 {
		return err
	}
	byID := make(map[int64]db.Trigger, len(triggers))
	downIDs := make([]int64, 0, len(triggers))
	for _, t := range triggers {
		byID[t.ID] = t
		downIDs = append(downIDs, t.ID)
	}
	deps, err := tx.Dependencies(ctx, downIDs, nil)
	if err != nil || len(deps) == 0 {
		return err
	}
	upIDs := make([]int64, 0, len(deps))
	for _, d := range deps {
		upIDs = append(upIDs, d.UpID)
	}
	upHosts, err := tx.TriggerHosts(ctx, upIDs)
	if err != nil {
		return err
	}
	var hostIDs []int64
	for _, ids := range upHosts {
		hostIDs = append(hostIDs, ids...)
	}
	upTemplates, err := tx.Hosts(ctx, db.HostFilter{IDs: uniq(hostIDs), Statuses: []db.HostStatus{db.HostTemplate}})
	if err != nil {
		return err
	}
	isTemplate := make(map[int64]db.Host, len(upTemplates))
	for _, h := range upTemplates {
		isTemplate[h.ID] = h
	}

	for _, target := range targets {
		allowed := make(map[int64]bool)
		for _, id := range templateIDs {
			allowed[id] = true
		}
		for _, id := range graph.Parents(target.ID) {
			allowed[id] = true
		}
		for _, d := range deps {
			for _, hostID := range upHosts[d.UpID] {
				tpl, ok := isTemplate[hostID]
				if !ok || allowed[hostID] {
					continue
				}
				return apierr.Parameters("Trigger \"%s\" depends on template \"%s\", which is not linked to \"%s\".",
					byID[d.DownID].Description, tpl.DisplayName(), target.DisplayName())
			}
		}
	}
	return nil
}

// propagate copies template entities along edges in three phases so that
// triggers and graphs find their items, and dependencies find their triggers.
func (e *Engine) propagate(ctx context.Context, tx *db.Tx, edges []Edge) error {
	type step struct {
		kind db.EntityKind
		sync func(ctx context.Context, tx *db.Tx, templateID, hostID int64) (int, error)
	}
	api := e.api
	withFlag := func(fn func(context.Context, *db.Tx, int64, int64, db.Flag) (int, error), flag db.Flag) func(context.Context, *db.Tx, int64, int64) (int, error) {
		return func(ctx context.Context, tx *db.Tx, templateID, hostID int64) (int, error) {
			return fn(ctx, tx, templateID, hostID, flag)
		}
	}
	phases := [][]step{
		{
			{db.KindApplication, api.Applications.Sync},
			{db.KindDiscoveryRule, withFlag(api.Items.Sync, db.FlagDiscoveryRule)},
			{db.KindItemPrototype, withFlag(api.Items.Sync, db.FlagPrototype)},
			{db.KindHostPrototype, api.HostPrototypes.Sync},
			{db.KindItem, withFlag(api.Items.Sync, db.FlagNormal)},
			{db.KindWebScenario, api.WebScenarios.Sync},
		},
		{
			{db.KindTrigger, withFlag(api.Triggers.Sync, db.FlagNormal)},
			{db.KindTriggerPrototype, withFlag(api.Triggers.Sync, db.FlagPrototype)},
			{db.KindGraphPrototype, withFlag(api.Graphs.Sync, db.FlagPrototype)},
			{db.KindGraph, withFlag(api.Graphs.Sync, db.FlagNormal)},
		},
	}
	for _, phase := range phases {
		for _, edge := range edges {
			for _, s := range phase {
				n, err := s.sync(ctx, tx, edge.TemplateID, edge.HostID)
				if err != nil {
					return err
				}
				metrics.RecordPropagated(s.kind, n)
				e.log.WithFields(logrus.Fields{
					"kind":     s.kind.String(),
					"template": edge.TemplateID,
					"host":     edge.HostID,
					"copied":   n,
				}).Debug("propagated")
			}
		}
	}
	for _, edge := range edges {
		if _, err := api.Triggers.SyncDependencies(ctx, tx, edge.TemplateID, edge.HostID); err != nil {
			return err
		}
	}
	return nil
}

func uniq(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
