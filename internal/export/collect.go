// Package export writes the configuration of hosts and templates, with what
// each inherits, as JSON, YAML, CSV or text.
package export

import (
	"context"
	"fmt"
	"sort"

	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/objects"
)

// HostConfig is the configuration of one host or template.
type HostConfig struct {
	ID           int64            `json:"id" yaml:"id"`
	Host         string           `json:"host" yaml:"host"`
	Name         string           `json:"name,omitempty" yaml:"name,omitempty"`
	Status       string           `json:"status" yaml:"status"`
	IP           string           `json:"ip,omitempty" yaml:"ip,omitempty"`
	DNS          string           `json:"dns,omitempty" yaml:"dns,omitempty"`
	Port         int              `json:"port,omitempty" yaml:"port,omitempty"`
	Groups       []string         `json:"groups" yaml:"groups"`
	Templates    []string         `json:"templates" yaml:"templates"`
	Applications []ApplicationRow `json:"applications" yaml:"applications"`
	Items        []ItemRow        `json:"items" yaml:"items"`
	Triggers     []TriggerRow     `json:"triggers" yaml:"triggers"`
	Graphs       []GraphRow       `json:"graphs" yaml:"graphs"`
	HostProtos   []HostProtoRow   `json:"host_prototypes" yaml:"host_prototypes"`
	WebScenarios []ScenarioRow    `json:"web_scenarios" yaml:"web_scenarios"`
	Inventory    *InventoryRow    `json:"inventory,omitempty" yaml:"inventory,omitempty"`
}

type ApplicationRow struct {
	Name      string `json:"name" yaml:"name"`
	Inherited bool   `json:"inherited" yaml:"inherited"`
}

type ItemRow struct {
	Key          string   `json:"key" yaml:"key"`
	Name         string   `json:"name" yaml:"name"`
	Kind         string   `json:"kind" yaml:"kind"`
	Type         int      `json:"type" yaml:"type"`
	Delay        int      `json:"delay" yaml:"delay"`
	Rule         string   `json:"rule,omitempty" yaml:"rule,omitempty"`
	Inherited    bool     `json:"inherited" yaml:"inherited"`
	Applications []string `json:"applications,omitempty" yaml:"applications,omitempty"`
}

type TriggerRow struct {
	Description string   `json:"description" yaml:"description"`
	Expression  string   `json:"expression" yaml:"expression"`
	Kind        string   `json:"kind" yaml:"kind"`
	Priority    int      `json:"priority" yaml:"priority"`
	Inherited   bool     `json:"inherited" yaml:"inherited"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
}

type GraphRow struct {
	Name      string   `json:"name" yaml:"name"`
	Kind      string   `json:"kind" yaml:"kind"`
	Width     int      `json:"width" yaml:"width"`
	Height    int      `json:"height" yaml:"height"`
	Inherited bool     `json:"inherited" yaml:"inherited"`
	Items     []string `json:"items" yaml:"items"`
}

type HostProtoRow struct {
	Host      string `json:"host" yaml:"host"`
	Rule      string `json:"rule" yaml:"rule"`
	Inherited bool   `json:"inherited" yaml:"inherited"`
}

type InventoryRow struct {
	OS       string `json:"os,omitempty" yaml:"os,omitempty"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
	Notes    string `json:"notes,omitempty" yaml:"notes,omitempty"`
}

type ScenarioRow struct {
	Name        string   `json:"name" yaml:"name"`
	Application string   `json:"application,omitempty" yaml:"application,omitempty"`
	Inherited   bool     `json:"inherited" yaml:"inherited"`
	Steps       []string `json:"steps" yaml:"steps"`
}

// Collect reads the configuration of hosts. Trigger expressions are returned
// in user form.
func Collect(ctx context.Context, tx *db.Tx, api *objects.API, hosts []db.Host) ([]HostConfig, error) {
	out := make([]HostConfig, 0, len(hosts))
	for _, h := range hosts {
		cfg, err := collectHost(ctx, tx, api, h)
		if err != nil {
			return nil, fmt.Errorf("collect %s: %w", h.Host, err)
		}
		out = append(out, cfg)
	}
	return out, nil
}

func collectHost(ctx context.Context, tx *db.Tx, api *objects.API, h db.Host) (HostConfig, error) {
	cfg := HostConfig{
		ID:     h.ID,
		Host:   h.Host,
		Name:   h.Name,
		Status: h.Status.String(),
		IP:     h.IP,
		DNS:    h.DNS,
		Port:   h.Port,
	}

	groupIDs, err := tx.GroupIDsOf(ctx, h.ID)
	if err != nil {
		return HostConfig{}, err
	}
	groups, err := tx.Groups(ctx, append(make([]int64, 0, len(groupIDs)), groupIDs...))
	if err != nil {
		return HostConfig{}, err
	}
	cfg.Groups = make([]string, 0, len(groups))
	for _, g := range groups {
		cfg.Groups = append(cfg.Groups, g.Name)
	}

	templateIDs, err := tx.TemplateIDsOf(ctx, h.ID)
	if err != nil {
		return HostConfig{}, err
	}
	templates, err := tx.Hosts(ctx, db.HostFilter{IDs: append(make([]int64, 0, len(templateIDs)), templateIDs...)})
	if err != nil {
		return HostConfig{}, err
	}
	cfg.Templates = make([]string, 0, len(templates))
	for _, t := range templates {
		cfg.Templates = append(cfg.Templates, t.Host)
	}

	appNames, err := collectApplications(ctx, tx, h.ID, &cfg)
	if err != nil {
		return HostConfig{}, err
	}
	items, err := collectItems(ctx, tx, h.ID, appNames, &cfg)
	if err != nil {
		return HostConfig{}, err
	}
	if err := collectTriggers(ctx, tx, api, h.ID, &cfg); err != nil {
		return HostConfig{}, err
	}
	if err := collectGraphs(ctx, tx, h.ID, &cfg); err != nil {
		return HostConfig{}, err
	}
	if err := collectHostPrototypes(ctx, tx, items, &cfg); err != nil {
		return HostConfig{}, err
	}
	if err := collectWebScenarios(ctx, tx, h.ID, appNames, &cfg); err != nil {
		return HostConfig{}, err
	}

	inv, found, err := tx.InventoryOf(ctx, h.ID)
	if err != nil {
		return HostConfig{}, err
	}
	if found {
		cfg.Inventory = &InventoryRow{OS: inv.OS, Location: inv.Location, Notes: inv.Notes}
	}
	return cfg, nil
}

func collectApplications(ctx context.Context, tx *db.Tx, hostID int64, cfg *HostConfig) (map[int64]string, error) {
	apps, err := tx.Applications(ctx, db.ApplicationFilter{HostIDs: []int64{hostID}})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(apps))
	for _, app := range apps {
		ids = append(ids, app.ID)
	}
	links, err := tx.ApplicationTemplates(ctx, ids, nil)
	if err != nil {
		return nil, err
	}
	inherited := make(map[int64]bool, len(links))
	for _, l := range links {
		inherited[l.ApplicationID] = true
	}
	names := make(map[int64]string, len(apps))
	cfg.Applications = make([]ApplicationRow, 0, len(apps))
	for _, app := range apps {
		names[app.ID] = app.Name
		cfg.Applications = append(cfg.Applications, ApplicationRow{Name: app.Name, Inherited: inherited[app.ID]})
	}
	sort.Slice(cfg.Applications, func(i, j int) bool { return cfg.Applications[i].Name < cfg.Applications[j].Name })
	return names, nil
}

func collectItems(ctx context.Context, tx *db.Tx, hostID int64, appNames map[int64]string, cfg *HostConfig) (map[int64]db.Item, error) {
	items, err := tx.Items(ctx, db.ItemFilter{HostIDs: []int64{hostID}})
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]db.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	cfg.Items = make([]ItemRow, 0, len(items))
	for _, it := range items {
		row := ItemRow{
			Key:       it.Key,
			Name:      it.Name,
			Kind:      db.ItemKind(it.Flags).String(),
			Type:      it.Type,
			Delay:     it.Delay,
			Inherited: it.TemplateID != 0,
		}
		if rule, ok := byID[it.RuleID]; ok {
			row.Rule = rule.Key
		}
		appIDs, err := tx.ItemApplicationIDs(ctx, it.ID)
		if err != nil {
			return nil, err
		}
		for _, id := range appIDs {
			row.Applications = append(row.Applications, appNames[id])
		}
		sort.Strings(row.Applications)
		cfg.Items = append(cfg.Items, row)
	}
	sort.Slice(cfg.Items, func(i, j int) bool { return cfg.Items[i].Key < cfg.Items[j].Key })
	return byID, nil
}

func collectTriggers(ctx context.Context, tx *db.Tx, api *objects.API, hostID int64, cfg *HostConfig) error {
	triggers, err := tx.Triggers(ctx, db.TriggerFilter{HostIDs: []int64{hostID}})
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(triggers))
	for _, t := range triggers {
		ids = append(ids, t.ID)
	}
	deps, err := tx.Dependencies(ctx, ids, nil)
	if err != nil {
		return err
	}
	upIDs := make([]int64, 0, len(deps))
	for _, d := range deps {
		upIDs = append(upIDs, d.UpID)
	}
	ups, err := tx.Triggers(ctx, db.TriggerFilter{IDs: upIDs})
	if err != nil {
		return err
	}
	upNames := make(map[int64]string, len(ups))
	for _, up := range ups {
		upNames[up.ID] = up.Description
	}
	dependsOn := make(map[int64][]string)
	for _, d := range deps {
		dependsOn[d.DownID] = append(dependsOn[d.DownID], upNames[d.UpID])
	}

	cfg.Triggers = make([]TriggerRow, 0, len(triggers))
	for _, t := range triggers {
		expr, err := api.Triggers.Explode(ctx, tx, t)
		if err != nil {
			return err
		}
		row := TriggerRow{
			Description: t.Description,
			Expression:  expr,
			Kind:        db.TriggerKind(t.Flags).String(),
			Priority:    t.Priority,
			Inherited:   t.TemplateID != 0,
			DependsOn:   dependsOn[t.ID],
		}
		sort.Strings(row.DependsOn)
		cfg.Triggers = append(cfg.Triggers, row)
	}
	sort.Slice(cfg.Triggers, func(i, j int) bool { return cfg.Triggers[i].Description < cfg.Triggers[j].Description })
	return nil
}

func collectGraphs(ctx context.Context, tx *db.Tx, hostID int64, cfg *HostConfig) error {
	graphs, err := tx.Graphs(ctx, db.GraphFilter{HostIDs: []int64{hostID}})
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(graphs))
	for _, g := range graphs {
		ids = append(ids, g.ID)
	}
	gitems, err := tx.GraphItems(ctx, ids)
	if err != nil {
		return err
	}
	itemIDs := make([]int64, 0, len(gitems))
	for _, gi := range gitems {
		itemIDs = append(itemIDs, gi.ItemID)
	}
	items, err := tx.Items(ctx, db.ItemFilter{IDs: itemIDs})
	if err != nil {
		return err
	}
	keys := make(map[int64]string, len(items))
	for _, it := range items {
		keys[it.ID] = it.Key
	}
	series := make(map[int64][]string, len(graphs))
	for _, gi := range gitems {
		series[gi.GraphID] = append(series[gi.GraphID], keys[gi.ItemID])
	}

	cfg.Graphs = make([]GraphRow, 0, len(graphs))
	for _, g := range graphs {
		cfg.Graphs = append(cfg.Graphs, GraphRow{
			Name:      g.Name,
			Kind:      db.GraphKind(g.Flags).String(),
			Width:     g.Width,
			Height:    g.Height,
			Inherited: g.TemplateID != 0,
			Items:     series[g.ID],
		})
	}
	sort.Slice(cfg.Graphs, func(i, j int) bool { return cfg.Graphs[i].Name < cfg.Graphs[j].Name })
	return nil
}

func collectHostPrototypes(ctx context.Context, tx *db.Tx, items map[int64]db.Item, cfg *HostConfig) error {
	ruleIDs := make([]int64, 0)
	for _, it := range items {
		if it.Flags == db.FlagDiscoveryRule {
			ruleIDs = append(ruleIDs, it.ID)
		}
	}
	cfg.HostProtos = make([]HostProtoRow, 0)
	if len(ruleIDs) == 0 {
		return nil
	}
	protos, err := tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: ruleIDs})
	if err != nil {
		return err
	}
	for _, hp := range protos {
		cfg.HostProtos = append(cfg.HostProtos, HostProtoRow{
			Host:      hp.Host,
			Rule:      items[hp.RuleID].Key,
			Inherited: hp.TemplateID != 0,
		})
	}
	sort.Slice(cfg.HostProtos, func(i, j int) bool { return cfg.HostProtos[i].Host < cfg.HostProtos[j].Host })
	return nil
}

func collectWebScenarios(ctx context.Context, tx *db.Tx, hostID int64, appNames map[int64]string, cfg *HostConfig) error {
	scenarios, err := tx.WebScenarios(ctx, db.WebScenarioFilter{HostIDs: []int64{hostID}})
	if err != nil {
		return err
	}
	ids := make([]int64, 0, len(scenarios))
	for _, ws := range scenarios {
		ids = append(ids, ws.ID)
	}
	steps, err := tx.WebSteps(ctx, ids)
	if err != nil {
		return err
	}
	urls := make(map[int64][]string, len(scenarios))
	for _, s := range steps {
		urls[s.WebScenarioID] = append(urls[s.WebScenarioID], s.URL)
	}
	cfg.WebScenarios = make([]ScenarioRow, 0, len(scenarios))
	for _, ws := range scenarios {
		cfg.WebScenarios = append(cfg.WebScenarios, ScenarioRow{
			Name:        ws.Name,
			Application: appNames[ws.ApplicationID],
			Inherited:   ws.TemplateID != 0,
			Steps:       urls[ws.ID],
		})
	}
	sort.Slice(cfg.WebScenarios, func(i, j int) bool { return cfg.WebScenarios[i].Name < cfg.WebScenarios[j].Name })
	return nil
}
