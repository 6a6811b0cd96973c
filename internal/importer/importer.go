// Package importer loads template and host configuration documents and
// creates whatever they describe that does not exist yet.
package importer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/linkage"
	"github.com/sloppy/tplsync/internal/objects"
)

// Format is the encoding of a document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatXML  Format = "xml"
)

// FormatOf guesses the format from a file extension. Anything but .xml is YAML.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		return FormatXML
	}
	return FormatYAML
}

// Parse decodes and validates a document.
func Parse(r io.Reader, format Format) (Document, error) {
	var doc Document
	switch format {
	case FormatXML:
		var err error
		if doc, err = decodeXML(r); err != nil {
			return Document{}, err
		}
	case FormatYAML, "":
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&doc); err != nil && err != io.EOF {
			return Document{}, apierr.Parameters("Cannot parse YAML document: %v.", err)
		}
	default:
		return Document{}, apierr.Parameters("Unknown document format %q.", format)
	}
	if err := doc.Validate(); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// ParseFile reads a document from disk.
func ParseFile(path string) (Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("open document: %w", err)
	}
	defer f.Close()
	return Parse(f, FormatOf(path))
}

// Stats counts what an import did.
type Stats struct {
	OperationID string   `json:"operation_id"`
	Templates   int      `json:"templates"`
	Hosts       int      `json:"hosts"`
	Entities    int      `json:"entities"`
	Links       int      `json:"links"`
	Skipped     int      `json:"skipped"`
	Messages    []string `json:"messages"`
}

// Importer writes documents through the linkage service so that imports are
// locked, authorized and audited like any other change.
type Importer struct {
	svc *linkage.Service
	log *logrus.Entry
}

func New(svc *linkage.Service) *Importer {
	return &Importer{svc: svc, log: logrus.WithField("component", "importer")}
}

// Import creates missing hosts, templates and entities, then links templates.
// Entities that already exist are left alone and counted as skipped. The
// whole document is applied in one transaction.
func (im *Importer) Import(ctx context.Context, doc Document) (Stats, error) {
	if err := doc.Validate(); err != nil {
		return Stats{}, err
	}
	existing, err := im.existingIDs(ctx, doc)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	res, err := im.svc.Do(ctx, "import", existing, func(ctx context.Context, tx *db.Tx) error {
		stats = Stats{}
		run := &run{api: im.svc.API(), engine: im.svc.Engine(), tx: tx, stats: &stats}
		return run.apply(ctx, doc)
	})
	if err != nil {
		return Stats{}, err
	}
	stats.OperationID = res.OperationID
	stats.Messages = res.Messages
	im.log.WithFields(logrus.Fields{
		"templates": stats.Templates,
		"hosts":     stats.Hosts,
		"entities":  stats.Entities,
		"links":     stats.Links,
		"skipped":   stats.Skipped,
	}).Info("document imported")
	return stats, nil
}

// ImportFile parses and imports a document from disk.
func (im *Importer) ImportFile(ctx context.Context, path string) (Stats, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return Stats{}, err
	}
	return im.Import(ctx, doc)
}

func (im *Importer) existingIDs(ctx context.Context, doc Document) ([]int64, error) {
	ids := make([]int64, 0, len(doc.Templates)+len(doc.Hosts))
	err := im.svc.View(ctx, func(ctx context.Context, tx *db.Tx) error {
		for _, def := range doc.all() {
			names := append([]string{def.Host}, def.Templates...)
			for _, name := range names {
				h, found, err := tx.HostByName(ctx, name)
				if err != nil {
					return err
				}
				if found {
					ids = append(ids, h.ID)
				}
			}
		}
		return nil
	})
	return ids, err
}

func (d Document) all() []HostDef {
	return append(append(make([]HostDef, 0, len(d.Templates)+len(d.Hosts)), d.Templates...), d.Hosts...)
}

// run is one import inside its transaction.
type run struct {
	api    *objects.API
	engine *linkage.Engine
	tx     *db.Tx
	stats  *Stats
	hosts  map[string]int64
}

func (r *run) apply(ctx context.Context, doc Document) error {
	r.hosts = make(map[string]int64)
	for _, def := range doc.Templates {
		if err := r.ensureHost(ctx, def, true); err != nil {
			return err
		}
	}
	for _, def := range doc.Hosts {
		if err := r.ensureHost(ctx, def, false); err != nil {
			return err
		}
	}
	for _, def := range doc.all() {
		if err := r.content(ctx, def); err != nil {
			return err
		}
	}
	for _, def := range doc.all() {
		if err := r.dependencies(ctx, def); err != nil {
			return err
		}
	}
	for _, def := range doc.all() {
		if err := r.link(ctx, def); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) ensureHost(ctx context.Context, def HostDef, template bool) error {
	h, found, err := r.tx.HostByName(ctx, def.Host)
	if err != nil {
		return err
	}
	if found {
		if h.IsTemplate() != template {
			return apierr.Parameters("\"%s\" already exists with a different type.", def.Host)
		}
		r.hosts[def.Host] = h.ID
		r.stats.Skipped++
		return nil
	}
	status, err := def.status(template)
	if err != nil {
		return apierr.Parameters("Host \"%s\": %v.", def.Host, err)
	}
	h, err = r.api.Hosts.Create(ctx, r.tx, db.Host{
		Host:   def.Host,
		Name:   def.Name,
		Status: status,
		IP:     def.IP,
		DNS:    def.DNS,
		Port:   def.Port,
		UseIP:  def.IP != "",
	}, def.Groups)
	if err != nil {
		return err
	}
	r.hosts[def.Host] = h.ID
	if template {
		r.stats.Templates++
	} else {
		r.stats.Hosts++
	}
	return nil
}

func (r *run) content(ctx context.Context, def HostDef) error {
	hostID := r.hosts[def.Host]
	for _, name := range def.Applications {
		if _, found, err := r.tx.ApplicationByName(ctx, hostID, name); err != nil {
			return err
		} else if found {
			r.stats.Skipped++
			continue
		}
		if _, err := r.api.Applications.Create(ctx, r.tx, db.Application{HostID: hostID, Name: name}); err != nil {
			return err
		}
		r.stats.Entities++
	}
	for _, it := range def.Items {
		if _, err := r.item(ctx, def.Host, hostID, it, db.FlagNormal, 0); err != nil {
			return err
		}
	}
	for _, rd := range def.DiscoveryRules {
		if err := r.rule(ctx, def.Host, hostID, rd); err != nil {
			return err
		}
	}
	for _, td := range def.Triggers {
		if err := r.trigger(ctx, hostID, td, db.FlagNormal); err != nil {
			return err
		}
	}
	for _, gd := range def.Graphs {
		if err := r.graph(ctx, def.Host, hostID, gd, db.FlagNormal); err != nil {
			return err
		}
	}
	for _, sd := range def.WebScenarios {
		if err := r.scenario(ctx, def.Host, hostID, sd); err != nil {
			return err
		}
	}
	if def.Inventory != nil {
		inv := db.Inventory{HostID: hostID, OS: def.Inventory.OS, Location: def.Inventory.Location, Notes: def.Inventory.Notes}
		if err := r.tx.SaveInventory(ctx, inv); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) applications(ctx context.Context, host string, hostID int64, names []string) ([]int64, error) {
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		app, found, err := r.tx.ApplicationByName(ctx, hostID, name)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, apierr.Parameters("Application \"%s\" does not exist on \"%s\".", name, host)
		}
		ids = append(ids, app.ID)
	}
	return ids, nil
}

// item returns the existing or created item with def's key.
func (r *run) item(ctx context.Context, host string, hostID int64, def ItemDef, flag db.Flag, ruleID int64) (db.Item, error) {
	if it, found, err := r.tx.ItemByKey(ctx, hostID, def.Key); err != nil {
		return db.Item{}, err
	} else if found {
		r.stats.Skipped++
		return it, nil
	}
	appIDs, err := r.applications(ctx, host, hostID, def.Applications)
	if err != nil {
		return db.Item{}, err
	}
	created, err := r.api.Items.Create(ctx, r.tx, db.Item{
		HostID:    hostID,
		Name:      def.Name,
		Key:       def.Key,
		Type:      def.Type,
		ValueType: def.ValueType,
		Delay:     def.Delay,
		Flags:     flag,
		RuleID:    ruleID,
	}, appIDs)
	if err != nil {
		return db.Item{}, err
	}
	r.stats.Entities++
	return created, nil
}

func (r *run) rule(ctx context.Context, host string, hostID int64, def RuleDef) error {
	rule, err := r.item(ctx, host, hostID, ItemDef{Key: def.Key, Name: def.Name, Delay: def.Delay}, db.FlagDiscoveryRule, 0)
	if err != nil {
		return err
	}
	if rule.Flags != db.FlagDiscoveryRule {
		return apierr.Parameters("Item \"%s\" on \"%s\" is not a discovery rule.", def.Key, host)
	}
	for _, pd := range def.ItemPrototypes {
		if _, err := r.item(ctx, host, hostID, pd, db.FlagPrototype, rule.ID); err != nil {
			return err
		}
	}
	for _, td := range def.TriggerPrototypes {
		if err := r.trigger(ctx, hostID, td, db.FlagPrototype); err != nil {
			return err
		}
	}
	for _, gd := range def.GraphPrototypes {
		if err := r.graph(ctx, host, hostID, gd, db.FlagPrototype); err != nil {
			return err
		}
	}
	for _, hd := range def.HostPrototypes {
		same, err := r.tx.HostPrototypes(ctx, db.HostPrototypeFilter{RuleIDs: []int64{rule.ID}, Hosts: []string{hd.Host}})
		if err != nil {
			return err
		}
		if len(same) > 0 {
			r.stats.Skipped++
			continue
		}
		groups := make([]db.GroupPrototype, 0, len(hd.Groups))
		for _, name := range hd.Groups {
			groups = append(groups, db.GroupPrototype{Name: name})
		}
		hp := db.HostPrototype{Host: hd.Host, Name: hd.Name, Status: db.HostMonitored, RuleID: rule.ID}
		if _, err := r.api.HostPrototypes.Create(ctx, r.tx, hp, groups); err != nil {
			return err
		}
		r.stats.Entities++
	}
	return nil
}

func (r *run) findTrigger(ctx context.Context, hostID int64, description string, flag db.Flag) (db.Trigger, bool, error) {
	same, err := r.tx.Triggers(ctx, db.TriggerFilter{
		HostIDs:      []int64{hostID},
		Descriptions: []string{description},
		Flags:        []db.Flag{flag},
	})
	if err != nil || len(same) == 0 {
		return db.Trigger{}, false, err
	}
	return same[0], true, nil
}

func (r *run) trigger(ctx context.Context, hostID int64, def TriggerDef, flag db.Flag) error {
	if _, found, err := r.findTrigger(ctx, hostID, def.Description, flag); err != nil {
		return err
	} else if found {
		r.stats.Skipped++
		return nil
	}
	_, err := r.api.Triggers.Create(ctx, r.tx, db.Trigger{
		Description: def.Description,
		Expression:  def.Expression,
		Priority:    def.Priority,
		Flags:       flag,
	})
	if err != nil {
		return err
	}
	r.stats.Entities++
	return nil
}

const defaultGraphColor = "1A7C11"

func (r *run) graph(ctx context.Context, host string, hostID int64, def GraphDef, flag db.Flag) error {
	same, err := r.tx.Graphs(ctx, db.GraphFilter{HostIDs: []int64{hostID}, Names: []string{def.Name}, Flags: []db.Flag{flag}})
	if err != nil {
		return err
	}
	if len(same) > 0 {
		r.stats.Skipped++
		return nil
	}
	gitems := make([]db.GraphItem, 0, len(def.Items))
	for i, gi := range def.Items {
		it, found, err := r.tx.ItemByKey(ctx, hostID, gi.Key)
		if err != nil {
			return err
		}
		if !found {
			return apierr.Parameters("Graph \"%s\" uses missing item \"%s\" on \"%s\".", def.Name, gi.Key, host)
		}
		color := gi.Color
		if color == "" {
			color = defaultGraphColor
		}
		gitems = append(gitems, db.GraphItem{ItemID: it.ID, Color: strings.ToUpper(color), SortOrder: i})
	}
	width, height := def.Width, def.Height
	if width == 0 {
		width = 900
	}
	if height == 0 {
		height = 200
	}
	g := db.Graph{Name: def.Name, Width: width, Height: height, Flags: flag}
	if _, err := r.api.Graphs.Create(ctx, r.tx, g, gitems); err != nil {
		return err
	}
	r.stats.Entities++
	return nil
}

func (r *run) scenario(ctx context.Context, host string, hostID int64, def ScenarioDef) error {
	if _, found, err := r.tx.WebScenarioByName(ctx, hostID, def.Name); err != nil {
		return err
	} else if found {
		r.stats.Skipped++
		return nil
	}
	ws := db.WebScenario{HostID: hostID, Name: def.Name, Delay: def.Delay}
	if def.Application != "" {
		ids, err := r.applications(ctx, host, hostID, []string{def.Application})
		if err != nil {
			return err
		}
		ws.ApplicationID = ids[0]
	}
	steps := make([]db.WebStep, 0, len(def.Steps))
	for _, sd := range def.Steps {
		steps = append(steps, db.WebStep{Name: sd.Name, URL: sd.URL})
	}
	if _, err := r.api.WebScenarios.Create(ctx, r.tx, ws, steps); err != nil {
		return err
	}
	r.stats.Entities++
	return nil
}

func (r *run) dependencies(ctx context.Context, def HostDef) error {
	hostID := r.hosts[def.Host]
	add := func(td TriggerDef, flag db.Flag) error {
		if len(td.Dependencies) == 0 {
			return nil
		}
		down, found, err := r.findTrigger(ctx, hostID, td.Description, flag)
		if err != nil {
			return err
		}
		if !found {
			return apierr.Internal(nil, "Trigger \"%s\" vanished during import.", td.Description)
		}
		for _, dep := range td.Dependencies {
			upHostID := hostID
			if dep.Host != "" && dep.Host != def.Host {
				h, found, err := r.tx.HostByName(ctx, dep.Host)
				if err != nil {
					return err
				}
				if !found {
					return apierr.Parameters("Dependency of \"%s\" refers to missing host \"%s\".", td.Description, dep.Host)
				}
				upHostID = h.ID
			}
			up, found, err := r.findTrigger(ctx, upHostID, dep.Description, flag)
			if err != nil {
				return err
			}
			if !found {
				return apierr.Parameters("Trigger \"%s\" depends on missing trigger \"%s\".", td.Description, dep.Description)
			}
			known, err := r.tx.Dependencies(ctx, []int64{down.ID}, []int64{up.ID})
			if err != nil {
				return err
			}
			if len(known) > 0 {
				r.stats.Skipped++
				continue
			}
			if err := r.api.Triggers.AddDependency(ctx, r.tx, down.ID, up.ID); err != nil {
				return err
			}
			r.stats.Entities++
		}
		return nil
	}
	for _, td := range def.Triggers {
		if err := add(td, db.FlagNormal); err != nil {
			return err
		}
	}
	for _, rd := range def.DiscoveryRules {
		for _, td := range rd.TriggerPrototypes {
			if err := add(td, db.FlagPrototype); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *run) link(ctx context.Context, def HostDef) error {
	if len(def.Templates) == 0 {
		return nil
	}
	hostID := r.hosts[def.Host]
	linked, err := r.tx.TemplateIDsOf(ctx, hostID)
	if err != nil {
		return err
	}
	missing := make([]int64, 0, len(def.Templates))
	for _, name := range def.Templates {
		id, ok := r.hosts[name]
		if !ok {
			h, found, err := r.tx.HostByName(ctx, name)
			if err != nil {
				return err
			}
			if !found {
				return apierr.Parameters("Template \"%s\" linked to \"%s\" does not exist.", name, def.Host)
			}
			id = h.ID
		}
		if containsID(linked, id) {
			r.stats.Skipped++
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return nil
	}
	created, err := r.engine.Link(ctx, r.tx, missing, []int64{hostID})
	if err != nil {
		return err
	}
	r.stats.Links += len(created)
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
