package importer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// Document is a configuration file: templates and hosts with their entities.
// The same structure is read from YAML and from XML.
type Document struct {
	Templates []HostDef `yaml:"templates" xml:"templates>template" validate:"dive"`
	Hosts     []HostDef `yaml:"hosts" xml:"hosts>host" validate:"dive"`
}

// HostDef describes a host or a template.
type HostDef struct {
	Host      string   `yaml:"host" xml:"host" validate:"required"`
	Name      string   `yaml:"name,omitempty" xml:"name,omitempty"`
	Status    string   `yaml:"status,omitempty" xml:"status" validate:"omitempty,oneof=monitored 'not monitored'"`
	IP        string   `yaml:"ip,omitempty" xml:"ip" validate:"omitempty,ip"`
	DNS       string   `yaml:"dns,omitempty" xml:"dns,omitempty"`
	Port      int      `yaml:"port,omitempty" xml:"port" validate:"omitempty,min=1,max=65535"`
	Groups    []string `yaml:"groups" xml:"groups>group" validate:"required,min=1,dive,required"`
	Templates []string `yaml:"templates,omitempty" xml:"templates>template" validate:"dive,required"`

	Applications   []string      `yaml:"applications,omitempty" xml:"applications>application" validate:"dive,required"`
	Items          []ItemDef     `yaml:"items,omitempty" xml:"items>item" validate:"dive"`
	DiscoveryRules []RuleDef     `yaml:"discovery_rules,omitempty" xml:"discovery_rules>discovery_rule" validate:"dive"`
	Triggers       []TriggerDef  `yaml:"triggers,omitempty" xml:"triggers>trigger" validate:"dive"`
	Graphs         []GraphDef    `yaml:"graphs,omitempty" xml:"graphs>graph" validate:"dive"`
	WebScenarios   []ScenarioDef `yaml:"web_scenarios,omitempty" xml:"web_scenarios>web_scenario" validate:"dive"`
	Inventory      *InventoryDef `yaml:"inventory,omitempty" xml:"inventory"`
}

type ItemDef struct {
	Key          string   `yaml:"key" xml:"key" validate:"required"`
	Name         string   `yaml:"name" xml:"name" validate:"required"`
	Type         int      `yaml:"type,omitempty" xml:"type" validate:"min=0"`
	ValueType    int      `yaml:"value_type,omitempty" xml:"value_type" validate:"min=0"`
	Delay        int      `yaml:"delay,omitempty" xml:"delay" validate:"min=0"`
	Applications []string `yaml:"applications,omitempty" xml:"applications>application" validate:"dive,required"`
}

// RuleDef is a discovery rule with its prototypes.
type RuleDef struct {
	Key               string             `yaml:"key" xml:"key" validate:"required"`
	Name              string             `yaml:"name" xml:"name" validate:"required"`
	Delay             int                `yaml:"delay,omitempty" xml:"delay" validate:"min=0"`
	ItemPrototypes    []ItemDef          `yaml:"item_prototypes,omitempty" xml:"item_prototypes>item_prototype" validate:"dive"`
	TriggerPrototypes []TriggerDef       `yaml:"trigger_prototypes,omitempty" xml:"trigger_prototypes>trigger_prototype" validate:"dive"`
	GraphPrototypes   []GraphDef         `yaml:"graph_prototypes,omitempty" xml:"graph_prototypes>graph_prototype" validate:"dive"`
	HostPrototypes    []HostPrototypeDef `yaml:"host_prototypes,omitempty" xml:"host_prototypes>host_prototype" validate:"dive"`
}

type TriggerDef struct {
	Description  string          `yaml:"description" xml:"description" validate:"required"`
	Expression   string          `yaml:"expression" xml:"expression" validate:"required"`
	Priority     int             `yaml:"priority,omitempty" xml:"priority" validate:"min=0,max=5"`
	Dependencies []DependencyDef `yaml:"dependencies,omitempty" xml:"dependencies>dependency" validate:"dive"`
}

// DependencyDef names the trigger a trigger depends on. An empty Host means
// the host the dependent trigger is defined on.
type DependencyDef struct {
	Host        string `yaml:"host,omitempty" xml:"host,omitempty"`
	Description string `yaml:"description" xml:"description" validate:"required"`
}

type GraphDef struct {
	Name   string         `yaml:"name" xml:"name" validate:"required"`
	Width  int            `yaml:"width,omitempty" xml:"width" validate:"min=0"`
	Height int            `yaml:"height,omitempty" xml:"height" validate:"min=0"`
	Items  []GraphItemDef `yaml:"items" xml:"graph_items>graph_item" validate:"required,min=1,dive"`
}

type GraphItemDef struct {
	Key   string `yaml:"key" xml:"key" validate:"required"`
	Color string `yaml:"color,omitempty" xml:"color" validate:"omitempty,hexadecimal,len=6"`
}

type HostPrototypeDef struct {
	Host   string   `yaml:"host" xml:"host" validate:"required"`
	Name   string   `yaml:"name,omitempty" xml:"name,omitempty"`
	Groups []string `yaml:"groups" xml:"group_prototypes>group_prototype" validate:"required,min=1,dive,required"`
}

type ScenarioDef struct {
	Name        string    `yaml:"name" xml:"name" validate:"required"`
	Application string    `yaml:"application,omitempty" xml:"application,omitempty"`
	Delay       int       `yaml:"delay,omitempty" xml:"delay" validate:"min=0"`
	Steps       []StepDef `yaml:"steps" xml:"steps>step" validate:"required,min=1,dive"`
}

type StepDef struct {
	Name string `yaml:"name" xml:"name" validate:"required"`
	URL  string `yaml:"url" xml:"url" validate:"required,url"`
}

type InventoryDef struct {
	OS       string `yaml:"os,omitempty" xml:"os,omitempty"`
	Location string `yaml:"location,omitempty" xml:"location,omitempty"`
	Notes    string `yaml:"notes,omitempty" xml:"notes,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that no host is defined twice.
func (d *Document) Validate() error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apierr.Parameters("Invalid value for %s: failed %q check.", fieldPath(fe.Namespace()), fe.Tag())
		}
		return apierr.Parameters("Invalid document: %v.", err)
	}
	seen := make(map[string]bool)
	for _, def := range append(append([]HostDef(nil), d.Templates...), d.Hosts...) {
		if seen[def.Host] {
			return apierr.Parameters("Host \"%s\" is defined more than once.", def.Host)
		}
		seen[def.Host] = true
	}
	return nil
}

// fieldPath turns "Document.Templates[0].Items[1].Key" into "templates[0].items[1].key".
func fieldPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Document.")
	return strings.ToLower(ns)
}

func (h HostDef) status(template bool) (db.HostStatus, error) {
	if template {
		return db.HostTemplate, nil
	}
	switch h.Status {
	case "", "monitored":
		return db.HostMonitored, nil
	case "not monitored":
		return db.HostNotMonitored, nil
	}
	return 0, fmt.Errorf("unknown status %q", h.Status)
}
