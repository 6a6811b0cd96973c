package db

// HostStatus is the hosts.status column.
type HostStatus int

const (
	HostMonitored    HostStatus = 0
	HostNotMonitored HostStatus = 1
	HostTemplate     HostStatus = 3
	HostDeleted      HostStatus = 4
)

func (s HostStatus) String() string {
	switch s {
	case HostMonitored:
		return "monitored"
	case HostNotMonitored:
		return "not monitored"
	case HostTemplate:
		return "template"
	case HostDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Flag distinguishes plain entities from discovery rules and prototypes.
type Flag int

const (
	FlagNormal        Flag = 0
	FlagDiscoveryRule Flag = 1
	FlagPrototype     Flag = 2
)

// ItemTypeHTTPTest marks items generated by web scenarios.
const ItemTypeHTTPTest = 9

// Host is a monitored host, a template or a host prototype.
type Host struct {
	ID         int64
	Host       string
	Name       string
	Status     HostStatus
	Flags      Flag
	TemplateID int64
	UseIP      bool
	DNS        string
	IP         string
	Port       int
	Available  int
}

// DisplayName returns the visible name, falling back to the technical one.
func (h Host) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Host
}

// IsTemplate reports whether the host can be a link source.
func (h Host) IsTemplate() bool {
	return h.Status == HostTemplate
}

// Group is a host group.
type Group struct {
	ID   int64
	Name string
}

// TemplateLink is a hosts_templates row.
type TemplateLink struct {
	ID         int64
	HostID     int64
	TemplateID int64
}

// Application groups items on one host.
type Application struct {
	ID         int64
	HostID     int64
	Name       string
	TemplateID int64
}

// ApplicationTemplate links an application to the template-side application it came from.
type ApplicationTemplate struct {
	ID            int64
	ApplicationID int64
	TemplateID    int64
}

// Item covers plain items, discovery rules and item prototypes.
type Item struct {
	ID         int64
	HostID     int64
	Name       string
	Key        string
	Type       int
	ValueType  int
	Delay      int
	Status     int
	TemplateID int64
	Flags      Flag
	// RuleID is the parent discovery rule of a prototype, 0 otherwise.
	RuleID int64
}

// Trigger covers triggers and trigger prototypes. HostID is derived from
// the first function's item and is not stored.
type Trigger struct {
	ID          int64
	Description string
	Expression  string
	Priority    int
	Status      int
	TemplateID  int64
	Flags       Flag
	HostID      int64
}

// Function is one item reference inside a trigger expression.
type Function struct {
	ID        int64
	ItemID    int64
	TriggerID int64
	Name      string
	Parameter string
}

// TriggerDependency says DownID depends on UpID.
type TriggerDependency struct {
	ID     int64
	DownID int64
	UpID   int64
}

// Graph covers graphs and graph prototypes. HostID is derived from graph items.
type Graph struct {
	ID         int64
	Name       string
	Width      int
	Height     int
	YMinItemID int64
	YMaxItemID int64
	TemplateID int64
	Flags      Flag
	HostID     int64
}

// GraphItem is one series of a graph.
type GraphItem struct {
	ID        int64
	GraphID   int64
	ItemID    int64
	Color     string
	SortOrder int
}

// HostPrototype is a hosts row with FlagPrototype owned by a discovery rule.
type HostPrototype struct {
	ID         int64
	Host       string
	Name       string
	Status     HostStatus
	TemplateID int64
	RuleID     int64
}

// GroupPrototype names a group a discovered host will join.
type GroupPrototype struct {
	ID         int64
	HostID     int64
	Name       string
	GroupID    int64
	TemplateID int64
}

// WebScenario is an httptest row.
type WebScenario struct {
	ID            int64
	HostID        int64
	Name          string
	ApplicationID int64
	Delay         int
	Status        int
	TemplateID    int64
}

// WebStep is one step of a web scenario.
type WebStep struct {
	ID            int64
	WebScenarioID int64
	Name          string
	No            int
	URL           string
}

// Action is an alert action.
type Action struct {
	ID          int64
	Name        string
	EventSource EventSource
	Status      int
}

// Action statuses.
const (
	ActionEnabled  = 0
	ActionDisabled = 1
)

// Condition is one filter condition of an action.
type Condition struct {
	ID       int64
	ActionID int64
	Type     ConditionType
	Operator int
	Value    string
}

// Inventory is the host profile.
type Inventory struct {
	HostID   int64
	OS       string
	Location string
	Notes    string
}

// MapElement places a host or group on a network map.
type MapElement struct {
	ID          int64
	MapID       int64
	ElementID   int64
	ElementType MapElementType
	Label       string
}

// MapElementType is sysmaps_elements.elementtype.
type MapElementType int

const (
	MapElementHost  MapElementType = 0
	MapElementGroup MapElementType = 3
)
