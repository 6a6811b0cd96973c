package db

import (
	"context"
	"fmt"
)

// EventSource is actions.eventsource.
type EventSource int

const (
	EventSourceTriggers     EventSource = 0
	EventSourceDiscovery    EventSource = 1
	EventSourceAutoRegister EventSource = 2
	EventSourceInternal     EventSource = 3
)

// ConditionType is conditions.conditiontype.
type ConditionType int

const (
	ConditionHostGroup    ConditionType = 0
	ConditionHost         ConditionType = 1
	ConditionTrigger      ConditionType = 2
	ConditionDHost        ConditionType = 8
	ConditionHostTemplate ConditionType = 13
	ConditionProxy        ConditionType = 20
)

// hostConditions lists, per event source, the condition types whose value is a host or template ID.
var hostConditions = map[EventSource][]ConditionType{
	EventSourceTriggers:     {ConditionHost, ConditionHostTemplate},
	EventSourceDiscovery:    {},
	EventSourceAutoRegister: {},
	EventSourceInternal:     {ConditionHost, ConditionHostTemplate},
}

// HostConditionTypes returns the condition types of source that reference hosts.
func HostConditionTypes(source EventSource) []ConditionType {
	types := hostConditions[source]
	out := make([]ConditionType, len(types))
	copy(out, types)
	return out
}

// EntityKind names an inheritable entity kind.
type EntityKind int

const (
	KindApplication EntityKind = iota
	KindItem
	KindDiscoveryRule
	KindItemPrototype
	KindTrigger
	KindTriggerPrototype
	KindGraph
	KindGraphPrototype
	KindHostPrototype
	KindWebScenario
)

type inheritance struct {
	label string
	table string
	idCol string
}

// inheritable maps each kind to its table. Table and column names never come from input.
var inheritable = map[EntityKind]inheritance{
	KindApplication:      {"Application", "applications", "applicationid"},
	KindItem:             {"Item", "items", "itemid"},
	KindDiscoveryRule:    {"Discovery rule", "items", "itemid"},
	KindItemPrototype:    {"Item prototype", "items", "itemid"},
	KindTrigger:          {"Trigger", "triggers", "triggerid"},
	KindTriggerPrototype: {"Trigger prototype", "triggers", "triggerid"},
	KindGraph:            {"Graph", "graphs", "graphid"},
	KindGraphPrototype:   {"Graph prototype", "graphs", "graphid"},
	KindHostPrototype:    {"Host prototype", "hosts", "hostid"},
	KindWebScenario:      {"Web scenario", "httptest", "httptestid"},
}

func (k EntityKind) String() string {
	if in, ok := inheritable[k]; ok {
		return in.label
	}
	return fmt.Sprintf("EntityKind(%d)", int(k))
}

// ItemKind maps an item flag to its entity kind.
func ItemKind(f Flag) EntityKind {
	switch f {
	case FlagDiscoveryRule:
		return KindDiscoveryRule
	case FlagPrototype:
		return KindItemPrototype
	default:
		return KindItem
	}
}

// TriggerKind maps a trigger flag to its entity kind.
func TriggerKind(f Flag) EntityKind {
	if f == FlagPrototype {
		return KindTriggerPrototype
	}
	return KindTrigger
}

// GraphKind maps a graph flag to its entity kind.
func GraphKind(f Flag) EntityKind {
	if f == FlagPrototype {
		return KindGraphPrototype
	}
	return KindGraph
}

// SetTemplateID points the templateid column of the given rows of kind at templateID.
// A templateID of 0 detaches them.
func (tx *Tx) SetTemplateID(ctx context.Context, kind EntityKind, ids []int64, templateID int64) error {
	in, ok := inheritable[kind]
	if !ok {
		return fmt.Errorf("set templateid: unknown kind %d", int(kind))
	}
	if len(ids) == 0 {
		return nil
	}
	w := where{}
	w.in(in.idCol, ids)
	args := append([]any{templateID}, w.args...)
	if _, err := tx.ExecContext(ctx, `UPDATE `+in.table+` SET templateid = ?`+w.String(), args...); err != nil {
		return fmt.Errorf("set %s templateid: %w", in.table, err)
	}
	return nil
}

// ResetTemplateIDs detaches the given rows from their template.
func (tx *Tx) ResetTemplateIDs(ctx context.Context, kind EntityKind, ids []int64) error {
	return tx.SetTemplateID(ctx, kind, ids, 0)
}

// ChildIDs returns the ids of rows of kind whose templateid is one of parentIDs.
func (tx *Tx) ChildIDs(ctx context.Context, kind EntityKind, parentIDs []int64) ([]int64, error) {
	in, ok := inheritable[kind]
	if !ok {
		return nil, fmt.Errorf("child ids: unknown kind %d", int(kind))
	}
	if len(parentIDs) == 0 {
		return nil, nil
	}
	w := where{}
	w.in("templateid", parentIDs)
	return tx.int64s(ctx, `SELECT `+in.idCol+` FROM `+in.table+w.String()+` ORDER BY `+in.idCol, w.args...)
}

// DescendantIDs walks the templateid forest down from ids and returns every
// inherited copy, breadth first. maxDepth bounds the walk.
func (tx *Tx) DescendantIDs(ctx context.Context, kind EntityKind, ids []int64, maxDepth int) ([]int64, error) {
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	var out []int64
	level := ids
	for depth := 0; len(level) > 0; depth++ {
		if maxDepth > 0 && depth >= maxDepth {
			return nil, fmt.Errorf("%s inheritance deeper than %d levels", kind, maxDepth)
		}
		children, err := tx.ChildIDs(ctx, kind, level)
		if err != nil {
			return nil, err
		}
		level = level[:0:0]
		for _, id := range children {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
			level = append(level, id)
		}
	}
	return out, nil
}
