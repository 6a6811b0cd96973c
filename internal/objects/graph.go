package objects

import (
	"context"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// Graphs manages graphs and graph prototypes.
type Graphs struct {
	api *API
}

func (s *Graphs) Get(ctx context.Context, tx *db.Tx, f db.GraphFilter) ([]db.Graph, error) {
	return tx.Graphs(ctx, f)
}

// Items returns the series of graphID in draw order.
func (s *Graphs) Items(ctx context.Context, tx *db.Tx, graphID int64) ([]db.GraphItem, error) {
	return tx.GraphItems(ctx, []int64{graphID})
}

func (s *Graphs) byID(ctx context.Context, tx *db.Tx, id int64) (db.Graph, bool, error) {
	graphs, err := tx.Graphs(ctx, db.GraphFilter{IDs: []int64{id}})
	if err != nil || len(graphs) == 0 {
		return db.Graph{}, false, err
	}
	return graphs[0], true, nil
}

func (s *Graphs) validate(ctx context.Context, tx *db.Tx, g db.Graph, gitems []db.GraphItem) (int64, error) {
	if strings.TrimSpace(g.Name) == "" {
		return 0, apierr.Parameters("Graph name cannot be empty.")
	}
	if g.Flags != db.FlagNormal && g.Flags != db.FlagPrototype {
		return 0, apierr.Parameters("Incorrect flags %d for graph \"%s\".", g.Flags, g.Name)
	}
	if len(gitems) == 0 {
		return 0, apierr.Parameters("Missing items for graph \"%s\".", g.Name)
	}
	ids := make([]int64, 0, len(gitems)+2)
	for _, gi := range gitems {
		ids = append(ids, gi.ItemID)
	}
	for _, axis := range []int64{g.YMinItemID, g.YMaxItemID} {
		if axis != 0 {
			ids = append(ids, axis)
		}
	}
	items, err := tx.Items(ctx, db.ItemFilter{IDs: ids})
	if err != nil {
		return 0, err
	}
	if len(items) != len(uniqueIDs(ids)) {
		return 0, apierr.Permission()
	}
	prototypes := 0
	for _, it := range items {
		switch it.Flags {
		case db.FlagDiscoveryRule:
			return 0, apierr.Parameters("Graph \"%s\" cannot use discovery rule \"%s\".", g.Name, it.Key)
		case db.FlagPrototype:
			if g.Flags != db.FlagPrototype {
				return 0, apierr.Parameters("Graph \"%s\" cannot use item prototype \"%s\".", g.Name, it.Key)
			}
			prototypes++
		}
	}
	if g.Flags == db.FlagPrototype && prototypes == 0 {
		return 0, apierr.Parameters("Graph prototype \"%s\" must have at least one item prototype.", g.Name)
	}
	// owner is the host of the first series
	for _, it := range items {
		if it.ID == gitems[0].ItemID {
			return it.HostID, nil
		}
	}
	return 0, apierr.Permission()
}

// Create inserts a graph with its series and copies it to every host below
// the host of its first series.
func (s *Graphs) Create(ctx context.Context, tx *db.Tx, g db.Graph, gitems []db.GraphItem) (db.Graph, error) {
	owner, err := s.validate(ctx, tx, g, gitems)
	if err != nil {
		return db.Graph{}, err
	}
	same, err := tx.Graphs(ctx, db.GraphFilter{HostIDs: []int64{owner}, Names: []string{g.Name}})
	if err != nil {
		return db.Graph{}, err
	}
	if len(same) > 0 {
		name, err := hostName(ctx, tx, owner)
		if err != nil {
			return db.Graph{}, err
		}
		return db.Graph{}, apierr.Parameters("Graph with name \"%s\" already exists on \"%s\".", g.Name, name)
	}
	g.ID = 0
	g.TemplateID = 0
	created, err := tx.InsertGraph(ctx, g)
	if err != nil {
		return db.Graph{}, err
	}
	if err := replaceGraphItems(ctx, tx, created.ID, gitems); err != nil {
		return db.Graph{}, err
	}
	created.HostID = owner
	err = s.api.propagate(ctx, tx, owner, created.ID, func(parentID, hostID int64) (int64, error) {
		return s.inherit(ctx, tx, parentID, hostID)
	})
	if err != nil {
		return db.Graph{}, err
	}
	return created, nil
}

func replaceGraphItems(ctx context.Context, tx *db.Tx, graphID int64, gitems []db.GraphItem) error {
	if err := tx.DeleteGraphItemsOf(ctx, graphID); err != nil {
		return err
	}
	for i, gi := range gitems {
		gi.GraphID = graphID
		if gi.SortOrder == 0 {
			gi.SortOrder = i
		}
		if _, err := tx.InsertGraphItem(ctx, gi); err != nil {
			return err
		}
	}
	return nil
}

// Update rewrites a non-inherited graph. A nil gitems keeps the current series.
func (s *Graphs) Update(ctx context.Context, tx *db.Tx, g db.Graph, gitems []db.GraphItem) error {
	current, found, err := s.byID(ctx, tx, g.ID)
	if err != nil {
		return err
	}
	if !found {
		return apierr.Permission()
	}
	if current.TemplateID != 0 {
		return apierr.Parameters("Cannot update templated %s \"%s\".", kindLabel(db.GraphKind(current.Flags)), current.Name)
	}
	g.Flags = current.Flags
	g.TemplateID = 0
	if gitems == nil {
		if gitems, err = tx.GraphItems(ctx, []int64{g.ID}); err != nil {
			return err
		}
	}
	if _, err := s.validate(ctx, tx, g, gitems); err != nil {
		return err
	}
	if err := tx.UpdateGraph(ctx, g); err != nil {
		return err
	}
	if err := replaceGraphItems(ctx, tx, g.ID, gitems); err != nil {
		return err
	}
	return s.api.cascade(ctx, tx, db.GraphKind(g.Flags), g.ID, func(parentID, childID int64) error {
		child, found, err := s.byID(ctx, tx, childID)
		if err != nil || !found {
			return err
		}
		_, err = s.inherit(ctx, tx, parentID, child.HostID)
		return err
	})
}

// inherit writes the copy of graph parentID on hostID, mapping every series
// by item key. Hosts missing a template of the parent's items are skipped.
func (s *Graphs) inherit(ctx context.Context, tx *db.Tx, parentID, hostID int64) (int64, error) {
	parent, found, err := s.byID(ctx, tx, parentID)
	if err != nil || !found {
		return 0, err
	}
	gitems, err := tx.GraphItems(ctx, []int64{parent.ID})
	if err != nil {
		return 0, err
	}
	linked, err := tx.TemplateIDsOf(ctx, hostID)
	if err != nil {
		return 0, err
	}

	ids := make([]int64, 0, len(gitems)+2)
	for _, gi := range gitems {
		ids = append(ids, gi.ItemID)
	}
	ids = append(ids, parent.YMinItemID, parent.YMaxItemID)
	items, err := tx.Items(ctx, db.ItemFilter{IDs: ids})
	if err != nil {
		return 0, err
	}
	byID := make(map[int64]db.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}
	mapItem := func(itemID int64) (int64, bool, error) {
		src, ok := byID[itemID]
		if !ok {
			return 0, false, nil
		}
		if src.HostID == hostID {
			return src.ID, true, nil
		}
		if !contains(linked, src.HostID) {
			return 0, false, nil
		}
		target, found, err := tx.ItemByKey(ctx, hostID, src.Key)
		if err != nil {
			return 0, false, err
		}
		if !found {
			name, err := hostName(ctx, tx, hostID)
			if err != nil {
				return 0, false, err
			}
			return 0, false, apierr.Parameters("Cannot find item \"%s\" on \"%s\" used by graph \"%s\".", src.Key, name, parent.Name)
		}
		return target.ID, true, nil
	}

	mapped := make([]db.GraphItem, 0, len(gitems))
	for _, gi := range gitems {
		itemID, ok, err := mapItem(gi.ItemID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, nil
		}
		mapped = append(mapped, db.GraphItem{ItemID: itemID, Color: gi.Color, SortOrder: gi.SortOrder})
	}
	copyGraph := db.Graph{
		Name:       parent.Name,
		Width:      parent.Width,
		Height:     parent.Height,
		TemplateID: parent.ID,
		Flags:      parent.Flags,
	}
	if parent.YMinItemID != 0 {
		if copyGraph.YMinItemID, _, err = mapItem(parent.YMinItemID); err != nil {
			return 0, err
		}
	}
	if parent.YMaxItemID != 0 {
		if copyGraph.YMaxItemID, _, err = mapItem(parent.YMaxItemID); err != nil {
			return 0, err
		}
	}

	child, err := s.findCopy(ctx, tx, parent, hostID)
	if err != nil {
		return 0, err
	}
	if child.ID != 0 {
		copyGraph.ID = child.ID
		if err := tx.UpdateGraph(ctx, copyGraph); err != nil {
			return 0, err
		}
	} else {
		if copyGraph, err = tx.InsertGraph(ctx, copyGraph); err != nil {
			return 0, err
		}
	}
	if err := replaceGraphItems(ctx, tx, copyGraph.ID, mapped); err != nil {
		return 0, err
	}
	return copyGraph.ID, nil
}

func (s *Graphs) findCopy(ctx context.Context, tx *db.Tx, parent db.Graph, hostID int64) (db.Graph, error) {
	copies, err := tx.Graphs(ctx, db.GraphFilter{TemplateIDs: []int64{parent.ID}, HostIDs: []int64{hostID}})
	if err != nil {
		return db.Graph{}, err
	}
	if len(copies) > 0 {
		return copies[0], nil
	}
	same, err := tx.Graphs(ctx, db.GraphFilter{HostIDs: []int64{hostID}, Names: []string{parent.Name}})
	if err != nil || len(same) == 0 {
		return db.Graph{}, err
	}
	candidate := same[0]
	name, err := hostName(ctx, tx, hostID)
	if err != nil {
		return db.Graph{}, err
	}
	if candidate.TemplateID != 0 {
		return db.Graph{}, apierr.Parameters("Graph \"%s\" already exists on \"%s\", inherited from another template.", parent.Name, name)
	}
	if candidate.Flags != parent.Flags {
		return db.Graph{}, apierr.Parameters("Graph \"%s\" already exists on \"%s\" with a different type.", parent.Name, name)
	}
	return candidate, nil
}

// Sync copies every graph of templateID with flag onto hostID and returns how
// many copies were written.
func (s *Graphs) Sync(ctx context.Context, tx *db.Tx, templateID, hostID int64, flag db.Flag) (int, error) {
	graphs, err := tx.Graphs(ctx, db.GraphFilter{HostIDs: []int64{templateID}, Flags: []db.Flag{flag}})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, g := range graphs {
		id, err := s.inherit(ctx, tx, g.ID, hostID)
		if err != nil {
			return 0, err
		}
		if id != 0 {
			n++
		}
	}
	return n, nil
}

// Delete removes graphs and every inherited copy. Without clear, inherited
// graphs are refused.
func (s *Graphs) Delete(ctx context.Context, tx *db.Tx, ids []int64, clear bool) error {
	if len(ids) == 0 {
		return nil
	}
	graphs, err := tx.Graphs(ctx, db.GraphFilter{IDs: ids})
	if err != nil {
		return err
	}
	if len(graphs) != len(uniqueIDs(ids)) {
		return apierr.Permission()
	}
	if !clear {
		for _, g := range graphs {
			if g.TemplateID != 0 {
				return apierr.Parameters("Cannot delete templated %s \"%s\".", kindLabel(db.GraphKind(g.Flags)), g.Name)
			}
		}
	}
	all, err := s.api.withDescendants(ctx, tx, db.KindGraph, ids)
	if err != nil {
		return err
	}
	allGraphs, err := tx.Graphs(ctx, db.GraphFilter{IDs: all})
	if err != nil {
		return err
	}
	if err := tx.DeleteGraphs(ctx, all); err != nil {
		return err
	}
	byKind := map[db.EntityKind]map[int64]string{}
	hosts := make(map[int64]int64, len(allGraphs))
	for _, g := range allGraphs {
		kind := db.GraphKind(g.Flags)
		if byKind[kind] == nil {
			byKind[kind] = map[int64]string{}
		}
		byKind[kind][g.ID] = g.Name
		hosts[g.ID] = g.HostID
	}
	for _, kind := range []db.EntityKind{db.KindGraphPrototype, db.KindGraph} {
		if names := byKind[kind]; len(names) > 0 {
			if err := notifyDeleted(ctx, tx, kind, names, hosts); err != nil {
				return err
			}
		}
	}
	return nil
}
