package objects

import (
	"context"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// WebScenarios manages web scenarios and their steps.
type WebScenarios struct {
	api *API
}

func (s *WebScenarios) Get(ctx context.Context, tx *db.Tx, f db.WebScenarioFilter) ([]db.WebScenario, error) {
	return tx.WebScenarios(ctx, f)
}

// Steps returns the steps of scenarioID in order.
func (s *WebScenarios) Steps(ctx context.Context, tx *db.Tx, scenarioID int64) ([]db.WebStep, error) {
	return tx.WebSteps(ctx, []int64{scenarioID})
}

func (s *WebScenarios) byID(ctx context.Context, tx *db.Tx, id int64) (db.WebScenario, bool, error) {
	list, err := tx.WebScenarios(ctx, db.WebScenarioFilter{IDs: []int64{id}})
	if err != nil || len(list) == 0 {
		return db.WebScenario{}, false, err
	}
	return list[0], true, nil
}

func (s *WebScenarios) validate(ctx context.Context, tx *db.Tx, ws db.WebScenario, steps []db.WebStep) error {
	if strings.TrimSpace(ws.Name) == "" {
		return apierr.Parameters("Web scenario name cannot be empty.")
	}
	if len(steps) == 0 {
		return apierr.Parameters("Web scenario \"%s\" must have at least one step.", ws.Name)
	}
	for i, step := range steps {
		if strings.TrimSpace(step.Name) == "" || strings.TrimSpace(step.URL) == "" {
			return apierr.Parameters("Step %d of web scenario \"%s\" needs a name and a URL.", i+1, ws.Name)
		}
	}
	if ws.ApplicationID != 0 {
		apps, err := tx.Applications(ctx, db.ApplicationFilter{IDs: []int64{ws.ApplicationID}, HostIDs: []int64{ws.HostID}})
		if err != nil {
			return err
		}
		if len(apps) == 0 {
			return apierr.Parameters("Application of web scenario \"%s\" must belong to the same host.", ws.Name)
		}
	}
	return nil
}

func numberSteps(steps []db.WebStep) []db.WebStep {
	out := make([]db.WebStep, len(steps))
	for i, step := range steps {
		step.No = i + 1
		out[i] = step
	}
	return out
}

// Create adds a web scenario to its host and copies it to every host below.
func (s *WebScenarios) Create(ctx context.Context, tx *db.Tx, ws db.WebScenario, steps []db.WebStep) (db.WebScenario, error) {
	host, found, err := tx.HostByID(ctx, ws.HostID)
	if err != nil {
		return db.WebScenario{}, err
	}
	if !found || host.Flags != db.FlagNormal {
		return db.WebScenario{}, apierr.Permission()
	}
	if err := s.validate(ctx, tx, ws, steps); err != nil {
		return db.WebScenario{}, err
	}
	if _, dup, err := tx.WebScenarioByName(ctx, ws.HostID, ws.Name); err != nil {
		return db.WebScenario{}, err
	} else if dup {
		return db.WebScenario{}, apierr.Parameters("Web scenario \"%s\" already exists on \"%s\".", ws.Name, host.DisplayName())
	}
	ws.ID = 0
	ws.TemplateID = 0
	created, err := tx.InsertWebScenario(ctx, ws)
	if err != nil {
		return db.WebScenario{}, err
	}
	if err := tx.ReplaceWebSteps(ctx, created.ID, numberSteps(steps)); err != nil {
		return db.WebScenario{}, err
	}
	err = s.api.propagate(ctx, tx, created.HostID, created.ID, func(parentID, hostID int64) (int64, error) {
		return s.inherit(ctx, tx, parentID, hostID)
	})
	if err != nil {
		return db.WebScenario{}, err
	}
	return created, nil
}

// Update rewrites a non-inherited web scenario and its copies. A nil steps
// keeps the current steps.
func (s *WebScenarios) Update(ctx context.Context, tx *db.Tx, ws db.WebScenario, steps []db.WebStep) error {
	current, found, err := s.byID(ctx, tx, ws.ID)
	if err != nil {
		return err
	}
	if !found {
		return apierr.Permission()
	}
	if current.TemplateID != 0 {
		return apierr.Parameters("Cannot update templated web scenario \"%s\".", current.Name)
	}
	ws.HostID = current.HostID
	ws.TemplateID = 0
	if steps == nil {
		if steps, err = tx.WebSteps(ctx, []int64{ws.ID}); err != nil {
			return err
		}
	}
	if err := s.validate(ctx, tx, ws, steps); err != nil {
		return err
	}
	if ws.Name != current.Name {
		if _, dup, err := tx.WebScenarioByName(ctx, ws.HostID, ws.Name); err != nil {
			return err
		} else if dup {
			return apierr.Parameters("Web scenario \"%s\" already exists.", ws.Name)
		}
	}
	if err := tx.UpdateWebScenario(ctx, ws); err != nil {
		return err
	}
	if err := tx.ReplaceWebSteps(ctx, ws.ID, numberSteps(steps)); err != nil {
		return err
	}
	return s.api.cascade(ctx, tx, db.KindWebScenario, ws.ID, func(parentID, childID int64) error {
		child, found, err := s.byID(ctx, tx, childID)
		if err != nil || !found {
			return err
		}
		_, err = s.inherit(ctx, tx, parentID, child.HostID)
		return err
	})
}

// inherit writes the copy of web scenario parentID on hostID. Its application
// maps to the inherited application of the same source on hostID.
func (s *WebScenarios) inherit(ctx context.Context, tx *db.Tx, parentID, hostID int64) (int64, error) {
	parent, found, err := s.byID(ctx, tx, parentID)
	if err != nil || !found {
		return 0, err
	}
	copies, err := tx.WebScenarios(ctx, db.WebScenarioFilter{TemplateIDs: []int64{parent.ID}, HostIDs: []int64{hostID}})
	if err != nil {
		return 0, err
	}
	var child db.WebScenario
	if len(copies) > 0 {
		child = copies[0]
	} else {
		existing, found, err := tx.WebScenarioByName(ctx, hostID, parent.Name)
		if err != nil {
			return 0, err
		}
		if found {
			if existing.TemplateID != 0 {
				name, err := hostName(ctx, tx, hostID)
				if err != nil {
					return 0, err
				}
				return 0, apierr.Parameters("Web scenario \"%s\" already exists on \"%s\", inherited from another template.", parent.Name, name)
			}
			child = existing
		}
	}

	copyWS := db.WebScenario{
		ID:         child.ID,
		HostID:     hostID,
		Name:       parent.Name,
		Delay:      parent.Delay,
		Status:     parent.Status,
		TemplateID: parent.ID,
	}
	if parent.ApplicationID != 0 {
		appIDs, err := tx.InheritedApplicationIDs(ctx, hostID, []int64{parent.ApplicationID})
		if err != nil {
			return 0, err
		}
		if len(appIDs) > 0 {
			copyWS.ApplicationID = appIDs[0]
		}
	}
	if copyWS.ID != 0 {
		if err := tx.UpdateWebScenario(ctx, copyWS); err != nil {
			return 0, err
		}
	} else if copyWS, err = tx.InsertWebScenario(ctx, copyWS); err != nil {
		return 0, err
	}
	steps, err := tx.WebSteps(ctx, []int64{parent.ID})
	if err != nil {
		return 0, err
	}
	if err := tx.ReplaceWebSteps(ctx, copyWS.ID, steps); err != nil {
		return 0, err
	}
	return copyWS.ID, nil
}

// Sync copies every web scenario of templateID onto hostID.
func (s *WebScenarios) Sync(ctx context.Context, tx *db.Tx, templateID, hostID int64) (int, error) {
	list, err := tx.WebScenarios(ctx, db.WebScenarioFilter{HostIDs: []int64{templateID}})
	if err != nil {
		return 0, err
	}
	for _, ws := range list {
		if _, err := s.inherit(ctx, tx, ws.ID, hostID); err != nil {
			return 0, err
		}
	}
	return len(list), nil
}

// Delete removes web scenarios and every inherited copy. Without clear,
// inherited scenarios are refused.
func (s *WebScenarios) Delete(ctx context.Context, tx *db.Tx, ids []int64, clear bool) error {
	if len(ids) == 0 {
		return nil
	}
	list, err := tx.WebScenarios(ctx, db.WebScenarioFilter{IDs: ids})
	if err != nil {
		return err
	}
	if len(list) != len(uniqueIDs(ids)) {
		return apierr.Permission()
	}
	if !clear {
		for _, ws := range list {
			if ws.TemplateID != 0 {
				return apierr.Parameters("Cannot delete templated web scenario \"%s\".", ws.Name)
			}
		}
	}
	all, err := s.api.withDescendants(ctx, tx, db.KindWebScenario, ids)
	if err != nil {
		return err
	}
	allList, err := tx.WebScenarios(ctx, db.WebScenarioFilter{IDs: all})
	if err != nil {
		return err
	}
	if err := tx.DeleteWebScenarios(ctx, all); err != nil {
		return err
	}
	names := make(map[int64]string, len(allList))
	hosts := make(map[int64]int64, len(allList))
	for _, ws := range allList {
		names[ws.ID] = ws.Name
		hosts[ws.ID] = ws.HostID
	}
	return notifyDeleted(ctx, tx, db.KindWebScenario, names, hosts)
}
