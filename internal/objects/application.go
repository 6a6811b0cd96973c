package objects

import (
	"context"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
)

// Applications manages applications. Unlike other kinds an application may
// be inherited from several template-side applications of the same name; each
// source is an application_template row.
type Applications struct {
	api *API
}

func (s *Applications) Get(ctx context.Context, tx *db.Tx, f db.ApplicationFilter) ([]db.Application, error) {
	return tx.Applications(ctx, f)
}

func (s *Applications) byID(ctx context.Context, tx *db.Tx, id int64) (db.Application, bool, error) {
	apps, err := tx.Applications(ctx, db.ApplicationFilter{IDs: []int64{id}})
	if err != nil || len(apps) == 0 {
		return db.Application{}, false, err
	}
	return apps[0], true, nil
}

// Create adds app to its host and to every host below it.
func (s *Applications) Create(ctx context.Context, tx *db.Tx, app db.Application) (db.Application, error) {
	app.ID = 0
	return s.Save(ctx, tx, app, 0)
}

// Update renames app and every inherited copy of it.
func (s *Applications) Update(ctx context.Context, tx *db.Tx, app db.Application) (db.Application, error) {
	if app.ID == 0 {
		return db.Application{}, apierr.Parameters("No application ID given.")
	}
	current, found, err := s.byID(ctx, tx, app.ID)
	if err != nil {
		return db.Application{}, err
	}
	if !found {
		return db.Application{}, apierr.Permission()
	}
	inherited, err := s.isInherited(ctx, tx, current)
	if err != nil {
		return db.Application{}, err
	}
	if inherited {
		return db.Application{}, apierr.Parameters("Cannot update templated application \"%s\".", current.Name)
	}
	return s.Save(ctx, tx, app, 0)
}

// Save creates app when its ID is 0 and renames it otherwise. templateID is
// the template-side application a propagated save comes from, 0 for a user save.
// Creation propagates to every host below the owner; a rename cascades to
// every inherited copy.
func (s *Applications) Save(ctx context.Context, tx *db.Tx, app db.Application, templateID int64) (db.Application, error) {
	saved, created, err := s.save(ctx, tx, app, templateID)
	if err != nil {
		return db.Application{}, err
	}
	if created {
		err = s.api.propagate(ctx, tx, saved.HostID, saved.ID, func(parentID, hostID int64) (int64, error) {
			return s.inherit(ctx, tx, parentID, hostID)
		})
	} else {
		err = s.api.cascade(ctx, tx, db.KindApplication, saved.ID, func(parentID, childID int64) error {
			_, _, err := s.save(ctx, tx, db.Application{ID: childID, Name: saved.Name}, parentID)
			return err
		})
	}
	if err != nil {
		return db.Application{}, err
	}
	return saved, nil
}

// save writes one application without touching other hosts. It reports
// whether a new row was inserted.
func (s *Applications) save(ctx context.Context, tx *db.Tx, app db.Application, templateID int64) (db.Application, bool, error) {
	app.Name = strings.TrimSpace(app.Name)
	if app.Name == "" {
		return db.Application{}, false, apierr.Parameters("Empty application name.")
	}

	if app.ID != 0 {
		return s.rename(ctx, tx, app, templateID)
	}

	host, found, err := tx.HostByID(ctx, app.HostID)
	if err != nil {
		return db.Application{}, false, err
	}
	if !found {
		return db.Application{}, false, apierr.Permission()
	}
	conflict, found, err := tx.ApplicationByName(ctx, app.HostID, app.Name)
	if err != nil {
		return db.Application{}, false, err
	}
	if found {
		if templateID == 0 {
			return db.Application{}, false, apierr.Parameters("Application \"%s\" already exists on \"%s\".", app.Name, host.DisplayName())
		}
		inherited, err := s.isInherited(ctx, tx, conflict)
		if err != nil {
			return db.Application{}, false, err
		}
		if inherited {
			// Another template already provides an application of this name.
			if err := tx.InsertApplicationTemplate(ctx, conflict.ID, templateID); err != nil {
				return db.Application{}, false, err
			}
			return conflict, false, nil
		}
		replaced, err := s.replace(ctx, tx, conflict, templateID)
		return replaced, true, err
	}
	created, err := s.insert(ctx, tx, db.Application{HostID: app.HostID, Name: app.Name}, templateID)
	return created, true, err
}

func (s *Applications) insert(ctx context.Context, tx *db.Tx, app db.Application, templateID int64) (db.Application, error) {
	app.TemplateID = templateID
	created, err := tx.InsertApplication(ctx, app)
	if err != nil {
		return db.Application{}, err
	}
	if templateID != 0 {
		if err := tx.InsertApplicationTemplate(ctx, created.ID, templateID); err != nil {
			return db.Application{}, err
		}
	}
	return created, nil
}

func (s *Applications) rename(ctx context.Context, tx *db.Tx, app db.Application, templateID int64) (db.Application, bool, error) {
	current, found, err := s.byID(ctx, tx, app.ID)
	if err != nil {
		return db.Application{}, false, err
	}
	if !found {
		return db.Application{}, false, apierr.Permission()
	}
	if app.Name != current.Name {
		conflict, found, err := tx.ApplicationByName(ctx, current.HostID, app.Name)
		if err != nil {
			return db.Application{}, false, err
		}
		if found && conflict.ID != current.ID {
			name, err := hostName(ctx, tx, current.HostID)
			if err != nil {
				return db.Application{}, false, err
			}
			if templateID == 0 {
				return db.Application{}, false, apierr.Parameters("Application \"%s\" already exists on \"%s\".", app.Name, name)
			}
			inherited, err := s.isInherited(ctx, tx, conflict)
			if err != nil {
				return db.Application{}, false, err
			}
			if inherited {
				return db.Application{}, false, apierr.Parameters(
					"Application \"%s\" already exists on \"%s\", inherited from another template.", app.Name, name)
			}
			if err := s.absorb(ctx, tx, conflict, current.ID); err != nil {
				return db.Application{}, false, err
			}
		}
		if err := tx.RenameApplication(ctx, current.ID, app.Name); err != nil {
			return db.Application{}, false, err
		}
		current.Name = app.Name
	}
	if templateID != 0 {
		if err := tx.InsertApplicationTemplate(ctx, current.ID, templateID); err != nil {
			return db.Application{}, false, err
		}
	}
	return current, false, nil
}

// replace swaps the manual application old for an inherited one of the same
// name. Items and web scenarios of old move to the new application.
func (s *Applications) replace(ctx context.Context, tx *db.Tx, old db.Application, templateID int64) (db.Application, error) {
	itemIDs, err := tx.ItemIDsOfApplications(ctx, []int64{old.ID})
	if err != nil {
		return db.Application{}, err
	}
	scenarios, err := tx.WebScenarios(ctx, db.WebScenarioFilter{ApplicationIDs: []int64{old.ID}})
	if err != nil {
		return db.Application{}, err
	}
	if err := tx.DetachWebScenarios(ctx, []int64{old.ID}); err != nil {
		return db.Application{}, err
	}
	if err := tx.DeleteItemApplicationsOf(ctx, []int64{old.ID}); err != nil {
		return db.Application{}, err
	}
	if err := s.Delete(ctx, tx, []int64{old.ID}, true); err != nil {
		return db.Application{}, err
	}
	created, err := s.insert(ctx, tx, db.Application{HostID: old.HostID, Name: old.Name}, templateID)
	if err != nil {
		return db.Application{}, err
	}
	if err := s.reattach(ctx, tx, created.ID, itemIDs, scenarios); err != nil {
		return db.Application{}, err
	}
	return created, nil
}

// absorb deletes the manual application old after moving its items and web
// scenarios to targetID.
func (s *Applications) absorb(ctx context.Context, tx *db.Tx, old db.Application, targetID int64) error {
	itemIDs, err := tx.ItemIDsOfApplications(ctx, []int64{old.ID})
	if err != nil {
		return err
	}
	scenarios, err := tx.WebScenarios(ctx, db.WebScenarioFilter{ApplicationIDs: []int64{old.ID}})
	if err != nil {
		return err
	}
	if err := tx.DetachWebScenarios(ctx, []int64{old.ID}); err != nil {
		return err
	}
	if err := tx.DeleteItemApplicationsOf(ctx, []int64{old.ID}); err != nil {
		return err
	}
	if err := s.Delete(ctx, tx, []int64{old.ID}, true); err != nil {
		return err
	}
	return s.reattach(ctx, tx, targetID, itemIDs, scenarios)
}

func (s *Applications) reattach(ctx context.Context, tx *db.Tx, appID int64, itemIDs []int64, scenarios []db.WebScenario) error {
	for _, itemID := range itemIDs {
		if err := tx.AddItemApplications(ctx, itemID, []int64{appID}); err != nil {
			return err
		}
	}
	for _, ws := range scenarios {
		ws.ApplicationID = appID
		if err := tx.UpdateWebScenario(ctx, ws); err != nil {
			return err
		}
	}
	return nil
}

func (s *Applications) isInherited(ctx context.Context, tx *db.Tx, app db.Application) (bool, error) {
	if app.TemplateID != 0 {
		return true, nil
	}
	links, err := tx.ApplicationTemplates(ctx, []int64{app.ID}, nil)
	if err != nil {
		return false, err
	}
	return len(links) > 0, nil
}

// inherit makes sure hostID has a copy of the application parentID and
// returns the copy.
func (s *Applications) inherit(ctx context.Context, tx *db.Tx, parentID, hostID int64) (int64, error) {
	parent, found, err := s.byID(ctx, tx, parentID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, nil
	}
	existing, err := tx.InheritedApplicationIDs(ctx, hostID, []int64{parent.ID})
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		child, _, err := s.save(ctx, tx, db.Application{ID: existing[0], Name: parent.Name}, parent.ID)
		return child.ID, err
	}
	child, _, err := s.save(ctx, tx, db.Application{HostID: hostID, Name: parent.Name}, parent.ID)
	return child.ID, err
}

// Sync copies every application of templateID onto hostID.
func (s *Applications) Sync(ctx context.Context, tx *db.Tx, templateID, hostID int64) (int, error) {
	apps, err := tx.Applications(ctx, db.ApplicationFilter{HostIDs: []int64{templateID}})
	if err != nil {
		return 0, err
	}
	for _, app := range apps {
		if _, err := s.inherit(ctx, tx, app.ID, hostID); err != nil {
			return 0, err
		}
	}
	return len(apps), nil
}

// Delete removes applications and every inherited copy. Without clear,
// inherited applications are refused. Applications used by a web scenario or
// a web monitoring item are refused.
func (s *Applications) Delete(ctx context.Context, tx *db.Tx, ids []int64, clear bool) error {
	if len(ids) == 0 {
		return nil
	}
	apps, err := tx.Applications(ctx, db.ApplicationFilter{IDs: ids})
	if err != nil {
		return err
	}
	if len(apps) != len(uniqueIDs(ids)) {
		return apierr.Permission()
	}
	if !clear {
		for _, app := range apps {
			inherited, err := s.isInherited(ctx, tx, app)
			if err != nil {
				return err
			}
			if inherited {
				return apierr.Parameters("Cannot delete templated application \"%s\".", app.Name)
			}
		}
	}

	all, err := s.api.withDescendants(ctx, tx, db.KindApplication, ids)
	if err != nil {
		return err
	}
	allApps, err := tx.Applications(ctx, db.ApplicationFilter{IDs: all})
	if err != nil {
		return err
	}
	scenarios, err := tx.WebScenarios(ctx, db.WebScenarioFilter{ApplicationIDs: all})
	if err != nil {
		return err
	}
	if len(scenarios) > 0 {
		name, err := hostName(ctx, tx, scenarios[0].HostID)
		if err != nil {
			return err
		}
		return apierr.Parameters("Application is used by web scenario \"%s\" on \"%s\".", scenarios[0].Name, name)
	}
	httpItems, err := tx.Items(ctx, db.ItemFilter{ApplicationIDs: all, Types: []int64{db.ItemTypeHTTPTest}})
	if err != nil {
		return err
	}
	if len(httpItems) > 0 {
		name, err := hostName(ctx, tx, httpItems[0].HostID)
		if err != nil {
			return err
		}
		return apierr.Parameters("Application is used by web monitoring item \"%s\" on \"%s\".", httpItems[0].Key, name)
	}

	if err := tx.DeleteItemApplicationsOf(ctx, all); err != nil {
		return err
	}
	if err := tx.DeleteApplications(ctx, all); err != nil {
		return err
	}
	names := make(map[int64]string, len(allApps))
	hosts := make(map[int64]int64, len(allApps))
	for _, app := range allApps {
		names[app.ID] = app.Name
		hosts[app.ID] = app.HostID
	}
	return notifyDeleted(ctx, tx, db.KindApplication, names, hosts)
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
