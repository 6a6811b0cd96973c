package objects

import (
	"context"
	"strings"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/audit"
	"github.com/sloppy/tplsync/internal/db"
)

// Hosts manages hosts and templates. Linking lives in package linkage.
type Hosts struct {
	api *API
}

func (h *Hosts) Get(ctx context.Context, tx *db.Tx, f db.HostFilter) ([]db.Host, error) {
	return tx.Hosts(ctx, f)
}

func hostLabel(host db.Host) string {
	if host.IsTemplate() {
		return "Template"
	}
	return "Host"
}

// Create inserts a host or template and adds it to groups, creating missing groups.
func (h *Hosts) Create(ctx context.Context, tx *db.Tx, host db.Host, groups []string) (db.Host, error) {
	host.Host = strings.TrimSpace(host.Host)
	if host.Host == "" {
		return db.Host{}, apierr.Parameters("Host name cannot be empty.")
	}
	switch host.Status {
	case db.HostMonitored, db.HostNotMonitored, db.HostTemplate:
	default:
		return db.Host{}, apierr.Parameters("Incorrect status %d for host \"%s\".", host.Status, host.Host)
	}
	if len(groups) == 0 {
		return db.Host{}, apierr.Parameters("No groups for host \"%s\".", host.Host)
	}
	if _, found, err := tx.HostByName(ctx, host.Host); err != nil {
		return db.Host{}, err
	} else if found {
		return db.Host{}, apierr.Parameters("Host with the same name \"%s\" already exists.", host.Host)
	}
	host.Flags = db.FlagNormal
	host.TemplateID = 0

	created, err := tx.InsertHost(ctx, host)
	if err != nil {
		return db.Host{}, err
	}
	groupIDs := make([]int64, 0, len(groups))
	for _, name := range groups {
		name = strings.TrimSpace(name)
		if name == "" {
			return db.Host{}, apierr.Parameters("Empty group name for host \"%s\".", host.Host)
		}
		g, err := tx.EnsureGroup(ctx, name)
		if err != nil {
			return db.Host{}, err
		}
		groupIDs = append(groupIDs, g.ID)
	}
	if err := tx.AddHostGroups(ctx, created.ID, groupIDs); err != nil {
		return db.Host{}, err
	}
	audit.Notify(ctx, "Created: %s \"%s\".", hostLabel(created), created.DisplayName())
	return created, nil
}

// Update rewrites the mutable columns of an existing host.
func (h *Hosts) Update(ctx context.Context, tx *db.Tx, host db.Host) error {
	current, found, err := tx.HostByID(ctx, host.ID)
	if err != nil {
		return err
	}
	if !found || current.Flags != db.FlagNormal {
		return apierr.Permission()
	}
	host.Host = strings.TrimSpace(host.Host)
	if host.Host == "" {
		return apierr.Parameters("Host name cannot be empty.")
	}
	if host.Host != current.Host {
		if _, dup, err := tx.HostByName(ctx, host.Host); err != nil {
			return err
		} else if dup {
			return apierr.Parameters("Host with the same name \"%s\" already exists.", host.Host)
		}
	}
	if current.IsTemplate() != (host.Status == db.HostTemplate) {
		return apierr.Parameters("Cannot change \"%s\" between host and template.", current.Host)
	}
	if err := tx.UpdateHost(ctx, host); err != nil {
		return err
	}
	audit.Notify(ctx, "Updated: %s \"%s\".", hostLabel(host), host.DisplayName())
	return nil
}
