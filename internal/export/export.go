package export

import (
	"bytes"
	"context"
	"io"

	"github.com/sloppy/tplsync/internal/apierr"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/linkage"
	"github.com/sloppy/tplsync/internal/scope"
)

// Load collects every host and template selected by m. A nil m selects
// everything.
func Load(ctx context.Context, svc *linkage.Service, m *scope.Matcher) ([]HostConfig, error) {
	var hosts []HostConfig
	err := svc.View(ctx, func(ctx context.Context, tx *db.Tx) error {
		all, err := tx.Hosts(ctx, db.HostFilter{Flags: []db.Flag{db.FlagNormal}})
		if err != nil {
			return err
		}
		if m != nil {
			all = m.Filter(all)
		}
		hosts, err = Collect(ctx, tx, svc.API(), all)
		return err
	})
	return hosts, err
}

// LoadHost collects one host or template. Unknown ids and host prototypes
// are reported as permission errors.
func LoadHost(ctx context.Context, svc *linkage.Service, hostID int64) (HostConfig, error) {
	var hosts []HostConfig
	err := svc.View(ctx, func(ctx context.Context, tx *db.Tx) error {
		h, found, err := tx.HostByID(ctx, hostID)
		if err != nil {
			return err
		}
		if !found || h.Flags != db.FlagNormal {
			return apierr.Permission()
		}
		hosts, err = Collect(ctx, tx, svc.API(), []db.Host{h})
		return err
	})
	if err != nil {
		return HostConfig{}, err
	}
	return hosts[0], nil
}

// Export writes every host and template selected by m in format f. Nothing
// is written when collecting fails.
func Export(ctx context.Context, svc *linkage.Service, m *scope.Matcher, f Format, w io.Writer) error {
	hosts, err := Load(ctx, svc, m)
	if err != nil {
		return err
	}
	return writeBuffered(w, f, hosts)
}

// ExportHost writes one host or template.
func ExportHost(ctx context.Context, svc *linkage.Service, hostID int64, f Format, w io.Writer) error {
	h, err := LoadHost(ctx, svc, hostID)
	if err != nil {
		return err
	}
	return writeBuffered(w, f, []HostConfig{h})
}

func writeBuffered(w io.Writer, f Format, hosts []HostConfig) error {
	var buf bytes.Buffer
	if err := Write(&buf, f, hosts); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}
