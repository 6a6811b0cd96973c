package metrics

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/sloppy/tplsync/internal/db"
	tputil "github.com/sloppy/tplsync/internal/testutil"
)

func TestRecordOperationLabelsStatus(t *testing.T) {
	before := testutil.ToFloat64(OperationsTotal.WithLabelValues("link", "error"))
	RecordOperation("link", errors.New("boom"), 5*time.Millisecond)
	after := testutil.ToFloat64(OperationsTotal.WithLabelValues("link", "error"))
	if after != before+1 {
		t.Fatalf("expected error counter to grow by 1, got %v -> %v", before, after)
	}
}

func TestRecordPropagatedIgnoresZero(t *testing.T) {
	before := testutil.ToFloat64(EntitiesPropagated.WithLabelValues(db.KindItem.String()))
	RecordPropagated(db.KindItem, 0)
	RecordPropagated(db.KindItem, 3)
	after := testutil.ToFloat64(EntitiesPropagated.WithLabelValues(db.KindItem.String()))
	if after != before+3 {
		t.Fatalf("expected +3, got %v -> %v", before, after)
	}
}

func TestCollectorCountsHostsAndLinks(t *testing.T) {
	store, err := db.Open(filepath.Join(tputil.TempDir(t), "metrics.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	err = store.WithTx(ctx, func(tx *db.Tx) error {
		tpl, err := tx.InsertHost(ctx, db.Host{Host: "Template OS Linux", Status: db.HostTemplate})
		if err != nil {
			return err
		}
		h, err := tx.InsertHost(ctx, db.Host{Host: "web01", Status: db.HostMonitored})
		if err != nil {
			return err
		}
		_, err = tx.InsertTemplateLink(ctx, h.ID, tpl.ID)
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := NewCollector(store).UpdateSystemMetrics(ctx); err != nil {
		t.Fatalf("update metrics: %v", err)
	}
	if got := testutil.ToFloat64(TemplateLinks); got != 1 {
		t.Fatalf("expected 1 template link, got %v", got)
	}
	if got := testutil.ToFloat64(HostsByStatus.WithLabelValues("template")); got != 1 {
		t.Fatalf("expected 1 template, got %v", got)
	}
}
