package web

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sloppy/tplsync/internal/config"
	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/export"
	"github.com/sloppy/tplsync/internal/linkage"
	"github.com/sloppy/tplsync/internal/testutil"
)

const seedDocument = `
templates:
  - host: Template OS Linux
    groups: [Templates]
    applications: [General]
    items:
      - key: agent.ping
        name: Agent ping
        applications: [General]
    triggers:
      - description: Agent is unreachable
        expression: "{Template OS Linux:agent.ping.nodata(300)}=1"
    graphs:
      - name: Ping
        items:
          - key: agent.ping
  - host: Template Base
    groups: [Templates]
hosts:
  - host: web01
    ip: 10.0.0.1
    groups: [Linux servers]
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := testutil.TempDir(t)
	database, err := db.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewServer(config.Default(), linkage.NewService(database, linkage.Options{}))
}

func do(t *testing.T, server *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, "http://localhost:8080"+target, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func seed(t *testing.T, server *Server) map[string]int64 {
	t.Helper()
	rec := do(t, server, http.MethodPost, "/api/import?format=yaml", seedDocument)
	if rec.Code != http.StatusOK {
		t.Fatalf("import: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodGet, "/api/hosts", "")
	var hosts []hostSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &hosts); err != nil {
		t.Fatalf("decode hosts: %v", err)
	}
	ids := make(map[string]int64, len(hosts))
	for _, h := range hosts {
		ids[h.Host] = h.ID
	}
	return ids
}

func TestCSRFGuard(t *testing.T) {
	body := `{"host":"%s","groups":["Linux servers"]}`

	t.Run("rejects invalid origin", func(t *testing.T) {
		server := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "http://localhost:8080/api/hosts", bytes.NewBufferString(fmt.Sprintf(body, "alpha")))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "http://evil.com")
		rec := httptest.NewRecorder()

		server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("allows local origin", func(t *testing.T) {
		server := newTestServer(t)
		req := httptest.NewRequest(http.MethodPost, "http://localhost:8080/api/hosts", bytes.NewBufferString(fmt.Sprintf(body, "bravo")))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Origin", "http://localhost:8080")
		rec := httptest.NewRecorder()

		server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("allows empty origin", func(t *testing.T) {
		server := newTestServer(t)
		rec := do(t, server, http.MethodPost, "/api/hosts", fmt.Sprintf(body, "charlie"))
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})
}

func TestCreateHostValidation(t *testing.T) {
	server := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing groups", `{"host":"web02"}`},
		{"empty group", `{"host":"web02","groups":[""]}`},
		{"bad ip", `{"host":"web02","groups":["g"],"ip":"300.1.1.1"}`},
		{"bad status", `{"host":"web02","groups":["g"],"status":"paused"}`},
		{"template with status", `{"host":"T","groups":["g"],"template":true,"status":"monitored"}`},
		{"unknown field", `{"host":"web02","groups":["g"],"color":"red"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, server, http.MethodPost, "/api/hosts", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestCreateHostLinksTemplates(t *testing.T) {
	server := newTestServer(t)
	ids := seed(t, server)

	body := fmt.Sprintf(`{"host":"web02","ip":"10.0.0.2","groups":["Linux servers"],"templates":[%d]}`, ids["Template OS Linux"])
	rec := do(t, server, http.MethodPost, "/api/hosts", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID     int64          `json:"id"`
		Result linkage.Result `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(created.Result.Created) != 1 {
		t.Fatalf("expected one link, got %+v", created.Result)
	}

	rec = do(t, server, http.MethodGet, fmt.Sprintf("/api/hosts/%d/items", created.ID), "")
	var items []export.ItemRow
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode items: %v", err)
	}
	if len(items) != 1 || items[0].Key != "agent.ping" || !items[0].Inherited {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestLinkUnlinkEndpoints(t *testing.T) {
	server := newTestServer(t)
	ids := seed(t, server)
	tpl, host := ids["Template OS Linux"], ids["web01"]

	rec := do(t, server, http.MethodPost, "/api/link", fmt.Sprintf(`{"templates":[%d],"hosts":[%d]}`, tpl, host))
	if rec.Code != http.StatusOK {
		t.Fatalf("link: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	for path, want := range map[string]int{"applications": 1, "items": 1, "triggers": 1, "graphs": 1} {
		rec = do(t, server, http.MethodGet, fmt.Sprintf("/api/hosts/%d/%s", host, path), "")
		var rows []json.RawMessage
		if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		if len(rows) != want {
			t.Fatalf("%s: expected %d rows, got %d", path, want, len(rows))
		}
	}

	rec = do(t, server, http.MethodPost, "/api/unlink", fmt.Sprintf(`{"templates":[%d],"hosts":[%d],"clear":true}`, tpl, host))
	if rec.Code != http.StatusOK {
		t.Fatalf("unlink: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodGet, fmt.Sprintf("/api/hosts/%d", host), "")
	var cfg export.HostConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &cfg); err != nil {
		t.Fatalf("decode host: %v", err)
	}
	if len(cfg.Templates) != 0 || len(cfg.Items) != 0 || len(cfg.Triggers) != 0 {
		t.Fatalf("expected cleared host, got %+v", cfg)
	}
}

func TestLinkErrorsMapToStatus(t *testing.T) {
	server := newTestServer(t)
	ids := seed(t, server)
	linux, base := ids["Template OS Linux"], ids["Template Base"]

	rec := do(t, server, http.MethodPost, "/api/link", fmt.Sprintf(`{"templates":[%d],"hosts":[%d]}`, base, linux))
	if rec.Code != http.StatusOK {
		t.Fatalf("link: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodPost, "/api/link", fmt.Sprintf(`{"templates":[%d],"hosts":[%d]}`, linux, base))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("circular link: expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodPost, "/api/link", `{"templates":[9999],"hosts":[1]}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("unknown template: expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodPost, "/api/link", `{"templates":[],"hosts":[1]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty templates: expected 400, got %d", rec.Code)
	}
}

func TestDeleteHostEndpoint(t *testing.T) {
	server := newTestServer(t)
	ids := seed(t, server)

	rec := do(t, server, http.MethodDelete, fmt.Sprintf("/api/hosts/%d", ids["web01"]), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodGet, fmt.Sprintf("/api/hosts/%d", ids["web01"]), "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("deleted host: expected 403, got %d", rec.Code)
	}
	rec = do(t, server, http.MethodDelete, "/api/hosts/abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: expected 400, got %d", rec.Code)
	}
	rec = do(t, server, http.MethodDelete, fmt.Sprintf("/api/hosts/%d?unlink=maybe", ids["Template Base"]), "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad unlink flag: expected 400, got %d", rec.Code)
	}
}

func TestExportEndpoint(t *testing.T) {
	server := newTestServer(t)
	seed(t, server)

	rec := do(t, server, http.MethodGet, "/api/export?format=csv&select=web*", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("export: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("unexpected content type %q", ct)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "hosts.csv") {
		t.Fatalf("unexpected disposition %q", rec.Header().Get("Content-Disposition"))
	}
	if !strings.Contains(rec.Body.String(), "web01") || strings.Contains(rec.Body.String(), "Template Base") {
		t.Fatalf("unexpected export:\n%s", rec.Body.String())
	}

	rec = do(t, server, http.MethodGet, "/api/export?format=xls", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad format: expected 400, got %d", rec.Code)
	}
	rec = do(t, server, http.MethodGet, "/api/export?select=10.0.0.0/33", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad selector: expected 400, got %d", rec.Code)
	}
}

func TestImportEndpointRejectsInvalidDocument(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodPost, "/api/import", "hosts:\n  - host: web01\n")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodPost, "/api/import?format=json", "{}")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown format, got %d", rec.Code)
	}
}

func TestHostPages(t *testing.T) {
	server := newTestServer(t)
	ids := seed(t, server)

	rec := do(t, server, http.MethodGet, "/", "")
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/hosts" {
		t.Fatalf("root: expected redirect to /hosts, got %d %q", rec.Code, rec.Header().Get("Location"))
	}

	rec = do(t, server, http.MethodGet, "/hosts?select=web*", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("hosts page: expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, "web01") || strings.Contains(body, "Template Base") {
		t.Fatalf("unexpected hosts page:\n%s", body)
	}

	rec = do(t, server, http.MethodGet, fmt.Sprintf("/hosts/%d", ids["Template OS Linux"]), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("host page: expected 200, got %d", rec.Code)
	}
	for _, want := range []string{"Template OS Linux", "agent.ping", "Agent is unreachable"} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("host page missing %q", want)
		}
	}

	rec = do(t, server, http.MethodGet, "/hosts/9999", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing host page: expected 404, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	server := newTestServer(t)

	rec := do(t, server, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "ok") {
		t.Fatalf("health: got %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, server, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
}
