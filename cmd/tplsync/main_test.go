package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sloppy/tplsync/internal/db"
	"github.com/sloppy/tplsync/internal/testutil"
)

const cliDocument = `
templates:
  - host: Template OS Linux
    groups: [Templates]
    items:
      - key: agent.ping
        name: Agent ping
    triggers:
      - description: Agent is unreachable
        expression: "{Template OS Linux:agent.ping.nodata(300)}=1"
hosts:
  - host: web01
    ip: 10.0.0.1
    groups: [Linux servers]
`

type ioDiscard struct{}

func (ioDiscard) Write(p []byte) (int, error) { return len(p), nil }

func setupCLI(t *testing.T) string {
	t.Helper()
	tmp := testutil.TempDir(t)
	dbPath := filepath.Join(tmp, "cli.db")
	docPath := filepath.Join(tmp, "hosts.yaml")
	if err := os.WriteFile(docPath, []byte(cliDocument), 0o644); err != nil {
		t.Fatalf("write document: %v", err)
	}

	var stdout bytes.Buffer
	exit := run([]string{"tplsync", "import", "--db", dbPath, docPath}, &stdout, ioDiscard{})
	if exit != 0 {
		t.Fatalf("import exit %d", exit)
	}
	if !strings.Contains(stdout.String(), "imported hosts.yaml: 1 templates, 1 hosts") {
		t.Fatalf("unexpected import output %q", stdout.String())
	}
	return dbPath
}

func countItems(t *testing.T, dbPath, host string) int {
	t.Helper()
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer database.Close()
	var n int
	err = database.View(context.Background(), func(tx *db.Tx) error {
		h, found, err := tx.HostByName(context.Background(), host)
		if err != nil || !found {
			return err
		}
		return tx.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM items WHERE hostid = ?`, h.ID).Scan(&n)
	})
	if err != nil {
		t.Fatalf("count items: %v", err)
	}
	return n
}

func TestUsage(t *testing.T) {
	var stdout bytes.Buffer
	if exit := run([]string{"tplsync"}, &stdout, ioDiscard{}); exit != 0 {
		t.Fatalf("help exit %d", exit)
	}
	if !strings.Contains(stdout.String(), "delete-host") {
		t.Fatalf("expected command list, got %q", stdout.String())
	}

	var stderr bytes.Buffer
	if exit := run([]string{"tplsync", "frobnicate"}, ioDiscard{}, &stderr); exit != 1 {
		t.Fatalf("unknown command exit %d", exit)
	}
	if !strings.Contains(stderr.String(), "unknown command") {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestLinkUnlinkCLI(t *testing.T) {
	dbPath := setupCLI(t)

	var stdout bytes.Buffer
	exit := run([]string{"tplsync", "link", "--db", dbPath, "--template", "Template OS Linux", "--host", "web01"}, &stdout, ioDiscard{})
	if exit != 0 {
		t.Fatalf("link exit %d", exit)
	}
	if !strings.Contains(stdout.String(), "linked 1 new pairs") {
		t.Fatalf("unexpected link output %q", stdout.String())
	}
	if n := countItems(t, dbPath, "web01"); n != 1 {
		t.Fatalf("expected 1 inherited item, got %d", n)
	}

	stdout.Reset()
	exit = run([]string{"tplsync", "hosts", "--db", dbPath, "--select", "web*"}, &stdout, ioDiscard{})
	if exit != 0 {
		t.Fatalf("hosts exit %d", exit)
	}
	if !strings.Contains(stdout.String(), "web01") || !strings.Contains(stdout.String(), "Template OS Linux") {
		t.Fatalf("unexpected hosts output %q", stdout.String())
	}

	exit = run([]string{"tplsync", "unlink", "--db", dbPath, "--template", "Template OS Linux", "--clear"}, ioDiscard{}, ioDiscard{})
	if exit != 0 {
		t.Fatalf("unlink exit %d", exit)
	}
	if n := countItems(t, dbPath, "web01"); n != 0 {
		t.Fatalf("expected cleared items, got %d", n)
	}
}

func TestLinkCLIRejectsUnknownHost(t *testing.T) {
	dbPath := setupCLI(t)

	var stderr bytes.Buffer
	exit := run([]string{"tplsync", "link", "--db", dbPath, "--template", "Template OS Linux", "--host", "missing"}, ioDiscard{}, &stderr)
	if exit != 1 {
		t.Fatalf("expected exit 1, got %d", exit)
	}
	if !strings.Contains(stderr.String(), `host "missing" not found`) {
		t.Fatalf("unexpected stderr %q", stderr.String())
	}
}

func TestCreateAndDeleteHostCLI(t *testing.T) {
	dbPath := setupCLI(t)

	var stdout bytes.Buffer
	exit := run([]string{"tplsync", "create-host", "web02", "--db", dbPath, "--ip", "10.0.0.2", "--group", "Linux servers", "--link", "Template OS Linux"}, &stdout, ioDiscard{})
	if exit != 0 {
		t.Fatalf("create-host exit %d", exit)
	}
	if !strings.Contains(stdout.String(), "created monitored") {
		t.Fatalf("unexpected create output %q", stdout.String())
	}
	if n := countItems(t, dbPath, "web02"); n != 1 {
		t.Fatalf("expected 1 inherited item, got %d", n)
	}

	exit = run([]string{"tplsync", "create-host", "web03", "--db", dbPath}, ioDiscard{}, ioDiscard{})
	if exit != 1 {
		t.Fatalf("create-host without group: expected exit 1, got %d", exit)
	}

	exit = run([]string{"tplsync", "delete-host", "Template OS Linux", "--db", dbPath}, ioDiscard{}, ioDiscard{})
	if exit != 0 {
		t.Fatalf("delete-host exit %d", exit)
	}
	if n := countItems(t, dbPath, "web02"); n != 0 {
		t.Fatalf("expected inherited items removed with the template, got %d", n)
	}
}

func TestExportCLI(t *testing.T) {
	dbPath := setupCLI(t)
	outPath := filepath.Join(filepath.Dir(dbPath), "export.json")

	exit := run([]string{"tplsync", "export", "--db", dbPath, "--select", "web01", "-o", outPath}, ioDiscard{}, ioDiscard{})
	if exit != 0 {
		t.Fatalf("export exit %d", exit)
	}
	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	var payload struct {
		Hosts []struct {
			Host string `json:"host"`
		} `json:"hosts"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if len(payload.Hosts) != 1 || payload.Hosts[0].Host != "web01" {
		t.Fatalf("unexpected export %s", data)
	}

	var stdout bytes.Buffer
	exit = run([]string{"tplsync", "export", "--db", dbPath, "--format", "text"}, &stdout, ioDiscard{})
	if exit != 0 {
		t.Fatalf("text export exit %d", exit)
	}
	if !strings.Contains(stdout.String(), "Template: Template OS Linux") {
		t.Fatalf("unexpected text export %q", stdout.String())
	}

	exit = run([]string{"tplsync", "export", "--db", dbPath, "--format", "xls"}, ioDiscard{}, ioDiscard{})
	if exit != 1 {
		t.Fatalf("bad format: expected exit 1, got %d", exit)
	}
}
