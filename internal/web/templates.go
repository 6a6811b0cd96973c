package web

import (
	"context"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/a-h/templ"

	"github.com/sloppy/tplsync/internal/export"
)

func render(w http.ResponseWriter, r *http.Request, component templ.Component) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := component.Render(r.Context(), w); err != nil {
		http.Error(w, "render failed", http.StatusInternalServerError)
	}
}

func layout(title string, body templ.Component) templ.Component {
	return templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<!doctype html><html lang=\"en\"><head>"); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "<meta charset=\"utf-8\">"); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "<title>%s</title>", html.EscapeString(title)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, layoutStyles); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "</head><body><main class=\"shell\">"); err != nil {
			return err
		}
		if err := body.Render(ctx, w); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "</main></body></html>"); err != nil {
			return err
		}
		return nil
	})
}

func hostsPage(hosts []hostSummary, selection string) templ.Component {
	body := templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, "<header class=\"page-header\"><p class=\"eyebrow\">tplsync</p><h1>Hosts and templates</h1><p class=\"subhead\">Linked templates and inherited configuration.</p></header>"); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "<section class=\"card\"><form method=\"get\" action=\"/hosts\" class=\"select-form\"><label for=\"select\">Select</label><div class=\"select-form__row\"><input id=\"select\" name=\"select\" value=\"%s\" placeholder=\"web*, 10.0.0.0/24, !db01\"><button type=\"submit\">Filter</button></div></form></section>", html.EscapeString(selection)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "<section class=\"card\">"); err != nil {
			return err
		}
		if len(hosts) == 0 {
			if _, err := io.WriteString(w, "<p class=\"empty\">No hosts match.</p></section>"); err != nil {
				return err
			}
			return nil
		}
		if _, err := io.WriteString(w, "<div class=\"table-wrap\"><table class=\"host-table\"><thead><tr><th>Host</th><th>Status</th><th>IP</th><th>Templates</th></tr></thead><tbody>"); err != nil {
			return err
		}
		for _, h := range hosts {
			if _, err := fmt.Fprintf(w, "<tr><td><a class=\"host-link\" href=\"/hosts/%d\">%s</a></td><td>%s</td><td class=\"mono\">%s</td><td>%s</td></tr>",
				h.ID, html.EscapeString(h.Host), html.EscapeString(h.Status), html.EscapeString(h.IP), html.EscapeString(strings.Join(h.Templates, ", "))); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "</tbody></table></div></section>"); err != nil {
			return err
		}
		query := ""
		if selection != "" {
			query = "&select=" + url.QueryEscape(selection)
		}
		_, err := fmt.Fprintf(w, "<div class=\"page-actions\"><a class=\"back-link\" href=\"/api/export?format=json%s\">Export JSON</a><a class=\"back-link\" href=\"/api/export?format=yaml%s\">Export YAML</a><a class=\"back-link\" href=\"/api/export?format=csv%s\">Export CSV</a></div>", query, query, query)
		return err
	})
	return layout("tplsync - Hosts", body)
}

func hostPage(h export.HostConfig) templ.Component {
	body := templ.ComponentFunc(func(ctx context.Context, w io.Writer) error {
		eyebrow := "Host"
		if h.Status == "template" {
			eyebrow = "Template"
		}
		if _, err := fmt.Fprintf(w, "<header class=\"page-header\"><p class=\"eyebrow\">%s</p><h1>%s</h1><p class=\"subhead\">%s</p></header>",
			eyebrow, html.EscapeString(h.Host), html.EscapeString(h.Name)); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "<section class=\"card\"><dl class=\"host-meta\">"); err != nil {
			return err
		}
		address := h.IP
		if address == "" {
			address = h.DNS
		}
		if address != "" && h.Port != 0 {
			address = fmt.Sprintf("%s:%d", address, h.Port)
		}
		meta := [][2]string{
			{"Status", h.Status},
			{"Address", orDash(address)},
			{"Groups", orDash(strings.Join(h.Groups, ", "))},
			{"Templates", orDash(strings.Join(h.Templates, ", "))},
		}
		for _, m := range meta {
			if _, err := fmt.Fprintf(w, "<div><dt>%s</dt><dd>%s</dd></div>", m[0], html.EscapeString(m[1])); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "</dl></section>"); err != nil {
			return err
		}

		apps := make([][]string, 0, len(h.Applications))
		for _, a := range h.Applications {
			apps = append(apps, []string{a.Name, source(a.Inherited)})
		}
		if err := entityTable(w, "Applications", []string{"Name", "Source"}, apps); err != nil {
			return err
		}
		items := make([][]string, 0, len(h.Items))
		for _, it := range h.Items {
			items = append(items, []string{it.Key, it.Name, it.Kind, strings.Join(it.Applications, ", "), source(it.Inherited)})
		}
		if err := entityTable(w, "Items", []string{"Key", "Name", "Kind", "Applications", "Source"}, items); err != nil {
			return err
		}
		triggers := make([][]string, 0, len(h.Triggers))
		for _, t := range h.Triggers {
			triggers = append(triggers, []string{t.Description, t.Expression, strings.Join(t.DependsOn, ", "), source(t.Inherited)})
		}
		if err := entityTable(w, "Triggers", []string{"Description", "Expression", "Depends on", "Source"}, triggers); err != nil {
			return err
		}
		graphs := make([][]string, 0, len(h.Graphs))
		for _, g := range h.Graphs {
			graphs = append(graphs, []string{g.Name, strings.Join(g.Items, ", "), source(g.Inherited)})
		}
		if err := entityTable(w, "Graphs", []string{"Name", "Items", "Source"}, graphs); err != nil {
			return err
		}
		scenarios := make([][]string, 0, len(h.WebScenarios))
		for _, ws := range h.WebScenarios {
			scenarios = append(scenarios, []string{ws.Name, strings.Join(ws.Steps, ", "), source(ws.Inherited)})
		}
		if err := entityTable(w, "Web scenarios", []string{"Name", "Steps", "Source"}, scenarios); err != nil {
			return err
		}

		_, err := fmt.Fprintf(w, "<div class=\"page-actions\"><a class=\"back-link\" href=\"/api/hosts/%d/export?format=json\">Export JSON</a><a class=\"back-link\" href=\"/api/hosts/%d/export?format=yaml\">Export YAML</a><a class=\"back-link\" href=\"/hosts\">Back to hosts</a></div>", h.ID, h.ID)
		return err
	})
	return layout("tplsync - "+h.Host, body)
}

// entityTable writes a card with one table. Cells in the first column are
// rendered monospaced.
func entityTable(w io.Writer, title string, headers []string, rows [][]string) error {
	if _, err := fmt.Fprintf(w, "<section class=\"card\"><h2>%s</h2>", html.EscapeString(title)); err != nil {
		return err
	}
	if len(rows) == 0 {
		_, err := io.WriteString(w, "<p class=\"empty\">None.</p></section>")
		return err
	}
	if _, err := io.WriteString(w, "<div class=\"table-wrap\"><table class=\"host-table\"><thead><tr>"); err != nil {
		return err
	}
	for _, h := range headers {
		if _, err := fmt.Fprintf(w, "<th>%s</th>", html.EscapeString(h)); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, "</tr></thead><tbody>"); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := io.WriteString(w, "<tr>"); err != nil {
			return err
		}
		for i, cell := range row {
			class := ""
			if i == 0 {
				class = " class=\"mono\""
			}
			if _, err := fmt.Fprintf(w, "<td%s>%s</td>", class, html.EscapeString(cell)); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, "</tr>"); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "</tbody></table></div></section>")
	return err
}

func source(inherited bool) string {
	if inherited {
		return "inherited"
	}
	return "own"
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}

const layoutStyles = `<style>
:root {
  color-scheme: light;
  --bg: #f6f1e8;
  --bg-accent: #e2eef0;
  --ink: #1f262d;
  --muted: #5c6c73;
  --card: rgba(255, 255, 255, 0.78);
  --stroke: rgba(31, 38, 45, 0.12);
  --accent: #2f6f6d;
  --accent-dark: #1e4f52;
  --shadow: 0 16px 40px rgba(15, 23, 28, 0.12);
}

* {
  box-sizing: border-box;
}

body {
  margin: 0;
  min-height: 100vh;
  font-family: "Iowan Old Style", "Palatino Linotype", "Book Antiqua", serif;
  color: var(--ink);
  background: radial-gradient(circle at 20% 20%, var(--bg-accent), transparent 45%),
    linear-gradient(135deg, #fbf7ef, var(--bg));
}

.shell {
  max-width: 1040px;
  margin: 0 auto;
  padding: 48px 24px 72px;
  display: grid;
  gap: 24px;
}

.page-header h1 {
  margin: 8px 0 8px;
  font-size: clamp(2rem, 3vw, 2.6rem);
  letter-spacing: -0.02em;
}

.eyebrow {
  text-transform: uppercase;
  letter-spacing: 0.24em;
  font-size: 0.72rem;
  color: var(--muted);
  margin: 0;
}

.subhead {
  margin: 0;
  color: var(--muted);
}

.card {
  background: var(--card);
  border: 1px solid var(--stroke);
  border-radius: 16px;
  padding: 20px 22px;
  box-shadow: var(--shadow);
}

.card h2 {
  margin: 0 0 12px;
  font-size: 1.2rem;
}

.select-form {
  display: grid;
  gap: 10px;
}

.select-form__row {
  display: flex;
  gap: 12px;
  flex-wrap: wrap;
}

input {
  flex: 1;
  min-width: 200px;
  border-radius: 10px;
  border: 1px solid var(--stroke);
  padding: 10px 12px;
  font-size: 1rem;
  font-family: inherit;
}

button {
  border: none;
  border-radius: 999px;
  padding: 10px 18px;
  background: var(--accent);
  color: white;
  font-size: 0.95rem;
  cursor: pointer;
  font-family: inherit;
}

button:hover {
  background: var(--accent-dark);
}

.host-link {
  color: var(--ink);
  text-decoration: none;
}

.host-link:hover {
  text-decoration: underline;
}

.page-actions {
  display: flex;
  gap: 16px;
  flex-wrap: wrap;
}

.back-link {
  color: var(--accent);
  text-decoration: none;
  font-weight: 600;
}

.empty {
  margin: 0;
  color: var(--muted);
}

.table-wrap {
  width: 100%;
  overflow-x: auto;
}

.host-table {
  width: 100%;
  border-collapse: collapse;
}

.host-table th,
.host-table td {
  text-align: left;
  padding: 10px;
  border-bottom: 1px solid var(--stroke);
}

.host-table th {
  font-size: 0.8rem;
  letter-spacing: 0.08em;
  text-transform: uppercase;
  color: var(--muted);
}

.mono {
  font-family: "SFMono-Regular", "Fira Mono", "Source Code Pro", monospace;
}

.host-meta {
  display: grid;
  gap: 12px;
  grid-template-columns: repeat(auto-fit, minmax(160px, 1fr));
  margin: 0;
}

.host-meta div {
  background: rgba(255, 255, 255, 0.6);
  padding: 10px 12px;
  border-radius: 10px;
  border: 1px solid var(--stroke);
}

.host-meta dt {
  font-size: 0.75rem;
  text-transform: uppercase;
  letter-spacing: 0.1em;
  color: var(--muted);
}

.host-meta dd {
  margin: 6px 0 0;
}

@media (max-width: 600px) {
  .shell {
    padding: 32px 18px 48px;
  }

  .select-form__row {
    flex-direction: column;
    align-items: stretch;
  }
}
</style>`
