package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// WriteCSV writes one row per entity, after the host columns.
func WriteCSV(w io.Writer, hosts []HostConfig) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, h := range hosts {
		for _, row := range csvRows(h) {
			if err := writer.Write(row); err != nil {
				return fmt.Errorf("write row: %w", err)
			}
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func boolToString(value bool) string {
	if value {
		return "true"
	}
	return "false"
}

func csvHeader() []string {
	return []string{
		"host_id",
		"host",
		"status",
		"templates",
		"entity",
		"name",
		"key",
		"inherited",
		"detail",
	}
}

func csvRows(h HostConfig) [][]string {
	prefix := []string{strconv.FormatInt(h.ID, 10), h.Host, h.Status, strings.Join(h.Templates, ";")}
	row := func(entity, name, key string, inherited bool, detail string) []string {
		return append(append([]string(nil), prefix...), entity, name, key, boolToString(inherited), detail)
	}

	rows := make([][]string, 0, 1+len(h.Applications)+len(h.Items)+len(h.Triggers)+len(h.Graphs)+len(h.HostProtos)+len(h.WebScenarios))
	rows = append(rows, row("Host", h.Name, "", false, strings.Join(h.Groups, ";")))
	for _, a := range h.Applications {
		rows = append(rows, row("Application", a.Name, "", a.Inherited, ""))
	}
	for _, it := range h.Items {
		rows = append(rows, row(it.Kind, it.Name, it.Key, it.Inherited, it.Rule))
	}
	for _, t := range h.Triggers {
		rows = append(rows, row(t.Kind, t.Description, "", t.Inherited, t.Expression))
	}
	for _, g := range h.Graphs {
		rows = append(rows, row(g.Kind, g.Name, "", g.Inherited, strings.Join(g.Items, ";")))
	}
	for _, hp := range h.HostProtos {
		rows = append(rows, row("Host prototype", hp.Host, "", hp.Inherited, hp.Rule))
	}
	for _, ws := range h.WebScenarios {
		rows = append(rows, row("Web scenario", ws.Name, "", ws.Inherited, strings.Join(ws.Steps, ";")))
	}
	return rows
}
