package export

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// WriteText writes a readable summary per host.
func WriteText(w io.Writer, hosts []HostConfig) error {
	for _, h := range hosts {
		fmt.Fprintf(w, "%s: %s [%s]\n", hostLabel(h), h.Host, h.Status)
		if h.Name != "" && h.Name != h.Host {
			fmt.Fprintf(w, "Name: %s\n", h.Name)
		}
		if h.IP != "" {
			fmt.Fprintf(w, "Address: %s:%d\n", h.IP, h.Port)
		}
		fmt.Fprintf(w, "Groups: %s\n", joinOrNone(h.Groups))
		fmt.Fprintf(w, "Templates: %s\n", joinOrNone(h.Templates))
		if h.Inventory != nil && h.Inventory.OS != "" {
			fmt.Fprintf(w, "OS: %s\n", h.Inventory.OS)
		}

		rows := 0
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		line := func(kind, name, source string) {
			if rows == 0 {
				fmt.Fprintln(tw, "  Entity\tName\tSource")
			}
			rows++
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", kind, name, source)
		}
		for _, a := range h.Applications {
			line("Application", a.Name, source(a.Inherited))
		}
		for _, it := range h.Items {
			line(it.Kind, it.Key, source(it.Inherited))
		}
		for _, t := range h.Triggers {
			line(t.Kind, t.Description, source(t.Inherited))
		}
		for _, g := range h.Graphs {
			line(g.Kind, g.Name, source(g.Inherited))
		}
		for _, hp := range h.HostProtos {
			line("Host prototype", hp.Host, source(hp.Inherited))
		}
		for _, ws := range h.WebScenarios {
			line("Web scenario", ws.Name, source(ws.Inherited))
		}
		if rows > 0 {
			if err := tw.Flush(); err != nil {
				return fmt.Errorf("flush text: %w", err)
			}
		} else {
			fmt.Fprintln(w, "  No entities.")
		}
		fmt.Fprintln(w, "")
	}
	return nil
}

func hostLabel(h HostConfig) string {
	if h.Status == "template" {
		return "Template"
	}
	return "Host"
}

func source(inherited bool) string {
	if inherited {
		return "template"
	}
	return "own"
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "-"
	}
	return strings.Join(values, ", ")
}
