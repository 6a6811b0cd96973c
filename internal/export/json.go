package export

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/sloppy/tplsync/internal/apierr"
)

// Format names an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatCSV  Format = "csv"
	FormatText Format = "text"
)

// Formats lists every supported format.
var Formats = []Format{FormatJSON, FormatYAML, FormatCSV, FormatText}

// ContentType is the HTTP media type of f.
func (f Format) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatYAML:
		return "application/yaml"
	case FormatCSV:
		return "text/csv; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// ParseFormat accepts a format name; the empty name is JSON.
func ParseFormat(name string) (Format, error) {
	if name == "" {
		return FormatJSON, nil
	}
	for _, f := range Formats {
		if string(f) == name {
			return f, nil
		}
	}
	return "", apierr.Parameters("Unknown export format %q.", name)
}

// Write encodes hosts in format f.
func Write(w io.Writer, f Format, hosts []HostConfig) error {
	switch f {
	case FormatJSON:
		return WriteJSON(w, hosts)
	case FormatYAML:
		return WriteYAML(w, hosts)
	case FormatCSV:
		return WriteCSV(w, hosts)
	case FormatText:
		return WriteText(w, hosts)
	}
	return apierr.Parameters("Unknown export format %q.", f)
}

type payload struct {
	Hosts []HostConfig `json:"hosts" yaml:"hosts"`
}

// WriteJSON writes {"hosts": [...]} indented.
func WriteJSON(w io.Writer, hosts []HostConfig) error {
	if hosts == nil {
		hosts = []HostConfig{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(payload{Hosts: hosts}); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// WriteYAML writes the same structure as WriteJSON.
func WriteYAML(w io.Writer, hosts []HostConfig) error {
	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(payload{Hosts: hosts}); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("close yaml: %w", err)
	}
	return nil
}
