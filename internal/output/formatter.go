package output

import (
	"fmt"
	"io"
	"strings"
)

// Format selects how command results are printed.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Formatter writes structured data.
type Formatter interface {
	Write(w io.Writer, data any) error
}

// ParseFormat accepts table, json, yaml and yml. An empty string is table.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "table":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", s)
	}
}

// NewFormatter returns the structured formatter for f. Table output has
// no generic formatter; callers build a Table instead.
func NewFormatter(f Format) Formatter {
	switch f {
	case FormatYAML:
		return &YAMLFormatter{}
	default:
		return &JSONFormatter{}
	}
}

// Printer renders one command result in the selected format.
type Printer struct {
	Format Format
	Out    io.Writer
}

// Print writes data as JSON or YAML, or calls table and renders the
// result when the format is table.
func (p *Printer) Print(data any, table func() Table) error {
	if p.Format == FormatTable || p.Format == "" {
		if table == nil {
			return NewFormatter(FormatYAML).Write(p.Out, data)
		}
		return WriteTable(p.Out, table())
	}
	return NewFormatter(p.Format).Write(p.Out, data)
}

// Message prints a human line in table mode and nothing otherwise, so
// json and yaml output stay machine readable.
func (p *Printer) Message(format string, args ...any) {
	if p.Format != FormatTable && p.Format != "" {
		return
	}
	fmt.Fprintf(p.Out, format+"\n", args...)
}

func WriteError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)
}
