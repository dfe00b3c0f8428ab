package output

import (
	"fmt"
	"io"
	"time"

	"github.com/olekukonko/tablewriter"
)

// Table is a rendered view of a result: upper-case headers and one string
// per cell.
type Table struct {
	Header []string
	Rows   [][]string
	// Empty is printed instead of the table when there are no rows.
	Empty string
}

func WriteTable(w io.Writer, t Table) error {
	if len(t.Rows) == 0 {
		empty := t.Empty
		if empty == "" {
			empty = "No items found"
		}
		_, err := fmt.Fprintln(w, empty)
		return err
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(t.Header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(t.Rows)
	table.Render()
	return nil
}

// Ago formats t relative to now, e.g. "42s ago" or "3d ago".
func Ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	if d < 0 {
		return t.Local().Format("2006-01-02 15:04:05")
	}
	return Duration(d) + " ago"
}

// Duration prints d with its largest unit only.
func Duration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
