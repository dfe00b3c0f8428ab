package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/isolab/isolab/internal/model"
)

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"": FormatTable, "table": FormatTable, "JSON": FormatJSON, "yml": FormatYAML, "yaml": FormatYAML}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatalf("expected unknown format error")
	}
}

func TestSandboxTable(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	started := now.Add(-90 * time.Minute)
	items := []model.Sandbox{
		{Name: "alpha", Status: model.SandboxStatusRunning, Mode: model.ModePackages, ModeSource: model.ModeSourceRecord,
			BindAddress: "100.64.0.1", SSHPort: 2200, Address: "172.17.0.2", StartedAt: &started, CreatedAt: now.Add(-48 * time.Hour)},
		{Name: "beta", Status: model.SandboxStatusStopped, Mode: model.ModeWeb, ModeSource: model.ModeSourceLabel,
			BindAddress: "127.0.0.1", SSHPort: 2201, CreatedAt: now.Add(-30 * time.Second)},
	}

	var buf bytes.Buffer
	if err := WriteTable(&buf, SandboxTable(items, now)); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}
	out := buf.String()
	for _, want := range []string{"NAME", "alpha", "PACKAGES", "100.64.0.1:2200", "1h", "2d ago", "WEB (label)", "30s ago"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "alpha") > strings.Index(out, "beta") {
		t.Fatalf("rows reordered:\n%s", out)
	}
}

func TestEmptyTablePrintsHint(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteTable(&buf, SandboxTable(nil, time.Now())); err != nil {
		t.Fatalf("WriteTable() error = %v", err)
	}
	if !strings.HasPrefix(buf.String(), "No sandboxes.") {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestPrinterStructuredFormats(t *testing.T) {
	res := &model.ApplyResult{Mode: model.ModeOpen, Enforced: true}

	var buf bytes.Buffer
	p := &Printer{Format: FormatJSON, Out: &buf}
	p.Message("this is only for humans")
	if err := p.Print(res, func() Table { t.Fatalf("table built for json output"); return Table{} }); err != nil {
		t.Fatalf("Print() error = %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not json: %v\n%s", err, buf.String())
	}
	if decoded["mode"] != "open" || decoded["enforced"] != true {
		t.Fatalf("unexpected json %v", decoded)
	}

	buf.Reset()
	p.Format = FormatYAML
	if err := p.Print(res, nil); err != nil {
		t.Fatalf("Print() error = %v", err)
	}
	if !strings.Contains(buf.String(), "mode: open") || !strings.Contains(buf.String(), "enforced: true") {
		t.Fatalf("unexpected yaml:\n%s", buf.String())
	}
}

func TestPolicyCell(t *testing.T) {
	if PolicyCell(&model.ApplyResult{Enforced: false, Warning: "x"}) != "NOT ENFORCED" {
		t.Fatalf("unenforced policy should stand out")
	}
	if PolicyCell(&model.ApplyResult{Enforced: true, Rules: 6}) != "enforced, 6 rules" {
		t.Fatalf("unexpected cell %q", PolicyCell(&model.ApplyResult{Enforced: true, Rules: 6}))
	}
}

func TestDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                "-",
		45 * time.Second: "45s",
		5 * time.Minute:  "5m",
		3 * time.Hour:    "3h",
		50 * time.Hour:   "2d",
	}
	for d, want := range cases {
		if got := Duration(d); got != want {
			t.Fatalf("Duration(%v) = %q, want %q", d, got, want)
		}
	}
}
