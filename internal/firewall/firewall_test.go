package firewall

import (
	"bytes"
	"errors"
	"slices"
	"strings"
	"testing"
)

func TestRuleSpec(t *testing.T) {
	cases := []struct {
		rule Rule
		want string
	}{
		{
			rule: Rule{Source: "172.17.0.2", ConnState: StateEstablished, Target: TargetAccept, Tag: Tag("alpha")},
			want: `-s 172.17.0.2/32 -m conntrack --ctstate ESTABLISHED,RELATED -m comment --comment isolab:alpha -j ACCEPT`,
		},
		{
			rule: Rule{Source: "172.17.0.2", Protocol: "tcp", DstPort: 443, Target: TargetAccept, Tag: Tag("alpha")},
			want: `-s 172.17.0.2/32 -p tcp -m tcp --dport 443 -m comment --comment isolab:alpha -j ACCEPT`,
		},
		{
			rule: Rule{Source: "172.17.0.2", Protocol: "udp", DstPort: 53, Target: TargetDNAT, ToDestination: "172.17.0.1:5353", Tag: Tag("alpha")},
			want: `-s 172.17.0.2/32 -p udp -m udp --dport 53 -m comment --comment isolab:alpha -j DNAT --to-destination 172.17.0.1:5353`,
		},
	}
	for _, tc := range cases {
		if got := Join(tc.rule.Spec()); got != tc.want {
			t.Fatalf("spec mismatch\n got: %s\nwant: %s", got, tc.want)
		}
	}
}

func TestParseTag(t *testing.T) {
	name, legacy, ok := ParseTag(Tag("alpha"))
	if !ok || legacy || name != "alpha" {
		t.Fatalf("unexpected parse of current tag: %q %v %v", name, legacy, ok)
	}
	name, legacy, ok = ParseTag(LegacyTag("alpha"))
	if !ok || !legacy || name != "alpha" {
		t.Fatalf("unexpected parse of legacy tag: %q %v %v", name, legacy, ok)
	}
	for _, foreign := range []string{"", "isolab:", "operator rule", "docker"} {
		if _, _, ok := ParseTag(foreign); ok {
			t.Fatalf("expected %q to be foreign", foreign)
		}
	}
}

func TestSplitHandlesIptablesQuoting(t *testing.T) {
	line := `-s 172.17.0.2/32 -m comment --comment "isolab:alpha" -j DROP`
	got, err := Split(line)
	if err != nil {
		t.Fatalf("Split() error = %v", err)
	}
	want := []string{"-s", "172.17.0.2/32", "-m", "comment", "--comment", "isolab:alpha", "-j", "DROP"}
	if !slices.Equal(got, want) {
		t.Fatalf("Split() = %q, want %q", got, want)
	}

	got, err = Split(`-m comment --comment "say \"hi\" now" -j ACCEPT`)
	if err != nil || got[3] != `say "hi" now` {
		t.Fatalf("expected escaped quotes to unescape, got %q err=%v", got, err)
	}
	if Join(got) != `-m comment --comment "say \"hi\" now" -j ACCEPT` {
		t.Fatalf("Join() did not invert Split(): %s", Join(got))
	}

	if _, err := Split(`--comment "open`); err == nil {
		t.Fatalf("expected unterminated quote error")
	}
}

func TestParseListingSkipsPolicyLines(t *testing.T) {
	lines := []string{
		"-N DOCKER-USER",
		`-A DOCKER-USER -s 172.17.0.2/32 -m comment --comment "isolab:alpha" -j DROP`,
		"-A DOCKER-USER -j RETURN",
	}
	entries, err := parseListing(TableFilter, "DOCKER-USER", lines)
	if err != nil {
		t.Fatalf("parseListing() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Tag() != "isolab:alpha" || entries[1].Tag() != "" {
		t.Fatalf("unexpected tags %q %q", entries[0].Tag(), entries[1].Tag())
	}
}

func TestMemoryInsertAppendDelete(t *testing.T) {
	var out bytes.Buffer
	m := NewMemory()
	m.Out = &out

	if err := m.Append(TableFilter, "C", "-j", "RETURN"); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := m.Insert(TableFilter, "C", 1, "-s", "10.0.0.1/32", "-j", "DROP"); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := m.Insert(TableFilter, "C", 5, "-j", "DROP"); err == nil {
		t.Fatalf("expected out-of-range insert to fail")
	}

	entries, _ := m.List(TableFilter, "C")
	if len(entries) != 2 || entries[0].Spec[0] != "-s" {
		t.Fatalf("unexpected chain %v", entries)
	}

	if err := m.Delete(TableFilter, "C", "-s", "10.0.0.1/32", "-j", "DROP"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := m.Delete(TableFilter, "C", "-s", "10.0.0.1/32", "-j", "DROP"); err == nil {
		t.Fatalf("expected delete of missing rule to fail")
	}
	if !strings.Contains(out.String(), "iptables -t filter -I C 1 -s 10.0.0.1/32 -j DROP") {
		t.Fatalf("expected dry-run echo, got %q", out.String())
	}

	m.Err = ErrPermission
	if _, err := m.List(TableFilter, "C"); !errors.Is(err, ErrPermission) {
		t.Fatalf("expected injected error, got %v", err)
	}
}

func TestWrapErrClassifiesPermission(t *testing.T) {
	err := wrapErr(errors.New("exit status 4: iptables v1.8.9: can't initialize iptables table `filter': Permission denied (you must be root)"))
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected ErrPermission, got %v", err)
	}
	if wrapErr(nil) != nil {
		t.Fatalf("expected nil")
	}
	other := errors.New("bad argument")
	if errors.Is(wrapErr(other), ErrPermission) {
		t.Fatalf("expected non-permission error to pass through")
	}
}
