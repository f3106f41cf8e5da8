package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in   string
		want Format
	}{
		{"json", FormatJSON},
		{"yaml", FormatYAML},
		{"wide", FormatWide},
		{"table", FormatTable},
		{"nonsense", FormatTable},
	}
	for _, c := range cases {
		if got := ParseFormat(c.in); got != c.want {
			t.Errorf("ParseFormat(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestPrintVMsTable(t *testing.T) {
	p := NewPrinter(FormatTable)
	var buf bytes.Buffer
	p.SetWriter(&buf)

	rows := []VMRow{
		{VMID: "vm-1", Pool: "DockerUS", State: "available"},
		{VMID: "vm-2", Pool: "DockerUS", State: "staging"},
	}
	if err := p.PrintVMs(rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"vm-1", "vm-2", "available", "staging"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestPrintVMsEmptyTable(t *testing.T) {
	p := NewPrinter(FormatTable)
	var buf bytes.Buffer
	p.SetWriter(&buf)

	if err := p.PrintVMs(nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "No VMs found") {
		t.Errorf("empty table output = %q, want the no-VMs notice", buf.String())
	}
}

func TestPrintAssignResultJSON(t *testing.T) {
	p := NewPrinter(FormatJSON)
	var buf bytes.Buffer
	p.SetWriter(&buf)

	if err := p.PrintAssignResult(AssignResult{VMID: "vm-9", Pool: "DockerUS", RoomID: "r1", DurationMs: 42}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded AssignResult
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}
	if decoded.VMID != "vm-9" || decoded.DurationMs != 42 {
		t.Errorf("decoded = %+v, want vm-9/42ms", decoded)
	}
}

func TestPrintPoolDetailTable(t *testing.T) {
	p := NewPrinter(FormatTable)
	var buf bytes.Buffer
	p.SetWriter(&buf)

	if err := p.PrintPoolDetail(PoolDetail{Pool: "DockerUS", CurrentSize: 10, Available: 4, Staging: 3, Used: 3, LowWater: 2, HighWater: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "DockerUS") || !strings.Contains(out, "2 / 3") {
		t.Errorf("pool detail output missing fields:\n%s", out)
	}
}
