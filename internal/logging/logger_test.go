package logging

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoggerWritesJSONLinesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assign.log")

	l := &Logger{enabled: true}
	l.SetConsole(false)
	if err := l.SetOutput(path); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	defer l.Close()

	l.Log(&AssignmentLog{Prefix: "[ASSIGN]", Pool: "DockerUS", VMID: "vm-1", RoomID: "r1", Success: true})
	l.Log(&AssignmentLog{Prefix: "[RESET]", Pool: "DockerUS", VMID: "vm-1", Success: false, Error: "lessee mismatch"})
	l.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var entries []AssignmentLog
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AssignmentLog
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line is not valid JSON: %v: %s", err, sc.Text())
		}
		entries = append(entries, e)
	}
	if len(entries) != 2 {
		t.Fatalf("entry count = %d, want 2", len(entries))
	}
	if entries[0].Prefix != "[ASSIGN]" || !entries[0].Success {
		t.Errorf("first entry = %+v, want a successful [ASSIGN]", entries[0])
	}
	if entries[1].Prefix != "[RESET]" || entries[1].Error != "lessee mismatch" {
		t.Errorf("second entry = %+v, want the failed [RESET]", entries[1])
	}
	if entries[0].Timestamp.IsZero() {
		t.Error("Log must stamp the entry timestamp")
	}
}

func TestLoggerDisabledIsSilent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assign.log")

	l := &Logger{enabled: false}
	l.SetConsole(false)
	if err := l.SetOutput(path); err != nil {
		t.Fatalf("SetOutput: %v", err)
	}
	l.Log(&AssignmentLog{Prefix: "[ASSIGN]", Pool: "p", VMID: "vm"})
	l.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat log: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("disabled logger wrote %d bytes, want 0", info.Size())
	}
}
