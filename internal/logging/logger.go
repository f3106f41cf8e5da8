package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// AssignmentLog represents a single assign/reset event, used as a
// regression anchor independent of the structured slog stream: the
// stable prefixes ([ASSIGN], [RESET], ...) stay greppable even when
// the slog handler's format changes.
type AssignmentLog struct {
	Timestamp  time.Time `json:"timestamp"`
	Prefix     string    `json:"prefix"`
	Pool       string    `json:"pool"`
	VMID       string    `json:"vmid"`
	RoomID     string    `json:"room_id,omitempty"`
	UID        string    `json:"uid,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// Logger handles assignment/reset event logging, independent of the
// structured operational slog stream.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the default logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the log output file.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log writes an assignment log entry.
func (l *Logger) Log(entry *AssignmentLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	entry.Timestamp = time.Now()

	if l.console {
		status := "ok"
		if !entry.Success {
			status = "fail"
		}
		retry := ""
		if entry.Retries > 0 {
			retry = fmt.Sprintf(" retries=%d", entry.Retries)
		}
		fmt.Printf("%s %s pool=%s vmid=%s status=%s %dms%s\n",
			entry.Prefix, entry.Timestamp.Format(time.RFC3339), entry.Pool, entry.VMID, status, entry.DurationMs, retry)
		if entry.Error != "" {
			fmt.Printf("%s   error: %s\n", entry.Prefix, entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
