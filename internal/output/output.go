// Package output formats pool controller data for the operator-facing
// poolmgrctl CLI: table, wide, JSON, and YAML renderings of VM rows,
// assignment results, and pool detail.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// Format represents output format
type Format string

const (
	FormatTable Format = "table"
	FormatWide  Format = "wide"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a format string
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON
	case "yaml", "yml":
		return FormatYAML
	case "wide":
		return FormatWide
	default:
		return FormatTable
	}
}

// Printer handles formatted output
type Printer struct {
	format  Format
	writer  io.Writer
	noColor bool
}

// NewPrinter creates a new printer
func NewPrinter(format Format) *Printer {
	return &Printer{
		format:  format,
		writer:  os.Stdout,
		noColor: os.Getenv("NO_COLOR") != "",
	}
}

// SetWriter sets the output writer
func (p *Printer) SetWriter(w io.Writer) {
	p.writer = w
}

// Print outputs data in the configured format
func (p *Printer) Print(data interface{}) error {
	switch p.format {
	case FormatJSON:
		return p.printJSON(data)
	case FormatYAML:
		return p.printYAML(data)
	default:
		// Table and Wide are handled by specific methods
		return p.printJSON(data)
	}
}

func (p *Printer) printJSON(data interface{}) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (p *Printer) printYAML(data interface{}) error {
	enc := yaml.NewEncoder(p.writer)
	enc.SetIndent(2)
	return enc.Encode(data)
}

// Color codes
const (
	Reset   = "\033[0m"
	Bold    = "\033[1m"
	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	Gray    = "\033[90m"
)

// Colorize adds color to text
func (p *Printer) Colorize(color, text string) string {
	if p.noColor {
		return text
	}
	return color + text + Reset
}

// TableWriter creates a tabwriter for aligned output
func (p *Printer) TableWriter() *tabwriter.Writer {
	return tabwriter.NewWriter(p.writer, 0, 0, 2, ' ', 0)
}

// VMRow represents one VM record in table output, as returned by the
// pool's available/staging list endpoints plus the state the caller
// already knows it asked for.
type VMRow struct {
	VMID      string `json:"vmid" yaml:"vmid"`
	Pool      string `json:"pool" yaml:"pool"`
	State     string `json:"state" yaml:"state"`
	Host      string `json:"host,omitempty" yaml:"host,omitempty"`
	Retries   int    `json:"retries,omitempty" yaml:"retries,omitempty"`
	RoomID    string `json:"room_id,omitempty" yaml:"room_id,omitempty"`
	CreatedAt string `json:"created_at,omitempty" yaml:"created_at,omitempty"`
}

// PrintVMs prints a list of VM rows.
func (p *Printer) PrintVMs(rows []VMRow) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(rows)
	}

	if len(rows) == 0 {
		fmt.Fprintln(p.writer, "No VMs found")
		return nil
	}

	w := p.TableWriter()

	if p.format == FormatWide {
		fmt.Fprintln(w, p.Colorize(Bold, "VMID\tPOOL\tSTATE\tHOST\tRETRIES\tROOM\tCREATED"))
	} else {
		fmt.Fprintln(w, p.Colorize(Bold, "VMID\tPOOL\tSTATE\tCREATED"))
	}

	for _, row := range rows {
		if p.format == FormatWide {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				p.Colorize(Cyan, row.VMID),
				row.Pool,
				stateColor(p, row.State),
				row.Host,
				row.Retries,
				row.RoomID,
				row.CreatedAt,
			)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				p.Colorize(Cyan, row.VMID),
				row.Pool,
				stateColor(p, row.State),
				row.CreatedAt,
			)
		}
	}

	return w.Flush()
}

func stateColor(p *Printer, state string) string {
	switch state {
	case "available":
		return p.Colorize(Green, state)
	case "staging":
		return p.Colorize(Yellow, state)
	case "used":
		return p.Colorize(Blue, state)
	default:
		return state
	}
}

// AssignResult represents the outcome of an assignVM call.
type AssignResult struct {
	VMID       string `json:"vmid" yaml:"vmid"`
	Pool       string `json:"pool" yaml:"pool"`
	RoomID     string `json:"room_id" yaml:"room_id"`
	Host       string `json:"host,omitempty" yaml:"host,omitempty"`
	DurationMs int64  `json:"duration_ms" yaml:"duration_ms"`
	Warm       bool   `json:"warm_lease" yaml:"warm_lease"`
}

// PrintAssignResult prints an assignment result.
func (p *Printer) PrintAssignResult(result AssignResult) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(result)
	}

	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "VM:"), p.Colorize(Cyan, result.VMID))
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Pool:"), result.Pool)
	fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Room:"), result.RoomID)
	if result.Host != "" {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Host:"), result.Host)
	}
	fmt.Fprintf(p.writer, "  %s %d ms\n", p.Colorize(Gray, "Duration:"), result.DurationMs)
	if result.Warm {
		fmt.Fprintf(p.writer, "  %s %s\n", p.Colorize(Gray, "Warm lease:"), p.Colorize(Yellow, "true"))
	}
	return nil
}

// PoolDetail represents a single pool's sizing snapshot, as emitted by
// the stats loop.
type PoolDetail struct {
	Pool        string `json:"pool" yaml:"pool"`
	CurrentSize int    `json:"current_size" yaml:"current_size"`
	Available   int    `json:"available" yaml:"available"`
	Staging     int    `json:"staging" yaml:"staging"`
	Used        int    `json:"used" yaml:"used"`
	LowWater    int    `json:"low_watermark" yaml:"low_watermark"`
	HighWater   int    `json:"high_watermark" yaml:"high_watermark"`
}

// PrintPoolDetail prints detailed pool sizing info.
func (p *Printer) PrintPoolDetail(detail PoolDetail) error {
	if p.format == FormatJSON || p.format == FormatYAML {
		return p.Print(detail)
	}

	fmt.Fprintf(p.writer, "%s %s\n", p.Colorize(Bold, "Pool:"), p.Colorize(Cyan, detail.Pool))
	fmt.Fprintf(p.writer, "  %s %d\n", p.Colorize(Gray, "Current size:"), detail.CurrentSize)
	fmt.Fprintf(p.writer, "  %s %d\n", p.Colorize(Gray, "Available:"), detail.Available)
	fmt.Fprintf(p.writer, "  %s %d\n", p.Colorize(Gray, "Staging:"), detail.Staging)
	fmt.Fprintf(p.writer, "  %s %d\n", p.Colorize(Gray, "Used:"), detail.Used)
	fmt.Fprintf(p.writer, "  %s %d / %d\n", p.Colorize(Gray, "Watermarks (low/high):"), detail.LowWater, detail.HighWater)
	return nil
}

// Success prints a success message
func (p *Printer) Success(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Green, "✓ ")+msg)
}

// Error prints an error message
func (p *Printer) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Red, "✗ ")+msg)
}

// Warning prints a warning message
func (p *Printer) Warning(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Yellow, "⚠ ")+msg)
}

// Info prints an info message
func (p *Printer) Info(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(p.writer, p.Colorize(Blue, "ℹ ")+msg)
}
