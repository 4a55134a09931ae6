// Package observability provides formatted run summaries for the CLI.
package observability

import (
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jonathan/robopost/internal/runs"
)

const (
	// boxWidth is the default width for formatted output boxes
	boxWidth = 60
	// maxItemsToShow is the default number of items to display in lists
	maxItemsToShow = 5
	// previewLength bounds result content previews
	previewLength = 40
)

// Printer handles formatted output for the inspect command
type Printer struct {
	out io.Writer
}

// NewPrinter creates a new Printer that writes to the given writer
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// printBox prints a formatted box with a title and content
//
//nolint:errcheck // writing to stdout; errors are not recoverable
func (p *Printer) printBox(title string, content string) {
	border := strings.Repeat("─", boxWidth-2)
	fmt.Fprintf(p.out, "┌%s┐\n", border)
	fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, title)
	fmt.Fprintf(p.out, "├%s┤\n", border)

	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = truncate(line, boxWidth-4)
		fmt.Fprintf(p.out, "│ %-*s │\n", boxWidth-4, line)
	}

	fmt.Fprintf(p.out, "└%s┘\n", border)
}

// PrintRun outputs the run's state and the request it was dispatched with.
func (p *Printer) PrintRun(run *runs.Run) {
	if run == nil {
		return
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ID:        %s\n", run.ID))
	sb.WriteString(fmt.Sprintf("User:      %s\n", run.UserID))
	sb.WriteString(fmt.Sprintf("Status:    %s\n", run.Status))
	sb.WriteString(fmt.Sprintf("Triggered: %s\n", formatTime(run.TriggeredAt)))
	if run.CompletedAt != nil {
		sb.WriteString(fmt.Sprintf("Completed: %s (%s)\n", formatTime(*run.CompletedAt), run.CompletedAt.Sub(run.TriggeredAt).Round(time.Second)))
	}
	if run.ErrorMessage != nil {
		sb.WriteString(fmt.Sprintf("Error:     %s\n", *run.ErrorMessage))
	}

	if s := run.Snapshot; s != nil {
		sb.WriteString("\n")
		if s.Config.Industry != "" {
			sb.WriteString(fmt.Sprintf("Industry:  %s\n", s.Config.Industry))
		}
		formats := make([]string, len(s.Config.OutputFormats))
		for i, f := range s.Config.OutputFormats {
			formats[i] = string(f)
		}
		sb.WriteString(fmt.Sprintf("Formats:   %s\n", strings.Join(formats, ", ")))
		if len(s.Config.RSSSources) > 0 {
			sb.WriteString("Sources:\n")
			count := min(len(s.Config.RSSSources), maxItemsToShow)
			for i := 0; i < count; i++ {
				sb.WriteString(fmt.Sprintf("  • %s\n", s.Config.RSSSources[i].Name))
			}
			if len(s.Config.RSSSources) > maxItemsToShow {
				sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(s.Config.RSSSources)-maxItemsToShow))
			}
		}
	}

	p.printBox("AGENT RUN", strings.TrimSuffix(sb.String(), "\n"))
}

// PrintProgress outputs the run's progress log, oldest first.
func (p *Printer) PrintProgress(entries []runs.ProgressEntry) {
	if len(entries) == 0 {
		return
	}

	var sb strings.Builder
	for _, entry := range entries {
		sb.WriteString(fmt.Sprintf("%s %s %s\n", entry.CreatedAt.UTC().Format("15:04:05"), severityMarker(entry.Status), entry.Message))
	}

	p.printBox(fmt.Sprintf("PROGRESS (%d)", len(entries)), strings.TrimSuffix(sb.String(), "\n"))
}

// PrintResults outputs a preview of each stored result.
func (p *Printer) PrintResults(results []runs.Result) {
	if len(results) == 0 {
		return
	}

	var sb strings.Builder
	count := min(len(results), maxItemsToShow)
	for i := 0; i < count; i++ {
		result := results[i]
		sb.WriteString(fmt.Sprintf("#%d  %s (%d chars)\n", i+1, result.OutputType, utf8.RuneCountInString(result.Content)))
		sb.WriteString(fmt.Sprintf("    %s\n", preview(result.Content)))
	}
	if len(results) > maxItemsToShow {
		sb.WriteString(fmt.Sprintf("... and %d more results\n", len(results)-maxItemsToShow))
	}

	p.printBox(fmt.Sprintf("RESULTS (%d)", len(results)), strings.TrimSuffix(sb.String(), "\n"))
}

func severityMarker(s runs.Severity) string {
	switch s {
	case runs.SeveritySuccess:
		return "✓"
	case runs.SeverityWarning:
		return "!"
	case runs.SeverityError:
		return "✗"
	default:
		return "·"
	}
}

// preview flattens content to one line and shortens it.
func preview(content string) string {
	return truncate(strings.Join(strings.Fields(content), " "), previewLength)
}

// truncate shortens s to at most limit runes, marking the cut with "...".
func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
