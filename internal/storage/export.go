package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ExportMarkdown renders a run record as a markdown document.
func ExportMarkdown(r *Run) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("# Run %s\n\n", r.ID))
	b.WriteString(fmt.Sprintf("- **Language:** %s\n", r.Language))
	b.WriteString(fmt.Sprintf("- **Executor:** %s\n", r.Executor))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", r.Status))
	b.WriteString(fmt.Sprintf("- **Exit code:** %d\n", r.ExitCode))
	b.WriteString(fmt.Sprintf("- **Started:** %s\n", r.StartedAt.Format("2006-01-02 15:04:05")))
	b.WriteString(fmt.Sprintf("- **Duration:** %s\n", r.Duration().Round(time.Millisecond)))
	if r.Detail != "" {
		b.WriteString(fmt.Sprintf("- **Detail:** %s\n", r.Detail))
	}
	b.WriteString("\n---\n\n")

	if r.Stdout != "" {
		b.WriteString(fmt.Sprintf("## Output\n\n```\n%s\n```\n\n", strings.TrimRight(r.Stdout, "\n")))
	}
	if r.Stderr != "" {
		b.WriteString(fmt.Sprintf("## Errors\n\n```\n%s\n```\n\n", strings.TrimRight(r.Stderr, "\n")))
	}
	return b.String()
}

// ExportJSON renders a run record as formatted JSON.
func ExportJSON(r *Run) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
