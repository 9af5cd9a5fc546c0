package notify

import (
	"fmt"
	"strings"
	"time"
)

// Cell outcome states, matching the shared jupyter_cell_state values.
const (
	outcomeError     = "error"
	outcomeCancelled = "cancelled"
)

// Completion describes a finished execution worth telling the user about.
type Completion struct {
	NotebookName string
	URL          string
	ExecutionNum int64
	CellState    string
	CellText     string
	CellError    string
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

const dateLayout = "2006-01-02 15:04:05"

func formatDate(t *time.Time) string {
	if t == nil {
		return "<unknown>"
	}
	return t.UTC().Format(dateLayout)
}

// CompletionMessage renders a markdown notification for c.
func CompletionMessage(c Completion) Message {
	var b strings.Builder

	link := fmt.Sprintf("Notebook [**%s**](%s)", c.NotebookName, c.URL)
	title := "lmk: " + c.NotebookName
	tags := []string{"lmk"}
	priority := ""

	switch c.CellState {
	case outcomeError:
		fmt.Fprintf(&b, "%s **failed** during execution **\\[%d\\]**:\n", link, c.ExecutionNum)
		title += " failed"
		tags = append(tags, "error")
		priority = "high"
	case outcomeCancelled:
		fmt.Fprintf(&b, "%s was **cancelled** during execution **\\[%d\\]**:\n", link, c.ExecutionNum)
		title += " cancelled"
		tags = append(tags, "cancelled")
	default:
		fmt.Fprintf(&b, "%s **stopped** after execution **\\[%d\\]**:\n", link, c.ExecutionNum)
		title += " stopped"
		tags = append(tags, "stopped")
	}

	fmt.Fprintf(&b, "```python\n%s\n```\n\n", c.CellText)
	if c.CellState == outcomeError {
		fmt.Fprintf(&b, "Error:\n```\n%s\n```\n\n", c.CellError)
	}
	fmt.Fprintf(&b, "Started: %s\n\n", formatDate(c.StartedAt))
	fmt.Fprintf(&b, "Ended: %s", formatDate(c.FinishedAt))

	return Message{
		Title:    title,
		Body:     b.String(),
		Tags:     tags,
		Priority: priority,
	}
}
