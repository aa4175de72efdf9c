package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/zulandar/memorybridge/internal/models"
	"github.com/zulandar/memorybridge/internal/usage"
)

// defaultWidth is assumed when output is not a terminal.
const defaultWidth = 120

// terminalWidth returns the column count of w when it is a terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

// truncate shortens s to n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// printActions writes actions as a table sized to width. The text column
// takes whatever the fixed columns leave.
func printActions(out io.Writer, actions []models.Action, width int) {
	const fixed = 36 + 10 + 11 + 4 + 17 + 12
	textWidth := max(width-fixed, 20)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTYPE\tPRI\tDUE\tTEXT")
	for _, a := range actions {
		text := a.Text
		if a.ModifiedText != "" {
			text = a.ModifiedText
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			a.ID, a.Status, a.Type, a.Priority, formatDue(a), truncate(text, textWidth))
	}
	w.Flush()
}

func formatDue(a models.Action) string {
	switch {
	case a.DueDate != nil:
		return a.DueDate.Local().Format("2006-01-02 15:04")
	case a.DueContext != "":
		return truncate(a.DueContext, 16)
	default:
		return "-"
	}
}

func formatRemaining(n int) string {
	switch n {
	case usage.Unlimited:
		return "unlimited recordings left"
	case 1:
		return "1 recording left this period"
	default:
		return fmt.Sprintf("%d recordings left this period", n)
	}
}

// parseWhen accepts RFC 3339 or a bare date in local time.
func parseWhen(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(s), time.Local)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q (want RFC 3339 or YYYY-MM-DD)", s)
	}
	return &t, nil
}
