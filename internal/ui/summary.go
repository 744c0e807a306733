package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// SessionSummary is printed once the process has decided to exit.
type SessionSummary struct {
	Role        string
	Reason      string
	ExitCode    int
	Duration    time.Duration
	Tracks      int
	Secondaries int
}

// SummaryView renders the summary as a table.
func SummaryView(s SessionSummary) string {
	status := fmt.Sprintf("%s closed", IconSuccess)
	if s.ExitCode != 0 {
		status = fmt.Sprintf("%s failed", IconError)
	}

	t := table.NewWriter()
	t.SetTitle("Session Summary")
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Status", status},
		{"Role", s.Role},
		{"Reason", s.Reason},
		{"Exit Code", s.ExitCode},
		{"Duration", s.Duration.Round(time.Millisecond).String()},
		{"Tracks", s.Tracks},
		{"Secondary Peers", s.Secondaries},
	})
	return t.Render()
}

// RenderSummary writes the summary table to w.
func RenderSummary(w io.Writer, s SessionSummary) {
	fmt.Fprintln(w, SummaryView(s))
}
