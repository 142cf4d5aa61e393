package printer

import (
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"devloop/internal/protocol"
)

// renderReport draws one row per node, children indented under their group.
func (printer *Printer) renderReport(report protocol.TaskReportPayload) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Task", "State", "Exit", "Duration"})

	var appendRows func(node protocol.TaskReportPayload, depth int)
	appendRows = func(node protocol.TaskReportPayload, depth int) {
		label := node.Label
		if label == "" {
			label = node.ID
		}
		exit := ""
		if node.ExitCode != nil {
			exit = strconv.Itoa(*node.ExitCode)
		}
		state := printer.paint(node.State, stateColor(node.State))
		if node.Error != "" && node.State != "Succeeded" {
			state += " (" + node.Error + ")"
		}
		tw.AppendRow(table.Row{
			strings.Repeat("  ", depth) + label,
			state,
			exit,
			formatDuration(node.DurationMs),
		})
		for _, child := range node.Children {
			appendRows(child, depth+1)
		}
	}
	appendRows(report, 0)

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render() + "\n"
}

func stateColor(state string) text.Color {
	switch state {
	case "Succeeded":
		return text.FgGreen
	case "Failed":
		return text.FgRed
	case "Cancelled":
		return text.FgYellow
	default:
		return text.FgHiBlack
	}
}

func formatDuration(ms int64) string {
	if ms <= 0 {
		return ""
	}
	return (time.Duration(ms) * time.Millisecond).String()
}
