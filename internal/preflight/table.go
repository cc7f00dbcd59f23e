package preflight

import (
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Render formats the results as a rounded table with a fix column for
// anything that did not cleanly pass.
func Render(result *Result) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"", "Check", "Value", "Detail", "Fix"})

	for _, c := range result.Checks {
		value := ""
		if c.Required > 0 {
			value = strconv.Itoa(c.Actual) + " / " + strconv.Itoa(c.Required)
		}
		fix := ""
		if !c.Passed || c.Warning {
			fix = suggestFix(c.Name)
		}
		tw.AppendRow(table.Row{c.Status(), c.Name, value, c.Message, fix})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignCenter},
		{Number: 3, Align: text.AlignRight, AlignHeader: text.AlignLeft},
		{Number: 4, WidthMax: 60},
	})

	return tw.Render()
}
