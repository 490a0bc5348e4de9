package report

import (
	"fmt"
	"strings"
)

// RenderDaysCSV renders daily history as CSV string.
func RenderDaysCSV(days []DayRow) string {
	var sb strings.Builder

	sb.WriteString("day_open,date,holders,transfers,volume\n")
	for _, d := range days {
		sb.WriteString(fmt.Sprintf("%d,%s,%d,%d,%s\n",
			d.DayOpen,
			d.Date,
			d.Holders,
			d.Transfers,
			d.Volume.String(),
		))
	}

	return sb.String()
}
