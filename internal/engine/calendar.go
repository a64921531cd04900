package engine

import (
	"fmt"

	"github.com/talgya/ageing-futures/internal/config"
)

// MonthsPerYear is the length of a simulated year.
const MonthsPerYear = 12

var monthNames = [12]string{"Jan", "Feb", "Mar", "Apr", "May", "Jun", "Jul", "Aug", "Sep", "Oct", "Nov", "Dec"}

// Season names a calendar month (1..12) in the northern-hemisphere scheme
// the winter covariate uses.
func Season(calendarMonth int) string {
	switch calendarMonth {
	case 12, 1, 2:
		return "Winter"
	case 3, 4, 5:
		return "Spring"
	case 6, 7, 8:
		return "Summer"
	default:
		return "Autumn"
	}
}

// MonthLabel returns a human-readable label for an absolute simulation
// month, e.g. "Apr Year 1 (Spring)". Month 0 is the start of the run.
func MonthLabel(b *config.Bundle, month int) string {
	if month < 1 {
		return "start"
	}
	start := b.Baseline.StartCalendarMonth
	if start == 0 {
		start = 1
	}
	cal := b.CalendarMonth(month)
	year := (start-1+month-1)/MonthsPerYear + 1
	return fmt.Sprintf("%s Year %d (%s)", monthNames[cal-1], year, Season(cal))
}
