package quota

import "time"

// PeriodStart returns the start of the period containing t. Lifetime
// periods have no lower boundary and return the zero time.
func PeriodStart(t time.Time, p Period) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// PeriodEnd returns the first instant after the period containing t,
// i.e. the next reset time. Lifetime periods never reset and return the
// zero time.
func PeriodEnd(t time.Time, p Period) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour).Add(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return time.Time{}
	}
}

// periodRank orders periods from tightest to loosest window.
func periodRank(p Period) int {
	switch p {
	case PeriodHourly:
		return 0
	case PeriodDaily:
		return 1
	case PeriodMonthly:
		return 2
	default: // lifetime
		return 3
	}
}
