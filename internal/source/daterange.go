package source

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// DateRange is a concrete half-open-ish interval: Start is pinned to
// the first instant of its day, End to the last second of its day (or
// now, when no end date was requested).
type DateRange struct {
	Start time.Time
	End   time.Time
}

// ResolveDateRange turns {days} or {start_date, end_date} into a
// concrete interval. The exact same rules run at request submission
// and inside the adapters, so a window accepted by the API never fails
// at execution time.
func ResolveDateRange(days int, startDate, endDate *string) (DateRange, error) {
	return resolveDateRange(time.Now(), days, startDate, endDate)
}

func resolveDateRange(now time.Time, days int, startDate, endDate *string) (DateRange, error) {
	var end time.Time
	if endDate != nil && *endDate != "" {
		parsed, err := time.ParseInLocation(dateLayout, *endDate, now.Location())
		if err != nil {
			return DateRange{}, &DataValidationError{
				Message: fmt.Sprintf("invalid end_date %q, use YYYY-MM-DD", *endDate),
			}
		}
		end = endOfDay(parsed)
	} else {
		end = now
	}

	var start time.Time
	if startDate != nil && *startDate != "" {
		parsed, err := time.ParseInLocation(dateLayout, *startDate, now.Location())
		if err != nil {
			return DateRange{}, &DataValidationError{
				Message: fmt.Sprintf("invalid start_date %q, use YYYY-MM-DD", *startDate),
			}
		}
		start = parsed
	} else {
		if days <= 0 {
			days = 30
		}
		start = startOfDay(end.AddDate(0, 0, -days))
	}

	if start.After(end) {
		return DateRange{}, &DataValidationError{
			Message: "start date must be before end date",
		}
	}
	// 1-day buffer tolerates clock and timezone skew.
	if start.After(now.AddDate(0, 0, 1)) {
		return DateRange{}, &DataValidationError{
			Message: "start date cannot be in the future",
		}
	}

	return DateRange{Start: start, End: end}, nil
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}

// Days reports the whole days spanned, for summary echoing.
func (r DateRange) Days() int {
	return int(r.End.Sub(r.Start).Hours() / 24)
}
