package usecase

import (
	"fmt"
	"time"

	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

const dateOnlyLength = len("2006-01-02")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

func parseTimestamp(v string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, exception.NewValidationError("usecase", fmt.Sprintf("invalid timestamp '%s'", v))
}

// ParseDateRange resolves the listing window of ListBatchExecutions.
//
// A date-only start is padded to T00:00:00Z and a date-only end to T23:59:59Z. A missing
// bound is maxDays away from the other one, and with neither bound the window ends at now.
// Bounds more than maxDays apart are rejected.
func ParseDateRange(start, end string, now time.Time, maxDays int) (from, to time.Time, err error) {
	span := time.Duration(maxDays) * 24 * time.Hour
	var startDate, endDate time.Time
	if start != "" {
		if startDate, err = parseTimestamp(start); err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = startDate
	}
	if end != "" {
		if endDate, err = parseTimestamp(end); err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = endDate
		if len(end) == dateOnlyLength {
			to = endDate.Add(23*time.Hour + 59*time.Minute + 59*time.Second)
		}
	}

	switch {
	case start != "" && end != "":
		if int(endDate.Sub(startDate).Hours()/24) > maxDays {
			return time.Time{}, time.Time{}, exception.NewValidationError("usecase",
				fmt.Sprintf("Start time and end time cannot be more than %d days apart", maxDays))
		}
	case end != "":
		from = endDate.Add(-span)
	case start != "":
		to = startDate.Add(span)
	default:
		to = now.UTC()
		from = to.Add(-span)
	}
	return from, to, nil
}
