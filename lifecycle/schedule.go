package lifecycle

import (
	"strings"
	"time"

	"github.com/c360studio/choreboard/storage"
)

// Wire formats for dates and times of day.
const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"

	scheduleLayout = DateLayout + " " + ClockLayout
)

// ParseSchedule combines a YYYY-MM-DD date and an HH:MM time in loc.
// An empty clock means midnight.
func ParseSchedule(date, clock string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	date = strings.TrimSpace(date)
	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = "00:00"
	}

	t, err := time.ParseInLocation(scheduleLayout, date+" "+clock, loc)
	if err != nil {
		return time.Time{}, storage.NewValidationError("scheduled_at",
			"expected date YYYY-MM-DD and time HH:MM, got %q %q", date, clock)
	}
	return t, nil
}

// FormatSchedule renders t as "YYYY-MM-DD HH:MM" in loc.
func FormatSchedule(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(scheduleLayout)
}
