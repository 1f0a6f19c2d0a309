package attendance

import "time"

// weekdayNames is indexed by time.Weekday (Sunday = 0). Section day strings
// are matched against this fixed table, never against the host locale, so
// matching stays deterministic whatever the machine's language settings.
var weekdayNames = [7]string{
	"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday",
}

// WeekdayName returns the English weekday name for t.
func WeekdayName(t time.Time) string {
	return weekdayNames[int(t.Weekday())]
}
