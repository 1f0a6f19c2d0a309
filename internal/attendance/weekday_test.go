package attendance

import (
	"testing"
	"time"
)

func TestWeekdayName(t *testing.T) {
	cases := []struct {
		date string
		want string
	}{
		{"2026-08-24", "Monday"},
		{"2026-08-29", "Saturday"},
		{"2026-08-30", "Sunday"},
	}
	for _, tc := range cases {
		d, err := time.Parse("2006-01-02", tc.date)
		if err != nil {
			t.Fatalf("parse %s: %v", tc.date, err)
		}
		if got := WeekdayName(d); got != tc.want {
			t.Errorf("WeekdayName(%s) = %s, want %s", tc.date, got, tc.want)
		}
	}
}
