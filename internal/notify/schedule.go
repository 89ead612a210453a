package notify

import "time"

// DailySchedule fires once a day at Hour:Minute, skipping days of the month
// before FirstDay. It implements river.PeriodicSchedule.
type DailySchedule struct {
	Hour     int
	Minute   int
	FirstDay int
	Location *time.Location
}

// Next returns the first firing strictly after t.
func (s DailySchedule) Next(t time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Day() < s.FirstDay {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
