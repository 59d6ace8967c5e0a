// Package rtc converts between wall-clock time and the broken-down
// element form used by the real-time clock and the set_time command.
package rtc

import "time"

// Elements is a broken-down timestamp. Year counts from 1970; Wday is
// 1 for Sunday through 7 for Saturday.
type Elements struct {
	Second int
	Minute int
	Hour   int
	Wday   int
	Day    int
	Month  int
	Year   int
}

// Make converts e to a wall-clock time. Wday is derived, not read.
func Make(e Elements) time.Time {
	return time.Date(1970+e.Year, time.Month(e.Month), e.Day,
		e.Hour, e.Minute, e.Second, 0, time.UTC)
}

// Break is the inverse of Make.
func Break(t time.Time) Elements {
	t = t.UTC()
	return Elements{
		Second: t.Second(),
		Minute: t.Minute(),
		Hour:   t.Hour(),
		Wday:   int(t.Weekday()) + 1,
		Day:    t.Day(),
		Month:  int(t.Month()),
		Year:   t.Year() - 1970,
	}
}

// Clock is the time source for the top-of-second loop, session naming
// and record metadata. Hardware clocks implement it; tests substitute
// their own.
type Clock interface {
	Now() time.Time
	Set(time.Time) error
}

// System is a Clock backed by the operating system. Set is a no-op
// used on hosts where the RTC is absent.
type System struct{}

func (System) Now() time.Time        { return time.Now() }
func (System) Set(t time.Time) error { return nil }
