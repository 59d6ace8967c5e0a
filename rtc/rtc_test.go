package rtc

import (
	"testing"
	"time"
)

func TestMakeBreakIdentity(t *testing.T) {
	// Sweep a representative slice of the representable range: every
	// year offset, varying month/day/time fields.
	for year := 0; year <= 129; year++ {
		e := Elements{
			Second: year % 60,
			Minute: (year * 7) % 60,
			Hour:   year % 24,
			Day:    1 + year%28,
			Month:  1 + year%12,
			Year:   year,
		}
		got := Break(Make(e))
		e.Wday = got.Wday // derived field
		if got != e {
			t.Fatalf("year %d: got %+v, want %+v", year, got, e)
		}
	}
}

func TestBreakWday(t *testing.T) {
	// 1 Jan 2023 was a Sunday.
	e := Break(time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC))
	if e.Wday != 1 {
		t.Errorf("Wday = %d, want 1 (Sunday)", e.Wday)
	}
	// 6 Jan 2023 was a Friday.
	e = Break(time.Date(2023, 1, 6, 0, 0, 0, 0, time.UTC))
	if e.Wday != 6 {
		t.Errorf("Wday = %d, want 6 (Friday)", e.Wday)
	}
}

func TestMonthLengths(t *testing.T) {
	// Leap day survives the round trip.
	e := Elements{Day: 29, Month: 2, Year: 2020 - 1970}
	got := Break(Make(e))
	if got.Day != 29 || got.Month != 2 || got.Year != 50 {
		t.Errorf("got %+v", got)
	}
}
