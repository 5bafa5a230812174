package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Date is a calendar date without a time of day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// String formats d as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// String formats c as HH:MM.
func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// ParseClock parses "HH:MM" (24-hour).
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q (want HH:MM): %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// DateParser turns an entry's date text into a calendar date. ref is
// "now" in the local zone and supplies the year when the text has none.
type DateParser func(text string, ref time.Time) (Date, error)

var norwegianMonths = map[string]time.Month{
	"januar":    time.January,
	"februar":   time.February,
	"mars":      time.March,
	"april":     time.April,
	"mai":       time.May,
	"juni":      time.June,
	"juli":      time.July,
	"august":    time.August,
	"september": time.September,
	"oktober":   time.October,
	"november":  time.November,
	"desember":  time.December,
}

// rolloverWindow is how far in the past a yearless date may fall before
// it is read as next year's.
const rolloverWindow = 31 * 24 * time.Hour

// ParseNorwegianDate parses headings such as "Fredag 15. mars". The page
// omits the year, so the year of ref is used, moving to the next year
// when that would put the date more than a month in the past (a
// December page listing January pickups).
func ParseNorwegianDate(text string, ref time.Time) (Date, error) {
	fields := strings.Fields(text)
	if len(fields) < 3 {
		return Date{}, fmt.Errorf("date %q: want \"<weekday> <day>. <month>\"", text)
	}

	day, err := strconv.Atoi(strings.TrimSuffix(fields[1], "."))
	if err != nil {
		return Date{}, fmt.Errorf("date %q: bad day: %w", text, err)
	}

	month, ok := norwegianMonths[strings.ToLower(strings.TrimSuffix(fields[2], "."))]
	if !ok {
		return Date{}, fmt.Errorf("date %q: unknown month %q", text, fields[2])
	}

	d := Date{Year: ref.Year(), Month: month, Day: day}
	if !d.valid() {
		return Date{}, fmt.Errorf("date %q: no such day", text)
	}

	midnight := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, ref.Location())
	if ref.Sub(midnight) > rolloverWindow {
		next := Date{Year: d.Year + 1, Month: d.Month, Day: d.Day}
		if next.valid() {
			d = next
		}
	}
	return d, nil
}

// ParseISODate parses YYYY-MM-DD. ref is unused.
func ParseISODate(text string, _ time.Time) (Date, error) {
	t, err := time.Parse("2006-01-02", strings.TrimSpace(text))
	if err != nil {
		return Date{}, fmt.Errorf("date %q: %w", text, err)
	}
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}, nil
}

// valid reports whether d names a real calendar day.
func (d Date) valid() bool {
	t := time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
	return t.Year() == d.Year && t.Month() == d.Month && t.Day() == d.Day
}

// Localize combines d and c in loc. It returns ok == false when that
// wall-clock time does not occur exactly once in loc, as happens inside
// a DST gap (no instant) or overlap (two instants).
func Localize(d Date, c Clock, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	if !d.valid() || c.Hour < 0 || c.Hour > 23 || c.Minute < 0 || c.Minute > 59 {
		return time.Time{}, false
	}

	wall := time.Date(d.Year, d.Month, d.Day, c.Hour, c.Minute, 0, 0, time.UTC)

	// Collect the zone offsets in effect around the date; the wall time
	// is valid under an offset if converting back yields the same wall
	// time with that offset still in effect.
	offsets := make(map[int]struct{})
	for _, delta := range []time.Duration{-48 * time.Hour, -24 * time.Hour, 0, 24 * time.Hour, 48 * time.Hour} {
		_, off := wall.Add(delta).In(loc).Zone()
		offsets[off] = struct{}{}
	}

	var (
		match   time.Time
		matches int
	)
	for off := range offsets {
		candidate := wall.Add(-time.Duration(off) * time.Second).In(loc)
		_, got := candidate.Zone()
		if got != off {
			continue
		}
		if candidate.Year() == d.Year && candidate.Month() == d.Month && candidate.Day() == d.Day &&
			candidate.Hour() == c.Hour && candidate.Minute() == c.Minute {
			match = candidate
			matches++
		}
	}

	if matches != 1 {
		return time.Time{}, false
	}
	return match, true
}
