// Package calendar answers whether the Korean equities market trades on a
// given date. Holiday data is a best-effort static table; lunar-calendar
// entries are hand-curated per year and supplied through a Provider so the
// table can be replaced without touching the core.
package calendar

import "time"

// KST is the Korea Exchange trading timezone (UTC+9, no DST).
var KST = time.FixedZone("KST", 9*3600)

// Provider supplies the closed-market dates for a year.
type Provider interface {
	Holidays(year int) map[string]bool
}

// StaticProvider serves the built-in holiday tables.
type StaticProvider struct{}

// Holidays returns the known KRX holidays for year, keyed by YYYY-MM-DD.
func (StaticProvider) Holidays(year int) map[string]bool {
	d := func(month, day int) string {
		return time.Date(year, time.Month(month), day, 0, 0, 0, 0, KST).Format("2006-01-02")
	}
	holidays := map[string]bool{
		d(1, 1):   true, // New Year's Day
		d(3, 1):   true, // Independence Movement Day
		d(5, 5):   true, // Children's Day
		d(6, 6):   true, // Memorial Day
		d(8, 15):  true, // Liberation Day
		d(10, 3):  true, // National Foundation Day
		d(10, 9):  true, // Hangul Day
		d(12, 25): true, // Christmas
		d(12, 31): true, // Exchange year-end closure
	}

	// Lunar-calendar holidays, hand-entered estimates per year.
	switch year {
	case 2025:
		for _, day := range []string{
			"2025-01-28", "2025-01-29", "2025-01-30", // Seollal
			"2025-05-05",                             // Buddha's Birthday
			"2025-10-05", "2025-10-06", "2025-10-07", // Chuseok
		} {
			holidays[day] = true
		}
	case 2026:
		for _, day := range []string{
			"2026-01-28", "2026-01-29", "2026-01-30", // Seollal
			"2026-02-17",                             // Seollal substitute holiday
			"2026-05-24",                             // Buddha's Birthday
			"2026-10-04", "2026-10-05", "2026-10-06", // Chuseok
		} {
			holidays[day] = true
		}
	}

	return holidays
}

// Calendar decides trading days using a holiday Provider.
type Calendar struct {
	provider Provider
}

func New(p Provider) *Calendar {
	if p == nil {
		p = StaticProvider{}
	}
	return &Calendar{provider: p}
}

// IsTradingDay reports whether the market is open on the given date.
func (c *Calendar) IsTradingDay(date time.Time) bool {
	date = date.In(KST)
	if wd := date.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !c.provider.Holidays(date.Year())[date.Format("2006-01-02")]
}

// PreviousTradingDay walks backward from date to the most recent trading day
// strictly before it.
func (c *Calendar) PreviousTradingDay(date time.Time) time.Time {
	prev := date.In(KST).AddDate(0, 0, -1)
	for !c.IsTradingDay(prev) {
		prev = prev.AddDate(0, 0, -1)
	}
	return prev
}
