// Package calendar computes settlement dates in business days.
package calendar

import (
	"sync"
	"time"
)

// Type selects a holiday schedule.
type Type string

const (
	TypeUS     Type = "us"
	TypeLondon Type = "london"
)

// Calendar adds business days to a date.
type Calendar interface {
	AddBusinessDays(date time.Time, n int, t Type) time.Time
}

// WeekdayCalendar treats Monday through Friday as business days, minus any
// registered holidays per calendar type.
type WeekdayCalendar struct {
	mu       sync.RWMutex
	holidays map[Type]map[string]struct{}
}

// NewWeekdayCalendar creates a calendar with no holidays.
func NewWeekdayCalendar() *WeekdayCalendar {
	return &WeekdayCalendar{holidays: make(map[Type]map[string]struct{})}
}

// AddHoliday marks date as a non-business day for t.
func (c *WeekdayCalendar) AddHoliday(t Type, date time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.holidays[t] == nil {
		c.holidays[t] = make(map[string]struct{})
	}
	c.holidays[t][dayKey(date)] = struct{}{}
}

// IsBusinessDay reports whether date is a weekday and not a holiday for t.
func (c *WeekdayCalendar) IsBusinessDay(date time.Time, t Type) bool {
	switch date.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, holiday := c.holidays[t][dayKey(date)]
	return !holiday
}

// AddBusinessDays moves date forward (or backward for negative n) by n
// business days. The time of day is preserved. n == 0 returns date.
func (c *WeekdayCalendar) AddBusinessDays(date time.Time, n int, t Type) time.Time {
	step := 1
	if n < 0 {
		step, n = -1, -n
	}
	d := date
	for n > 0 {
		d = d.AddDate(0, 0, step)
		if c.IsBusinessDay(d, t) {
			n--
		}
	}
	return d
}

func dayKey(d time.Time) string { return d.Format("2006-01-02") }
