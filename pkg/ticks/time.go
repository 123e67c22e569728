package ticks

import (
	"fmt"
	"time"

	"github.com/vjranagit/tsplot/pkg/timeval"
)

// Granularity is the calendar field a time tick is aligned to.
type Granularity int

// Granularities from finest to coarsest.
const (
	Nanosecond Granularity = iota
	Millisecond
	Second
	Minute
	Hour
	Day
	Month
	Year
)

func (g Granularity) String() string {
	switch g {
	case Nanosecond:
		return "nanosecond"
	case Millisecond:
		return "millisecond"
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	case Month:
		return "month"
	case Year:
		return "year"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// Tick is one tick on a time axis.
type Tick struct {
	Time        timeval.Time
	Date        time.Time // UTC
	Granularity Granularity
	Label       string
}

// Interval is a tick spacing: Count units of Granularity.
type Interval struct {
	Granularity Granularity
	Count       int64
}

type bucket struct {
	granularity Granularity
	unit        float64 // nanoseconds; months and years are nominal
	counts      []int64 // allowed multiples; nil means unbounded 1-2-5
}

const (
	nsPerDay = 24 * float64(time.Hour)
)

var buckets = []bucket{
	{Nanosecond, 1, []int64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 20000, 50000, 100000, 200000, 500000}},
	{Millisecond, float64(time.Millisecond), []int64{1, 2, 5, 10, 20, 50, 100, 200, 500}},
	{Second, float64(time.Second), []int64{1, 2, 5, 10, 15, 30}},
	{Minute, float64(time.Minute), []int64{1, 2, 5, 10, 15, 30}},
	{Hour, float64(time.Hour), []int64{1, 2, 3, 6}},
	{Day, nsPerDay, []int64{1, 2, 5, 10, 15}},
	{Month, 30 * nsPerDay, []int64{1, 2, 3, 6}},
	{Year, 365 * nsPerDay, nil},
}

// fixedUnits are exact widths for the fixed-width granularities.
var fixedUnits = map[Granularity]int64{
	Nanosecond:  1,
	Millisecond: int64(time.Millisecond),
	Second:      int64(time.Second),
	Minute:      int64(time.Minute),
	Hour:        int64(time.Hour),
	Day:         int64(24 * time.Hour),
}

// ChooseInterval picks the finest granularity whose largest allowed multiple
// yields at most max ticks over [lo, hi], then the smallest multiple within it
// that does.
func ChooseInterval(lo, hi timeval.Time, max int) Interval {
	if max < 1 {
		max = 1
	}
	span := hi.Sub(lo).Float()
	limit := float64(max)

	for _, b := range buckets {
		if b.counts == nil {
			s := step{mantissa: 1}
			for span/(s.value()*b.unit) > limit {
				s = s.up()
			}
			return Interval{Granularity: b.granularity, Count: int64(s.value())}
		}

		largest := b.counts[len(b.counts)-1]
		if span/b.unit > limit*float64(largest) {
			continue
		}
		for _, n := range b.counts {
			if span/(float64(n)*b.unit) <= limit {
				return Interval{Granularity: b.granularity, Count: n}
			}
		}
	}
	panic("not reached")
}

// ForTime returns ticks in [lo, hi) for a time axis with at most about max
// ticks. Month and year ticks fall on UTC calendar boundaries.
func ForTime(lo, hi timeval.Time, max int) []Tick {
	if !lo.Before(hi) {
		return nil
	}
	iv := ChooseInterval(lo, hi, max)

	var times []timeval.Time
	switch iv.Granularity {
	case Month:
		times = calendarTicks(lo, hi, iv.Count, false)
	case Year:
		times = calendarTicks(lo, hi, iv.Count, true)
	default:
		stepNs := iv.Count * fixedUnits[iv.Granularity]
		for t := ceilTo(lo, stepNs); t.Before(hi); t = t.AddNanos(stepNs) {
			times = append(times, t)
		}
	}

	res := make([]Tick, len(times))
	for i, t := range times {
		d := t.Time()
		res[i] = Tick{
			Time:        t,
			Date:        d,
			Granularity: iv.Granularity,
			Label:       Label(d, iv.Granularity),
		}
	}
	return res
}

// ceilTo returns the smallest multiple of stepNs nanoseconds that is >= t.
// stepNs must either be a multiple of a millisecond or divide one.
func ceilTo(t timeval.Time, stepNs int64) timeval.Time {
	if stepNs%timeval.NanosPerMilli == 0 {
		s := stepNs / timeval.NanosPerMilli
		k := floorDiv(t.Millis, s)
		if t.Nanos == 0 && k*s == t.Millis {
			return t
		}
		return timeval.New((k+1)*s, 0)
	}
	n := (t.Nanos + stepNs - 1) / stepNs * stepNs
	return timeval.New(t.Millis, n)
}

func calendarTicks(lo, hi timeval.Time, n int64, years bool) []timeval.Time {
	start := lo.Time()
	var d time.Time
	if years {
		d = time.Date(start.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
	} else {
		d = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	}

	index := func(d time.Time) int64 {
		if years {
			return int64(d.Year())
		}
		return int64(d.Year())*12 + int64(d.Month()) - 1
	}
	next := func(d time.Time, k int) time.Time {
		if years {
			return d.AddDate(k, 0, 0)
		}
		return d.AddDate(0, k, 0)
	}

	for timeval.FromTime(d).Before(lo) || floorMod(index(d), n) != 0 {
		d = next(d, 1)
	}

	var res []timeval.Time
	for t := timeval.FromTime(d); t.Before(hi); t = timeval.FromTime(d) {
		res = append(res, t)
		d = next(d, int(n))
	}
	return res
}

// Label formats d for granularity g. When the field g names is at its
// first value the label of the next coarser granularity is used instead,
// so a month tick on January shows the year.
func Label(d time.Time, g Granularity) string {
	switch g {
	case Nanosecond:
		if ns := d.Nanosecond() % timeval.NanosPerMilli; ns != 0 {
			return fmt.Sprintf("+%dns", ns)
		}
		return Label(d, Millisecond)
	case Millisecond:
		if d.Nanosecond()/timeval.NanosPerMilli != 0 {
			return d.Format(".000")
		}
		return Label(d, Second)
	case Second:
		if d.Second() != 0 {
			return d.Format("15:04:05")
		}
		return Label(d, Minute)
	case Minute:
		if d.Minute() != 0 {
			return d.Format("15:04")
		}
		return Label(d, Hour)
	case Hour:
		if d.Hour() != 0 {
			return d.Format("15:04")
		}
		return Label(d, Day)
	case Day:
		if d.Day() != 1 {
			return d.Format("Jan 2")
		}
		return Label(d, Month)
	case Month:
		if d.Month() != time.January {
			return d.Format("Jan")
		}
		return Label(d, Year)
	default:
		return d.Format("2006")
	}
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int64) int64 {
	return a - floorDiv(a, b)*b
}
