package ticks

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vjranagit/tsplot/pkg/timeval"
)

func TestLinear(t *testing.T) {
	res := Linear(0, 100, 4, 8)
	require.NotEmpty(t, res)
	assert.GreaterOrEqual(t, len(res), 4)
	assert.LessOrEqual(t, len(res), 8)

	labels := make([]string, len(res))
	for i, tick := range res {
		assert.Less(t, tick.Value, 100.0)
		assert.Zero(t, math.Mod(tick.Value, 20))
		labels[i] = tick.Label
	}
	assert.Equal(t, []string{"0", "20", "40", "60", "80"}, labels)

	// Deterministic.
	assert.Equal(t, res, Linear(0, 100, 4, 8))
}

func TestLinearFractional(t *testing.T) {
	res := Linear(0.13, 0.61, 4, 8)
	require.NotEmpty(t, res)

	labels := make([]string, len(res))
	for i, tick := range res {
		labels[i] = tick.Label
	}
	assert.Equal(t, []string{"0.2", "0.3", "0.4", "0.5", "0.6"}, labels)
}

func TestLinearNegative(t *testing.T) {
	res := Linear(-50, 50, 3, 6)
	require.NotEmpty(t, res)
	assert.Equal(t, "-40", res[0].Label)
	assert.Equal(t, "0", res[2].Label)
	assert.LessOrEqual(t, len(res), 6)
}

func TestLinearEmpty(t *testing.T) {
	assert.Nil(t, Linear(5, 5, 4, 8))
	assert.Nil(t, Linear(6, 5, 4, 8))
}

func TestForTimeTwoDays(t *testing.T) {
	lo := timeval.FromTime(time.Date(2014, time.July, 4, 0, 0, 0, 0, time.UTC))
	hi := lo.Add(timeval.FromNanos(int64(48 * time.Hour)))

	res := ForTime(lo, hi, 7)
	require.Len(t, res, 2)

	for _, tick := range res {
		assert.Equal(t, Day, tick.Granularity)
		assert.Zero(t, tick.Date.Hour())
		assert.Zero(t, tick.Date.Minute())
		assert.Equal(t, tick.Time, timeval.FromTime(tick.Date))
	}
	assert.Equal(t, lo, res[0].Time)
	assert.Equal(t, "Jul 4", res[0].Label)
	assert.Equal(t, "Jul 5", res[1].Label)
}

func TestForTimeMonthsCascade(t *testing.T) {
	lo := timeval.FromTime(time.Date(2014, time.November, 15, 0, 0, 0, 0, time.UTC))
	hi := timeval.FromTime(time.Date(2015, time.April, 1, 0, 0, 0, 0, time.UTC))

	res := ForTime(lo, hi, 7)
	labels := make([]string, len(res))
	for i, tick := range res {
		assert.Equal(t, Month, tick.Granularity)
		assert.Equal(t, 1, tick.Date.Day())
		labels[i] = tick.Label
	}
	assert.Equal(t, []string{"Dec", "2015", "Feb", "Mar"}, labels)
}

func TestForTimeYears(t *testing.T) {
	lo := timeval.FromTime(time.Date(1990, time.March, 1, 0, 0, 0, 0, time.UTC))
	hi := timeval.FromTime(time.Date(2030, time.January, 1, 0, 0, 0, 0, time.UTC))

	res := ForTime(lo, hi, 5)
	require.NotEmpty(t, res)
	assert.LessOrEqual(t, len(res), 5)
	for _, tick := range res {
		assert.Equal(t, Year, tick.Granularity)
		assert.Equal(t, time.January, tick.Date.Month())
		assert.Zero(t, tick.Date.Year()%10)
	}
	assert.Equal(t, "2000", res[0].Label)
}

func TestForTimeSubMillisecond(t *testing.T) {
	lo := timeval.New(5, 100)
	hi := timeval.New(5, 900_000)

	res := ForTime(lo, hi, 7)
	require.Len(t, res, 4)
	for i, tick := range res {
		assert.Equal(t, Nanosecond, tick.Granularity)
		assert.Equal(t, timeval.New(5, int64(i+1)*200_000), tick.Time)
	}
	assert.Equal(t, "+200000ns", res[0].Label)
}

func TestForTimeCarry(t *testing.T) {
	lo := timeval.New(999, 0)
	hi := timeval.New(1001, 0)

	res := ForTime(lo, hi, 5)
	require.Len(t, res, 4)
	assert.Equal(t, timeval.New(999, 0), res[0].Time)
	assert.Equal(t, timeval.New(999, 500_000), res[1].Time)
	assert.Equal(t, timeval.New(1000, 0), res[2].Time)
	assert.Equal(t, timeval.New(1000, 500_000), res[3].Time)
	assert.Equal(t, "00:00:01", res[2].Label)
}

func TestChooseInterval(t *testing.T) {
	lo := timeval.Time{}
	for _, tc := range []struct {
		span time.Duration
		max  int
		want Interval
	}{
		{10 * time.Millisecond, 5, Interval{Millisecond, 2}},
		{time.Minute, 6, Interval{Second, 10}},
		{3 * time.Hour, 6, Interval{Minute, 30}},
		{10 * time.Hour, 5, Interval{Hour, 2}},
	} {
		hi := timeval.FromNanos(int64(tc.span))
		assert.Equal(t, tc.want, ChooseInterval(lo, hi, tc.max), "span %s", tc.span)
	}
}

func TestLabelCascade(t *testing.T) {
	d := time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)
	for g := Nanosecond; g <= Year; g++ {
		assert.Equal(t, "2015", Label(d, g), "granularity %s", g)
	}

	assert.Equal(t, "Mar 3", Label(time.Date(2015, time.March, 3, 0, 0, 0, 0, time.UTC), Hour))
	assert.Equal(t, "13:00", Label(time.Date(2015, time.March, 3, 13, 0, 0, 0, time.UTC), Minute))
	assert.Equal(t, ".250", Label(time.Date(2015, time.March, 3, 13, 0, 0, 250_000_000, time.UTC), Millisecond))
}
