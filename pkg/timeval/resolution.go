package timeval

import "github.com/vjranagit/tsplot/pkg/search"

// MaxResolution is the largest point width exponent in the table.
const MaxResolution = 62

// halfWidths[r] is 2^(r-1) nanoseconds; halfWidths[0] is zero.
var halfWidths = func() [MaxResolution + 1]Time {
	var t [MaxResolution + 1]Time
	for r := 1; r <= MaxResolution; r++ {
		t[r] = FromNanos(int64(1) << (r - 1))
	}
	return t
}()

// HalfWidth returns 2^(r-1) nanoseconds, half the window width of resolution r.
// Exponents outside [0, MaxResolution] saturate.
func HalfWidth(r int) Time {
	return halfWidths[clampResolution(r)]
}

// Width returns the window width 2^r nanoseconds of resolution r, saturating
// at MaxResolution.
func Width(r int) Time {
	r = clampResolution(r)
	if r == 0 {
		return FromNanos(1)
	}
	return halfWidths[r].Add(halfWidths[r])
}

// ResolutionForSpan returns the largest r with HalfWidth(r) <= span, floored at 0.
func ResolutionForSpan(span Time) int {
	i := search.Nearest(halfWidths[:], span, Time.Compare)
	if i > 0 && halfWidths[i].After(span) {
		i--
	}
	if halfWidths[i].After(span) {
		return 0
	}
	return i
}

func clampResolution(r int) int {
	if r < 0 {
		return 0
	}
	if r > MaxResolution {
		return MaxResolution
	}
	return r
}
