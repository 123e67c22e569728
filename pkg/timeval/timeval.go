// Package timeval implements the fixed-point time representation used for
// every query and cache bound: whole milliseconds since the Unix epoch plus a
// sub-millisecond nanosecond remainder.
//
// Time is a value type. All operations return new values and never modify
// their receiver or arguments, so a Time stored in a cache entry can be handed
// out freely without copying.
package timeval

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// NanosPerMilli is the modulus of the Nanos component.
const NanosPerMilli = 1_000_000

// Time is Millis milliseconds plus Nanos nanoseconds since the Unix epoch.
// Nanos is always in [0, NanosPerMilli) for values produced by this package.
type Time struct {
	Millis int64
	Nanos  int64
}

// New returns a normalized Time, carrying or borrowing nanos into millis.
func New(millis, nanos int64) Time {
	carry := nanos / NanosPerMilli
	nanos %= NanosPerMilli
	if nanos < 0 {
		nanos += NanosPerMilli
		carry--
	}
	return Time{Millis: millis + carry, Nanos: nanos}
}

// FromNanos converts a nanosecond count since the epoch.
func FromNanos(ns int64) Time {
	return New(0, ns)
}

// FromTime converts a time.Time.
func FromTime(t time.Time) Time {
	return Time{Millis: t.UnixMilli(), Nanos: int64(t.Nanosecond() % NanosPerMilli)}
}

// Time converts t to a UTC time.Time.
func (t Time) Time() time.Time {
	return time.UnixMilli(t.Millis).Add(time.Duration(t.Nanos)).UTC()
}

// UnixNano returns t as nanoseconds since the epoch. The result is undefined
// outside the int64 nanosecond range (roughly years 1678 to 2262).
func (t Time) UnixNano() int64 {
	return t.Millis*NanosPerMilli + t.Nanos
}

// Compare returns -1, 0 or +1 comparing (Millis, Nanos) lexicographically.
func (t Time) Compare(u Time) int {
	switch {
	case t.Millis < u.Millis:
		return -1
	case t.Millis > u.Millis:
		return 1
	case t.Nanos < u.Nanos:
		return -1
	case t.Nanos > u.Nanos:
		return 1
	}
	return 0
}

// Before reports whether t < u.
func (t Time) Before(u Time) bool { return t.Compare(u) < 0 }

// After reports whether t > u.
func (t Time) After(u Time) bool { return t.Compare(u) > 0 }

// Equal reports whether t == u.
func (t Time) Equal(u Time) bool { return t == u }

// Add returns t+u.
func (t Time) Add(u Time) Time {
	return New(t.Millis+u.Millis, t.Nanos+u.Nanos)
}

// Sub returns t-u.
func (t Time) Sub(u Time) Time {
	return New(t.Millis-u.Millis, t.Nanos-u.Nanos)
}

// AddNanos returns t plus ns nanoseconds.
func (t Time) AddNanos(ns int64) Time {
	return New(t.Millis, t.Nanos+ns)
}

// Mul scales t by f. The fractional part of the scaled milliseconds is folded
// into the nanosecond component; precision is that of float64 and is only
// meant for ratio math such as span-per-pixel.
func (t Time) Mul(f float64) Time {
	ms := float64(t.Millis) * f
	whole := math.Floor(ms)
	ns := (ms-whole)*NanosPerMilli + float64(t.Nanos)*f
	return New(int64(whole), int64(math.Floor(ns)))
}

// Neg returns -t.
func (t Time) Neg() Time {
	return New(-t.Millis, -t.Nanos)
}

// Clamp bounds t to [lo, hi].
func (t Time) Clamp(lo, hi Time) Time {
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}

// Float returns t as an approximate nanosecond count.
func (t Time) Float() float64 {
	return float64(t.Millis)*NanosPerMilli + float64(t.Nanos)
}

// Min returns the earlier of t and u.
func Min(t, u Time) Time {
	if u.Before(t) {
		return u
	}
	return t
}

// Max returns the later of t and u.
func Max(t, u Time) Time {
	if u.After(t) {
		return u
	}
	return t
}

// String renders t as the exact decimal nanosecond count since the epoch.
// The sign applies to the whole value. This is the wire format for request
// bounds.
func (t Time) String() string {
	if t.Millis >= 0 {
		return digits(t.Millis, t.Nanos)
	}
	// |t| = (-Millis-1) ms + (NanosPerMilli-Nanos) ns, or -Millis ms when Nanos is zero.
	abs := Time{Millis: -t.Millis}
	if t.Nanos != 0 {
		abs = Time{Millis: -t.Millis - 1, Nanos: NanosPerMilli - t.Nanos}
	}
	return "-" + digits(abs.Millis, abs.Nanos)
}

func digits(millis, nanos int64) string {
	if millis == 0 {
		return strconv.FormatInt(nanos, 10)
	}
	return fmt.Sprintf("%d%06d", millis, nanos)
}

// Parse parses the decimal nanosecond encoding produced by String.
// Values beyond the int64 nanosecond range are accepted.
func Parse(s string) (Time, error) {
	neg := strings.HasPrefix(s, "-")
	body := strings.TrimPrefix(s, "-")
	if body == "" {
		return Time{}, fmt.Errorf("timeval: empty time %q", s)
	}

	var millisPart, nanosPart string
	if len(body) > 6 {
		millisPart, nanosPart = body[:len(body)-6], body[len(body)-6:]
	} else {
		millisPart, nanosPart = "0", body
	}

	millis, err := strconv.ParseUint(millisPart, 10, 63)
	if err != nil {
		return Time{}, fmt.Errorf("timeval: invalid time %q: %w", s, err)
	}
	nanos, err := strconv.ParseUint(nanosPart, 10, 32)
	if err != nil {
		return Time{}, fmt.Errorf("timeval: invalid time %q: %w", s, err)
	}

	t := Time{Millis: int64(millis), Nanos: int64(nanos)}
	if neg {
		t = t.Neg()
	}
	return t, nil
}
