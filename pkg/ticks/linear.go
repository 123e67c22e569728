// Package ticks computes axis tick positions and labels for linear value axes
// and nanosecond-precision time axes.
package ticks

import (
	"math"
	"strconv"
)

// maxScaleSteps bounds the search for a step that fits the requested band.
const maxScaleSteps = 32

// LinearTick is one tick on a value axis.
type LinearTick struct {
	Value float64
	Label string
}

// Linear returns ticks for the domain [lo, hi), aiming for a tick count in
// [min, max]. Steps stay on the 1-2-5 decimal sequence.
func Linear(lo, hi float64, min, max int) []LinearTick {
	if !(hi > lo) || math.IsInf(hi-lo, 0) {
		return nil
	}
	if max < 1 {
		max = 1
	}
	if min > max {
		min = max
	}

	span := hi - lo
	exp := int(math.Floor(math.Log10(span) - 1))
	s := step{mantissa: 1, exp: exp}

	for i := 0; span/s.value() > float64(max) && i < maxScaleSteps; i++ {
		s = s.up()
	}
	for i := 0; span/s.value() < float64(min) && i < maxScaleSteps; i++ {
		down := s.down()
		if span/down.value() > float64(max) {
			break
		}
		s = down
	}

	delta := s.value()
	decimals := 0
	if s.exp < 0 {
		decimals = -s.exp
	}

	var res []LinearTick
	for k := math.Ceil(lo / delta); ; k++ {
		v := k * delta
		if v >= hi {
			break
		}
		label := strconv.FormatFloat(v, 'f', decimals, 64)
		if label == "-0" {
			label = "0"
		}
		res = append(res, LinearTick{Value: v, Label: label})
	}
	return res
}

// step is mantissa * 10^exp with mantissa in {1, 2, 5}.
type step struct {
	mantissa int
	exp      int
}

func (s step) value() float64 {
	return float64(s.mantissa) * math.Pow10(s.exp)
}

func (s step) up() step {
	switch s.mantissa {
	case 1:
		return step{2, s.exp}
	case 2:
		return step{5, s.exp}
	default:
		return step{1, s.exp + 1}
	}
}

func (s step) down() step {
	switch s.mantissa {
	case 5:
		return step{2, s.exp}
	case 2:
		return step{1, s.exp}
	default:
		return step{5, s.exp - 1}
	}
}
