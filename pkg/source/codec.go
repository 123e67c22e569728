package source

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// ErrMalformed is returned for responses that are not a JSON array of
// [millis, nanos, min, mean, max, count] tuples.
var ErrMalformed = errors.New("malformed archive response")

// ParsePoints decodes a /data response. The result is sorted by time with
// duplicate timestamps removed.
func ParsePoints(raw []byte) ([]types.Point, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsArray() {
		return nil, fmt.Errorf("%w: expected array, got %s", ErrMalformed, doc.Type)
	}

	elems := doc.Array()
	points := make([]types.Point, 0, len(elems))
	sorted := true

	for i, e := range elems {
		f := e.Array()
		if len(f) < 5 {
			return nil, fmt.Errorf("%w: record %d has %d fields", ErrMalformed, i, len(f))
		}
		for _, v := range f {
			if v.Type != gjson.Number {
				return nil, fmt.Errorf("%w: record %d has non-numeric field %q", ErrMalformed, i, v.Raw)
			}
		}

		p := types.Point{
			Time:  timeval.New(f[0].Int(), f[1].Int()),
			Min:   f[2].Float(),
			Mean:  f[3].Float(),
			Max:   f[4].Float(),
			Count: 1,
		}
		if len(f) > 5 {
			p.Count = f[5].Uint()
		}

		if n := len(points); n > 0 && !points[n-1].Time.Before(p.Time) {
			sorted = false
		}
		points = append(points, p)
	}

	if !sorted {
		slices.SortStableFunc(points, func(a, b types.Point) int { return a.Time.Compare(b.Time) })
		points = slices.CompactFunc(points, func(a, b types.Point) bool { return a.Time == b.Time })
	}

	return points, nil
}

// AppendPoints appends the /data encoding of points to dst.
func AppendPoints(dst []byte, points []types.Point) []byte {
	dst = append(dst, '[')
	for i, p := range points {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = append(dst, '[')
		dst = strconv.AppendInt(dst, p.Time.Millis, 10)
		dst = append(dst, ',')
		dst = strconv.AppendInt(dst, p.Time.Nanos, 10)
		for _, v := range []float64{p.Min, p.Mean, p.Max} {
			dst = append(dst, ',')
			dst = appendFloat(dst, v)
		}
		dst = append(dst, ',')
		dst = strconv.AppendUint(dst, p.Count, 10)
		dst = append(dst, ']')
	}
	return append(dst, ']')
}

func appendFloat(dst []byte, v float64) []byte {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return append(dst, '0')
	}
	return strconv.AppendFloat(dst, v, 'g', -1, 64)
}

// ParseBrackets decodes a brackets response: an object mapping stream UUIDs
// to decimal nanosecond strings.
func ParseBrackets(raw []byte) (map[uuid.UUID]timeval.Time, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("%w: invalid JSON", ErrMalformed)
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("%w: expected object, got %s", ErrMalformed, doc.Type)
	}

	res := make(map[uuid.UUID]timeval.Time)
	var err error
	doc.ForEach(func(k, v gjson.Result) bool {
		var id uuid.UUID
		if id, err = uuid.Parse(k.String()); err != nil {
			err = fmt.Errorf("%w: %w", ErrMalformed, err)
			return false
		}
		var t timeval.Time
		if t, err = timeval.Parse(v.String()); err != nil {
			err = fmt.Errorf("%w: %w", ErrMalformed, err)
			return false
		}
		res[id] = t
		return true
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}
