// Package source is the client side of the archive protocol: request
// encoding, response parsing and an HTTP implementation of Source.
package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// Source fetches statistical points from a remote archive.
//
// Implementations must invoke done exactly once. The plot cache expects done
// to run on its loop goroutine; implementations that do I/O post the
// completion through a loop.Scheduler. A malformed response is reported as an
// error; callers treat it as "no new data".
type Source interface {
	// Fetch requests points for req.
	Fetch(ctx context.Context, req Request, done func([]types.Point, error))

	// Brackets requests the last time with valid data for each stream.
	Brackets(ctx context.Context, streams []uuid.UUID, done func(map[uuid.UUID]timeval.Time, error))
}

// Request selects the windows of width 2^Resolution nanoseconds touching
// [Start, End] for one stream.
type Request struct {
	Stream     uuid.UUID
	Start      timeval.Time
	End        timeval.Time
	Resolution int
}

// String returns the URL-like form of the request used as its key in logs
// and traces.
func (r Request) String() string {
	return fmt.Sprintf("%s?starttime=%s&endtime=%s&unitoftime=ns&pw=%d", r.Stream, r.Start, r.End, r.Resolution)
}

// Body returns the POST payload understood by the archive's /data handler.
func (r Request) Body() string {
	return strings.Join([]string{r.Stream.String(), r.Start.String(), r.End.String(), strconv.Itoa(r.Resolution)}, ",")
}

// ParseBody parses a payload produced by Body.
func ParseBody(body string) (Request, error) {
	args := strings.Split(strings.TrimSpace(body), ",")
	if len(args) != 4 {
		return Request{}, fmt.Errorf("four arguments are required; got %d", len(args))
	}

	id, err := uuid.Parse(args[0])
	if err != nil {
		return Request{}, fmt.Errorf("invalid UUID %q: %w", args[0], err)
	}

	start, err := timeval.Parse(args[1])
	if err != nil {
		return Request{}, err
	}

	end, err := timeval.Parse(args[2])
	if err != nil {
		return Request{}, err
	}

	pw, err := strconv.ParseUint(args[3], 10, 8)
	if err != nil || pw > timeval.MaxResolution {
		return Request{}, fmt.Errorf("invalid point width exponent %q", args[3])
	}

	return Request{Stream: id, Start: start, End: end, Resolution: int(pw)}, nil
}
