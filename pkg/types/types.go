package types

import (
	"github.com/google/uuid"

	"github.com/vjranagit/tsplot/pkg/timeval"
)

// PointSize is the in-memory size of a Point in bytes, used for memory accounting.
const PointSize = 48

// Point is a statistical summary of the window starting at Time. At the
// finest resolution it is a raw sample with Count 1.
type Point struct {
	Time  timeval.Time
	Min   float64
	Mean  float64
	Max   float64
	Count uint64
}

// Sample represents a single raw reading
type Sample struct {
	Time  int64   `json:"time"` // nanoseconds since the epoch
	Value float64 `json:"value"`
}

// StreamMeta describes a stream
type StreamMeta struct {
	UUID uuid.UUID         `json:"uuid"`
	Name string            `json:"name"`
	Tags map[string]string `json:"tags,omitempty"`
}

// Series is a stream with raw samples
type Series struct {
	Stream  StreamMeta `json:"stream"`
	Samples []Sample   `json:"samples"`
}

// WriteRequest represents a write request to the archive
type WriteRequest struct {
	Series []Series `json:"series"`
}
