// Package archive is the remote store the plot cache fetches from. It keeps
// raw samples in badger, compressed in one-hour blocks per stream, and
// answers statistical window queries over them.
package archive

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/timeval"
	"github.com/vjranagit/tsplot/pkg/types"
)

// blockWidth is the time span of one stored block in nanoseconds.
const blockWidth = int64(time.Hour)

const (
	blockPrefix = 'b'
	metaPrefix  = 'm'
)

// Storage is the contract the API serves from.
type Storage interface {
	// Write stores raw samples.
	Write(ctx context.Context, req *types.WriteRequest) error

	// Query returns one point per window of width 2^pwe nanoseconds that
	// touches [start, end] and contains samples.
	Query(ctx context.Context, stream uuid.UUID, start, end timeval.Time, pwe int) ([]types.Point, error)

	// LastTime returns the time of the latest sample of stream.
	LastTime(stream uuid.UUID) (timeval.Time, bool)

	// Streams returns the streams matching selectors.
	Streams(selectors map[string]string) []StreamInfo

	// Close closes the storage
	Close() error
}

// Config holds archive configuration
type Config struct {
	Path             string
	RetentionDays    int
	CompressionLevel int
	EnableWAL        bool
	CacheCapacity    int
	CacheTTL         time.Duration
}

// DefaultConfig returns default archive configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		RetentionDays:    0,
		CompressionLevel: 3,
		EnableWAL:        true,
		CacheCapacity:    1024,
		CacheTTL:         time.Minute,
	}
}

// Store implements Storage using badger.
type Store struct {
	l          *zap.Logger
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	tracer     trace.Tracer

	// serializes block read-modify-write cycles
	mu sync.Mutex
}

// Open opens or creates the archive under cfg.Path.
func Open(cfg *Config, l *zap.Logger) (*Store, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &Store{
		l:          l.Named("archive"),
		cfg:        cfg,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
		tracer:     otel.Tracer("github.com/vjranagit/tsplot/pkg/archive"),
	}

	if err := s.loadIndex(); err != nil {
		s.Close()
		return nil, err
	}

	s.l.Info("Archive opened", zap.String("path", cfg.Path), zap.Int("streams", s.index.StreamCount()))

	return s, nil
}

// Index returns the stream index.
func (s *Store) Index() *Index { return s.index }

func (s *Store) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{metaPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var info StreamInfo
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			})
			if err != nil {
				return fmt.Errorf("failed to load stream %x: %w", it.Item().Key()[1:], err)
			}
			s.index.restore(info)
		}
		return nil
	})
}

// Write implements Storage.
func (s *Store) Write(ctx context.Context, req *types.WriteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, series := range req.Series {
		if series.Stream.UUID == uuid.Nil {
			return fmt.Errorf("series %q has no UUID", series.Stream.Name)
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		s.index.AddStream(series.Stream)
		if len(series.Samples) == 0 {
			if err := s.writeMeta(series.Stream.UUID); err != nil {
				return err
			}
			continue
		}

		blocks := groupByBlock(series.Samples)
		minTime, maxTime := int64(math.MaxInt64), int64(math.MinInt64)
		var added int64

		err := s.db.Update(func(txn *badger.Txn) error {
			for blockTime, samples := range blocks {
				n, err := s.mergeBlock(txn, series.Stream.UUID, blockTime, samples)
				if err != nil {
					return fmt.Errorf("failed to write block %d: %w", blockTime, err)
				}
				added += n
				minTime = min(minTime, samples[0].Time)
				maxTime = max(maxTime, samples[len(samples)-1].Time)
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.index.UpdateTimeRange(series.Stream.UUID, minTime, maxTime, added)
		if err := s.writeMeta(series.Stream.UUID); err != nil {
			return err
		}

		s.l.Debug("Wrote samples", zap.Stringer("stream", series.Stream.UUID), zap.Int("samples", len(series.Samples)), zap.Int("blocks", len(blocks)))
	}

	return nil
}

// groupByBlock sorts samples into blocks. Each block is sorted by time
// with the last of several samples at the same time winning.
func groupByBlock(samples []types.Sample) map[int64][]types.Sample {
	blocks := make(map[int64][]types.Sample)
	for _, sample := range samples {
		bt := floorDiv(sample.Time, blockWidth) * blockWidth
		blocks[bt] = append(blocks[bt], sample)
	}
	for bt, b := range blocks {
		blocks[bt] = normalize(b)
	}
	return blocks
}

// normalize sorts samples stably by time and keeps the last sample per time.
func normalize(samples []types.Sample) []types.Sample {
	slices.SortStableFunc(samples, func(a, b types.Sample) int { return cmp.Compare(a.Time, b.Time) })

	res := samples[:0]
	for _, sample := range samples {
		if n := len(res); n > 0 && res[n-1].Time == sample.Time {
			res[n-1] = sample
			continue
		}
		res = append(res, sample)
	}
	return res
}

// mergeBlock merges samples into the stored block and returns the number of
// new timestamps.
func (s *Store) mergeBlock(txn *badger.Txn, stream uuid.UUID, blockTime int64, samples []types.Sample) (int64, error) {
	key := blockKey(stream, blockTime)

	existing, err := s.readBlock(txn, key)
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}

	merged := normalize(append(existing, samples...))
	e := badger.NewEntry(key, s.compressor.CompressBlock(merged))
	if s.cfg.RetentionDays > 0 {
		e = e.WithTTL(time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
	}
	if err := txn.SetEntry(e); err != nil {
		return 0, err
	}

	return int64(len(merged) - len(existing)), nil
}

func (s *Store) readBlock(txn *badger.Txn, key []byte) ([]types.Sample, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}

	var samples []types.Sample
	err = item.Value(func(val []byte) error {
		samples, err = s.compressor.DecompressBlock(val)
		return err
	})
	return samples, err
}

func (s *Store) writeMeta(stream uuid.UUID) error {
	info, ok := s.index.Get(stream)
	if !ok {
		return fmt.Errorf("stream %s not indexed", stream)
	}

	b, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal stream %s: %w", stream, err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaKey(stream), b)
	})
}

// Query implements Storage.
func (s *Store) Query(ctx context.Context, stream uuid.UUID, start, end timeval.Time, pwe int) ([]types.Point, error) {
	if pwe < 0 || pwe > timeval.MaxResolution {
		return nil, fmt.Errorf("invalid point width exponent %d", pwe)
	}

	_, span := s.tracer.Start(ctx, "archive.Query", trace.WithAttributes(
		attribute.String("stream", stream.String()),
		attribute.Int("pw", pwe),
	))
	defer span.End()

	startNs, endNs := start.UnixNano(), end.UnixNano()
	if endNs < startNs {
		return []types.Point{}, nil
	}

	width := int64(1) << pwe
	lo := floorDiv(startNs, width) * width
	hi := floorDiv(endNs, width) * width
	if hi > math.MaxInt64-width {
		hi = math.MaxInt64
	} else {
		hi += width
	}

	agg := newAggregator(width)
	prefix := append([]byte{blockPrefix}, stream[:]...)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(blockKey(stream, floorDiv(lo, blockWidth)*blockWidth)); it.ValidForPrefix(prefix); it.Next() {
			if blockTimeFromKey(it.Item().Key()) >= hi {
				break
			}

			err := it.Item().Value(func(val []byte) error {
				samples, err := s.compressor.DecompressBlock(val)
				if err != nil {
					return err
				}
				for _, sample := range samples {
					if sample.Time >= lo && sample.Time < hi {
						agg.add(sample)
					}
				}
				return nil
			})
			if err != nil {
				return fmt.Errorf("failed to read block: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	points := agg.finish()
	span.SetAttributes(attribute.Int("points", len(points)))

	return points, nil
}

// LastTime implements Storage.
func (s *Store) LastTime(stream uuid.UUID) (timeval.Time, bool) {
	info, ok := s.index.Get(stream)
	if !ok || info.Samples == 0 {
		return timeval.Time{}, false
	}
	return timeval.FromNanos(info.MaxTime), true
}

// Streams implements Storage.
func (s *Store) Streams(selectors map[string]string) []StreamInfo {
	ids := s.index.Find(selectors)
	res := make([]StreamInfo, 0, len(ids))
	for _, id := range ids {
		if info, ok := s.index.Get(id); ok {
			res = append(res, info)
		}
	}
	return res
}

// Close implements Storage.
func (s *Store) Close() error {
	s.compressor.Close()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// aggregator folds time-ordered samples into windows.
type aggregator struct {
	width  int64
	points []types.Point
	cur    int64
	sum    float64
	open   bool
}

func newAggregator(width int64) *aggregator {
	return &aggregator{width: width, points: []types.Point{}}
}

func (a *aggregator) add(sample types.Sample) {
	ws := floorDiv(sample.Time, a.width) * a.width
	if a.open && ws == a.cur {
		p := &a.points[len(a.points)-1]
		p.Min = min(p.Min, sample.Value)
		p.Max = max(p.Max, sample.Value)
		p.Count++
		a.sum += sample.Value
		return
	}

	a.flush()
	a.open = true
	a.cur = ws
	a.sum = sample.Value
	a.points = append(a.points, types.Point{
		Time:  timeval.FromNanos(ws),
		Min:   sample.Value,
		Max:   sample.Value,
		Count: 1,
	})
}

func (a *aggregator) flush() {
	if !a.open {
		return
	}
	p := &a.points[len(a.points)-1]
	p.Mean = a.sum / float64(p.Count)
}

func (a *aggregator) finish() []types.Point {
	a.flush()
	a.open = false
	return a.points
}

// blockKey is the prefix, the stream and the block time with its sign bit
// flipped, so that keys sort by time.
func blockKey(stream uuid.UUID, blockTime int64) []byte {
	key := make([]byte, 0, 1+16+8)
	key = append(key, blockPrefix)
	key = append(key, stream[:]...)
	return binary.BigEndian.AppendUint64(key, uint64(blockTime)^(1<<63))
}

func blockTimeFromKey(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]) ^ (1 << 63))
}

func metaKey(stream uuid.UUID) []byte {
	return append([]byte{metaPrefix}, stream[:]...)
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// check interfaces
var (
	_ Storage = (*Store)(nil)
)
