package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vjranagit/tsplot/pkg/types"
)

// WAL implements a Write-Ahead Log for durability
type WAL struct {
	l          *zap.Logger
	path       string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// WALEntry represents a single WAL entry
type WALEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Series    []types.Series `json:"series"`
}

// NewWAL creates a new Write-Ahead Log under dataPath/wal.
func NewWAL(dataPath string, l *zap.Logger) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	wal := &WAL{
		l:      l.Named("wal"),
		path:   walPath,
		file:   file,
		writer: bufio.NewWriter(file),
	}

	wal.flushTimer = time.AfterFunc(time.Second, wal.autoFlush)

	return wal, nil
}

// Append appends a write request to the WAL
func (w *WAL) Append(req *types.WriteRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(WALEntry{
		Timestamp: time.Now(),
		Series:    req.Series,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

// Flush flushes the WAL to disk
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}

	return nil
}

func (w *WAL) autoFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if err := w.flushLocked(); err != nil {
		w.l.Warn("Periodic flush failed", zap.Error(err))
	}
	w.flushTimer.Reset(time.Second)
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	w.flushTimer.Stop()

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}

	return w.file.Close()
}

// ReplayWAL passes every logged request under dataPath/wal to handler,
// oldest file first, and removes the replayed files.
func ReplayWAL(dataPath string, handler func(*types.WriteRequest) error) (int, error) {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var total int
	for _, name := range names {
		filename := filepath.Join(walPath, name)
		n, err := replayWALFile(filename, handler)
		total += n
		if err != nil {
			return total, fmt.Errorf("failed to replay %s: %w", filename, err)
		}

		if err := os.Remove(filename); err != nil {
			return total, err
		}
	}

	return total, nil
}

func replayWALFile(filename string, handler func(*types.WriteRequest) error) (int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	var n int
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return n, fmt.Errorf("failed to unmarshal WAL entry: %w", err)
		}

		if err := handler(&types.WriteRequest{Series: entry.Series}); err != nil {
			return n, fmt.Errorf("failed to replay entry: %w", err)
		}
		n++
	}

	return n, scanner.Err()
}

// Writer is where a BatchWriter flushes to.
type Writer interface {
	Write(ctx context.Context, req *types.WriteRequest) error
}

// BatchWriter buffers writes for batch processing
type BatchWriter struct {
	l          *zap.Logger
	w          Writer
	wal        *WAL
	buffer     []*types.WriteRequest
	bufferSize int
	interval   time.Duration
	mu         sync.Mutex
	flushTimer *time.Timer
	closed     bool
}

// NewBatchWriter creates a batch writer flushing to w when bufferSize
// requests are buffered or interval has passed. wal may be nil.
func NewBatchWriter(w Writer, wal *WAL, bufferSize int, interval time.Duration, l *zap.Logger) *BatchWriter {
	bw := &BatchWriter{
		l:          l.Named("batch"),
		w:          w,
		wal:        wal,
		buffer:     make([]*types.WriteRequest, 0, bufferSize),
		bufferSize: bufferSize,
		interval:   interval,
	}

	bw.flushTimer = time.AfterFunc(interval, bw.autoFlush)

	return bw
}

// Write buffers a write request
func (bw *BatchWriter) Write(ctx context.Context, req *types.WriteRequest) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return fmt.Errorf("batch writer closed")
	}

	// WAL first for durability
	if bw.wal != nil {
		if err := bw.wal.Append(req); err != nil {
			return fmt.Errorf("WAL append failed: %w", err)
		}
	}

	bw.buffer = append(bw.buffer, req)

	if len(bw.buffer) >= bw.bufferSize {
		return bw.flushLocked(ctx)
	}

	return nil
}

// Flush flushes the buffer
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked(ctx)
}

func (bw *BatchWriter) flushLocked(ctx context.Context) error {
	if len(bw.buffer) == 0 {
		return nil
	}

	// one series per stream, in first-seen order
	var batch types.WriteRequest
	byStream := make(map[uuid.UUID]int)
	for _, req := range bw.buffer {
		for _, series := range req.Series {
			i, ok := byStream[series.Stream.UUID]
			if !ok {
				byStream[series.Stream.UUID] = len(batch.Series)
				batch.Series = append(batch.Series, types.Series{Stream: series.Stream})
				i = len(batch.Series) - 1
			}
			batch.Series[i].Stream = series.Stream
			batch.Series[i].Samples = append(batch.Series[i].Samples, series.Samples...)
		}
	}

	if err := bw.w.Write(ctx, &batch); err != nil {
		return fmt.Errorf("batch write failed: %w", err)
	}

	bw.l.Debug("Flushed batch", zap.Int("requests", len(bw.buffer)), zap.Int("streams", len(batch.Series)))
	bw.buffer = bw.buffer[:0]

	return nil
}

func (bw *BatchWriter) autoFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}
	if err := bw.flushLocked(context.Background()); err != nil {
		bw.l.Error("Periodic flush failed", zap.Error(err))
	}
	bw.flushTimer.Reset(bw.interval)
}

// Close flushes what is buffered and stops the writer.
func (bw *BatchWriter) Close(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return nil
	}
	bw.closed = true
	bw.flushTimer.Stop()

	return bw.flushLocked(ctx)
}

// check interfaces
var (
	_ Writer = (*BatchWriter)(nil)
	_ Writer = (Storage)(nil)
)
