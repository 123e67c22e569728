package archive

import (
	"bytes"
	"slices"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/vjranagit/tsplot/pkg/types"
)

// nameTag is the pseudo-tag matching a stream's name in selectors.
const nameTag = "name"

// StreamInfo is the indexed state of one stream.
type StreamInfo struct {
	types.StreamMeta
	MinTime int64 `json:"min_time"`
	MaxTime int64 `json:"max_time"`
	Samples int64 `json:"samples"`
}

// Index manages stream metadata with an inverted tag index.
type Index struct {
	mu      sync.RWMutex
	streams map[uuid.UUID]*StreamInfo
	prints  map[uuid.UUID]uint64
	// tag name -> tag value -> streams
	tags map[string]map[string][]uuid.UUID
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{
		streams: make(map[uuid.UUID]*StreamInfo),
		prints:  make(map[uuid.UUID]uint64),
		tags:    make(map[string]map[string][]uuid.UUID),
	}
}

// AddStream registers meta, replacing the stream's name and tags if they
// changed. It reports whether the index was modified.
func (idx *Index) AddStream(meta types.StreamMeta) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	fp := Fingerprint(meta)
	info, exists := idx.streams[meta.UUID]
	if exists && idx.prints[meta.UUID] == fp {
		return false
	}

	if exists {
		idx.unindexLocked(info)
		info.StreamMeta = meta
	} else {
		info = &StreamInfo{StreamMeta: meta}
		idx.streams[meta.UUID] = info
	}
	idx.prints[meta.UUID] = fp
	idx.indexLocked(info)

	return true
}

// restore adds a previously persisted stream.
func (idx *Index) restore(info StreamInfo) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	i := info
	idx.streams[info.UUID] = &i
	idx.prints[info.UUID] = Fingerprint(info.StreamMeta)
	idx.indexLocked(&i)
}

func (idx *Index) indexLocked(info *StreamInfo) {
	idx.addTagLocked(nameTag, info.Name, info.UUID)
	for name, value := range info.Tags {
		idx.addTagLocked(name, value, info.UUID)
	}
}

func (idx *Index) unindexLocked(info *StreamInfo) {
	idx.removeTagLocked(nameTag, info.Name, info.UUID)
	for name, value := range info.Tags {
		idx.removeTagLocked(name, value, info.UUID)
	}
}

func (idx *Index) addTagLocked(name, value string, id uuid.UUID) {
	if idx.tags[name] == nil {
		idx.tags[name] = make(map[string][]uuid.UUID)
	}
	idx.tags[name][value] = append(idx.tags[name][value], id)
}

func (idx *Index) removeTagLocked(name, value string, id uuid.UUID) {
	ids := idx.tags[name][value]
	if i := slices.Index(ids, id); i >= 0 {
		idx.tags[name][value] = slices.Delete(ids, i, i+1)
	}
}

// Get returns a copy of the stream's indexed state.
func (idx *Index) Get(id uuid.UUID) (StreamInfo, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	info, ok := idx.streams[id]
	if !ok {
		return StreamInfo{}, false
	}
	return *info, true
}

// Find returns the streams matching every selector, sorted by UUID. The
// "name" selector matches stream names. No selectors match all streams.
func (idx *Index) Find(selectors map[string]string) []uuid.UUID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var result []uuid.UUID
	if len(selectors) == 0 {
		result = make([]uuid.UUID, 0, len(idx.streams))
		for id := range idx.streams {
			result = append(result, id)
		}
		sortUUIDs(result)
		return result
	}

	first := true
	for name, value := range selectors {
		ids := idx.tags[name][value]
		if len(ids) == 0 {
			return nil
		}

		if first {
			result = append([]uuid.UUID(nil), ids...)
			sortUUIDs(result)
			first = false
		} else {
			result = intersect(result, ids)
		}

		if len(result) == 0 {
			return nil
		}
	}

	return result
}

// UpdateTimeRange extends the time range of a stream by n samples in [minTime, maxTime].
func (idx *Index) UpdateTimeRange(id uuid.UUID, minTime, maxTime, n int64) (StreamInfo, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	info, ok := idx.streams[id]
	if !ok {
		return StreamInfo{}, false
	}

	if info.Samples == 0 || minTime < info.MinTime {
		info.MinTime = minTime
	}
	if info.Samples == 0 || maxTime > info.MaxTime {
		info.MaxTime = maxTime
	}
	info.Samples += n

	return *info, true
}

// StreamCount returns the number of indexed streams
func (idx *Index) StreamCount() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.streams)
}

// Fingerprint hashes a stream's name and tags.
func Fingerprint(meta types.StreamMeta) uint64 {
	keys := make([]string, 0, len(meta.Tags))
	for k := range meta.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	d.WriteString(meta.Name)
	for _, k := range keys {
		d.Write([]byte{0})
		d.WriteString(k)
		d.Write([]byte{0})
		d.WriteString(meta.Tags[k])
	}
	return d.Sum64()
}

func sortUUIDs(ids []uuid.UUID) {
	slices.SortFunc(ids, compareUUID)
}

func compareUUID(a, b uuid.UUID) int {
	return bytes.Compare(a[:], b[:])
}

// intersect returns the elements of sorted a that are in b, sorted.
func intersect(a, b []uuid.UUID) []uuid.UUID {
	b = append([]uuid.UUID(nil), b...)
	sortUUIDs(b)

	result := make([]uuid.UUID, 0)
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		switch c := compareUUID(a[i], b[j]); {
		case c < 0:
			i++
		case c > 0:
			j++
		default:
			result = append(result, a[i])
			i++
			j++
		}
	}

	return result
}
