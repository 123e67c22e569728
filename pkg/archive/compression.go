package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/klauspost/compress/zstd"

	"github.com/vjranagit/tsplot/pkg/types"
)

var errCorruptBlock = errors.New("corrupt block")

// Compressor encodes sample blocks: delta-of-delta timestamps and XOR'd
// float bits, both varint-packed, then zstd.
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a new compressor. Level 1 is fastest, 4 compresses best.
func NewCompressor(level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 3:
		encLevel = zstd.SpeedBetterCompression
	case 4:
		encLevel = zstd.SpeedBestCompression
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
	}, nil
}

// CompressBlock encodes samples, which must be sorted by time.
func (c *Compressor) CompressBlock(samples []types.Sample) []byte {
	buf := make([]byte, 0, 4+len(samples)*4)
	buf = binary.AppendUvarint(buf, uint64(len(samples)))

	var prevTime, prevDelta int64
	for i, s := range samples {
		if i == 0 {
			buf = binary.AppendVarint(buf, s.Time)
		} else {
			delta := s.Time - prevTime
			buf = binary.AppendVarint(buf, delta-prevDelta)
			prevDelta = delta
		}
		prevTime = s.Time
	}

	// XOR of similar floats has mostly trailing zeros; reversed they pack small
	var prevBits uint64
	for _, s := range samples {
		b := math.Float64bits(s.Value)
		buf = binary.AppendUvarint(buf, bits.Reverse64(b^prevBits))
		prevBits = b
	}

	return c.encoder.EncodeAll(buf, nil)
}

// DecompressBlock decodes a block produced by CompressBlock.
func (c *Compressor) DecompressBlock(data []byte) ([]types.Sample, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}

	count, n := binary.Uvarint(raw)
	if n <= 0 || count > uint64(len(raw)) {
		return nil, errCorruptBlock
	}
	raw = raw[n:]

	samples := make([]types.Sample, count)

	var prevTime, prevDelta int64
	for i := range samples {
		v, n := binary.Varint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("%w: timestamp %d", errCorruptBlock, i)
		}
		raw = raw[n:]

		if i == 0 {
			samples[i].Time = v
		} else {
			prevDelta += v
			samples[i].Time = prevTime + prevDelta
		}
		prevTime = samples[i].Time
	}

	var prevBits uint64
	for i := range samples {
		x, n := binary.Uvarint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("%w: value %d", errCorruptBlock, i)
		}
		raw = raw[n:]

		prevBits ^= bits.Reverse64(x)
		samples[i].Value = math.Float64frombits(prevBits)
	}

	return samples, nil
}

// Close closes the compressor resources
func (c *Compressor) Close() {
	if c.encoder != nil {
		c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
