package storage

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

// Compressor handles column compression for recorded series
type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewCompressor creates a new compressor. Levels run from 1 (fastest) to
// 4 (best compression).
func NewCompressor(level int) (*Compressor, error) {
	encLevel := zstd.SpeedDefault
	switch level {
	case 1:
		encLevel = zstd.SpeedFastest
	case 2:
		encLevel = zstd.SpeedDefault
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

// CompressTimestamps compresses millisecond timestamps using
// delta-of-delta varints + zstd. Frames arrive at a near-constant rate so
// most deltas-of-deltas are tiny.
func (c *Compressor) CompressTimestamps(timestamps []int64) ([]byte, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}

	buf := make([]byte, 0, len(timestamps)*2+binary.MaxVarintLen64)
	buf = binary.AppendVarint(buf, timestamps[0])

	var prevDelta int64
	for i := 1; i < len(timestamps); i++ {
		delta := timestamps[i] - timestamps[i-1]
		buf = binary.AppendVarint(buf, delta-prevDelta)
		prevDelta = delta
	}

	return c.encoder.EncodeAll(buf, nil), nil
}

// DecompressTimestamps reverses CompressTimestamps
func (c *Compressor) DecompressTimestamps(data []byte, count int) ([]int64, error) {
	if count == 0 {
		return nil, nil
	}

	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}

	timestamps := make([]int64, count)
	var prevDelta int64
	for i := 0; i < count; i++ {
		v, n := binary.Varint(raw)
		if n <= 0 {
			return nil, fmt.Errorf("corrupt timestamp column at %d", i)
		}
		raw = raw[n:]

		if i == 0 {
			timestamps[0] = v
			continue
		}
		delta := v + prevDelta
		timestamps[i] = timestamps[i-1] + delta
		prevDelta = delta
	}

	return timestamps, nil
}

// CompressValues compresses one float32 column using XOR encoding + zstd.
// Joint positions and rotation cells change slowly between frames, so the
// XOR of consecutive values is mostly zero bits.
func (c *Compressor) CompressValues(values []float32) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}

	buf := make([]byte, 4*len(values))
	var prev uint32
	for i, v := range values {
		bits := math.Float32bits(v)
		binary.LittleEndian.PutUint32(buf[4*i:], bits^prev)
		prev = bits
	}

	return c.encoder.EncodeAll(buf, nil), nil
}

// DecompressValues reverses CompressValues
func (c *Compressor) DecompressValues(data []byte, count int) ([]float32, error) {
	if count == 0 {
		return nil, nil
	}

	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if len(raw) != 4*count {
		return nil, fmt.Errorf("value column has %d bytes, want %d", len(raw), 4*count)
	}

	values := make([]float32, count)
	var prev uint32
	for i := range values {
		bits := binary.LittleEndian.Uint32(raw[4*i:]) ^ prev
		values[i] = math.Float32frombits(bits)
		prev = bits
	}

	return values, nil
}

// CompressBytes compresses a raw byte column such as confidence classes
func (c *Compressor) CompressBytes(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	return c.encoder.EncodeAll(data, nil)
}

// DecompressBytes reverses CompressBytes
func (c *Compressor) DecompressBytes(data []byte, count int) ([]byte, error) {
	if count == 0 {
		return nil, nil
	}
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if len(raw) != count {
		return nil, fmt.Errorf("byte column has %d bytes, want %d", len(raw), count)
	}
	return raw, nil
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
