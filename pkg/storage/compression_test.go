package storage

import (
	"math"
	"testing"
	"time"
)

func TestCompressTimestamps(t *testing.T) {
	comp, err := NewCompressor(2)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	defer comp.Close()

	// ~30 fps with jitter
	now := time.Now().UnixMilli()
	timestamps := make([]int64, 300)
	for i := range timestamps {
		timestamps[i] = now + int64(i*33) + int64(i%3)
	}

	compressed, err := comp.CompressTimestamps(timestamps)
	if err != nil {
		t.Fatalf("Compression failed: %v", err)
	}

	originalSize := len(timestamps) * 8
	if len(compressed) >= originalSize {
		t.Errorf("Compression ineffective: original=%d, compressed=%d",
			originalSize, len(compressed))
	}

	decompressed, err := comp.DecompressTimestamps(compressed, len(timestamps))
	if err != nil {
		t.Fatalf("Decompression failed: %v", err)
	}

	if len(decompressed) != len(timestamps) {
		t.Fatalf("Length mismatch: expected %d, got %d",
			len(timestamps), len(decompressed))
	}

	for i := range timestamps {
		if timestamps[i] != decompressed[i] {
			t.Errorf("Timestamp mismatch at %d: expected %d, got %d",
				i, timestamps[i], decompressed[i])
		}
	}
}

func TestCompressValues(t *testing.T) {
	comp, err := NewCompressor(2)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	defer comp.Close()

	// a slowly swinging joint coordinate
	values := make([]float32, 100)
	for i := range values {
		values[i] = 1.2 + float32(math.Sin(float64(i)*0.1))*0.3
	}
	values[50] = float32(math.NaN())

	compressed, err := comp.CompressValues(values)
	if err != nil {
		t.Fatalf("Compression failed: %v", err)
	}

	decompressed, err := comp.DecompressValues(compressed, len(values))
	if err != nil {
		t.Fatalf("Decompression failed: %v", err)
	}

	if len(decompressed) != len(values) {
		t.Fatalf("Length mismatch: expected %d, got %d",
			len(values), len(decompressed))
	}

	for i := range values {
		if math.Float32bits(values[i]) != math.Float32bits(decompressed[i]) {
			t.Errorf("Value mismatch at %d: expected %f, got %f",
				i, values[i], decompressed[i])
		}
	}
}

func TestDecompressValuesWrongCount(t *testing.T) {
	comp, err := NewCompressor(1)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	defer comp.Close()

	compressed, _ := comp.CompressValues([]float32{1, 2, 3})
	if _, err := comp.DecompressValues(compressed, 4); err == nil {
		t.Error("Expected error for mismatched count")
	}
}

func TestCompressBytes(t *testing.T) {
	comp, err := NewCompressor(3)
	if err != nil {
		t.Fatalf("Failed to create compressor: %v", err)
	}
	defer comp.Close()

	classes := []byte{1, 1, 1, 2, 3, 1, 0}
	got, err := comp.DecompressBytes(comp.CompressBytes(classes), len(classes))
	if err != nil {
		t.Fatalf("Decompression failed: %v", err)
	}
	if string(got) != string(classes) {
		t.Errorf("Expected %v, got %v", classes, got)
	}

	if out := comp.CompressBytes(nil); out != nil {
		t.Errorf("Expected nil for empty input, got %v", out)
	}
}

func TestCompressionLevels(t *testing.T) {
	testCases := []struct {
		level       int
		description string
	}{
		{1, "fastest"},
		{2, "default"},
		{3, "better"},
		{4, "best"},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			comp, err := NewCompressor(tc.level)
			if err != nil {
				t.Fatalf("Failed to create compressor at level %d: %v",
					tc.level, err)
			}
			defer comp.Close()

			values := []float32{1.0, 2.0, 3.0, 4.0, 5.0}
			compressed, err := comp.CompressValues(values)
			if err != nil {
				t.Fatalf("Compression failed: %v", err)
			}

			decompressed, err := comp.DecompressValues(compressed, len(values))
			if err != nil {
				t.Fatalf("Decompression failed: %v", err)
			}

			for i := range values {
				if values[i] != decompressed[i] {
					t.Errorf("Mismatch at index %d", i)
				}
			}
		})
	}
}

func BenchmarkCompressTimestamps(b *testing.B) {
	comp, _ := NewCompressor(2)
	defer comp.Close()

	now := time.Now().UnixMilli()
	timestamps := make([]int64, 1000)
	for i := range timestamps {
		timestamps[i] = now + int64(i*33)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = comp.CompressTimestamps(timestamps)
	}
}

func BenchmarkCompressValues(b *testing.B) {
	comp, _ := NewCompressor(2)
	defer comp.Close()

	values := make([]float32, 1000)
	for i := range values {
		values[i] = 1.0 + float32(math.Sin(float64(i)*0.1))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = comp.CompressValues(values)
	}
}
