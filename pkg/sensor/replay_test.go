package sensor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/vjranagit/mocap/pkg/types"
)

func writeDump(t *testing.T, path string, n int, compress bool) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var enc *json.Encoder
	var zw *zstd.Encoder
	if compress {
		zw, err = zstd.NewWriter(f)
		if err != nil {
			t.Fatal(err)
		}
		enc = json.NewEncoder(zw)
	} else {
		enc = json.NewEncoder(f)
	}

	for i := 0; i < n; i++ {
		frame := types.Frame{
			Skeletons: []types.Skeleton{{
				TrackingID: 7,
				State:      types.SkeletonTracked,
				Joints: []types.Joint{
					{Type: types.Head, Position: mgl32.Vec3{0, 1, float32(i)}, State: types.Tracked},
				},
			}},
			FloorClipPlane: mgl32.Vec4{0, 1, 0, 0.8},
		}
		if err := enc.Encode(frame); err != nil {
			t.Fatal(err)
		}
	}

	if zw != nil {
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestOpenMissingDump(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.jsonl"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable, got %v", err)
	}

	if _, err := Open(""); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable for empty path, got %v", err)
	}

	if _, err := Open(t.TempDir()); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Expected ErrUnavailable for directory, got %v", err)
	}
}

func TestReplayFrames(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "frames.jsonl"
		if compress {
			name += ".zst"
		}
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			writeDump(t, path, 5, compress)

			replay, err := Open(path)
			if err != nil {
				t.Fatalf("Failed to open: %v", err)
			}

			frames, err := replay.Frames()
			if err != nil {
				t.Fatalf("Failed to read frames: %v", err)
			}
			if len(frames) != 5 {
				t.Fatalf("Expected 5 frames, got %d", len(frames))
			}
			for i, f := range frames {
				if f.Number != int64(i+1) {
					t.Errorf("Frame %d numbered %d", i, f.Number)
				}
				head := f.Skeletons[0].Joint(types.Head)
				if head.State != types.Tracked || head.Position.Z() != float32(i) {
					t.Errorf("Frame %d: unexpected head %+v", i, head)
				}
			}
		})
	}
}

func TestReplayRunSerial(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.jsonl")
	writeDump(t, path, 4, false)

	replay, err := Open(path, WithFrameRate(200))
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	var numbers []int64
	start := time.Now()
	if err := replay.Run(context.Background(), func(f *types.Frame) {
		numbers = append(numbers, f.Number)
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(numbers) != 4 {
		t.Fatalf("Expected 4 frames, got %v", numbers)
	}
	for i, n := range numbers {
		if n != int64(i+1) {
			t.Errorf("Frames out of order: %v", numbers)
			break
		}
	}
	// four ticks at 5ms
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("Frames delivered faster than the frame rate: %v", elapsed)
	}
}

func TestReplayRunCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.jsonl")
	writeDump(t, path, 3, false)

	replay, err := Open(path, WithFrameRate(0), WithLoop(true))
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	count := 0
	err = replay.Run(ctx, func(*types.Frame) {
		count++
		if count == 10 {
			cancel()
		}
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if count != 10 {
		t.Errorf("Expected looping to continue until cancel, got %d frames", count)
	}
}

func TestReplayCorruptDump(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("{\"number\":1}\n{not json"), 0644); err != nil {
		t.Fatal(err)
	}

	replay, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}

	frames, err := replay.Frames()
	if err == nil {
		t.Fatal("Expected decode error")
	}
	if len(frames) != 1 {
		t.Errorf("Expected the frame before the error, got %d", len(frames))
	}
}
