// Package sensor provides frame sources for the capture pipeline.
package sensor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/pkg/types"
)

// ErrUnavailable is returned when no sensor or frame dump can be opened
var ErrUnavailable = errors.New("sensor unavailable")

// Source delivers skeleton frames one at a time
type Source interface {
	Run(ctx context.Context, fn func(*types.Frame)) error
}

// Replay plays back a JSON-lines frame dump, optionally zstd-compressed
type Replay struct {
	path   string
	rate   float64
	loop   bool
	logger *zap.Logger
}

// Option configures a Replay
type Option func(*Replay)

// WithFrameRate sets the delivery rate in frames per second. Zero delivers
// frames as fast as the callback returns.
func WithFrameRate(fps float64) Option {
	return func(r *Replay) {
		r.rate = fps
	}
}

// WithLoop restarts the dump from the beginning when it ends
func WithLoop(loop bool) Option {
	return func(r *Replay) {
		r.loop = loop
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(r *Replay) {
		r.logger = l
	}
}

// Open checks that the dump exists
func Open(path string, opts ...Option) (*Replay, error) {
	if path == "" {
		return nil, ErrUnavailable
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrUnavailable)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory: %w", path, ErrUnavailable)
	}

	r := &Replay{
		path:   path,
		rate:   30,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.rate < 0 {
		return nil, fmt.Errorf("frame rate must not be negative")
	}
	return r, nil
}

// Path returns the dump location
func (r *Replay) Path() string {
	return r.path
}

// open returns a decoder over the dump and a function releasing it
func (r *Replay) open() (*json.Decoder, func(), error) {
	f, err := os.Open(r.path)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", r.path, ErrUnavailable)
	}

	var src io.Reader = bufio.NewReader(f)
	release := func() { f.Close() }

	if strings.HasSuffix(r.path, ".zst") {
		dec, err := zstd.NewReader(src)
		if err != nil {
			f.Close()
			return nil, nil, fmt.Errorf("failed to create decoder: %w", err)
		}
		src = dec
		release = func() {
			dec.Close()
			f.Close()
		}
	}

	return json.NewDecoder(src), release, nil
}

// Frames reads the whole dump
func (r *Replay) Frames() ([]*types.Frame, error) {
	dec, release, err := r.open()
	if err != nil {
		return nil, err
	}
	defer release()

	var frames []*types.Frame
	for {
		frame, err := decodeFrame(dec, int64(len(frames)+1))
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}
		frames = append(frames, frame)
	}
}

// Run delivers frames serially to fn until the dump ends or ctx is done.
// fn is never called concurrently.
func (r *Replay) Run(ctx context.Context, fn func(*types.Frame)) error {
	var tick <-chan time.Time
	if r.rate > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / r.rate))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		n, err := r.playOnce(ctx, tick, fn)
		if err != nil {
			return err
		}
		r.logger.Debug("Replay finished", zap.String("path", r.path), zap.Int64("frames", n))
		if !r.loop || n == 0 {
			return nil
		}
	}
}

func (r *Replay) playOnce(ctx context.Context, tick <-chan time.Time, fn func(*types.Frame)) (int64, error) {
	dec, release, err := r.open()
	if err != nil {
		return 0, err
	}
	defer release()

	var n int64
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return n, ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return n, err
		}

		frame, err := decodeFrame(dec, n+1)
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
		fn(frame)
	}
}

// decodeFrame reads the next frame, numbering it when the dump does not
func decodeFrame(dec *json.Decoder, number int64) (*types.Frame, error) {
	var frame types.Frame
	if err := dec.Decode(&frame); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to decode frame %d: %w", number, err)
	}
	if frame.Number == 0 {
		frame.Number = number
	}
	return &frame, nil
}
