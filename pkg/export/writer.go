// Package export writes recorded series to delimited text files, one file
// per non-empty joint or bone series.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/pkg/types"
)

// Config holds export configuration
type Config struct {
	Dir       string
	Delimiter rune
	// Compression is 0 for plain files or a zstd level from 1 (fastest)
	// to 4 (best)
	Compression int
}

// DefaultConfig returns the default export configuration
func DefaultConfig() *Config {
	return &Config{
		Dir:       "data",
		Delimiter: ';',
	}
}

// Writer exports recordings to files
type Writer struct {
	cfg    *Config
	logger *zap.Logger
}

// NewWriter creates a file writer
func NewWriter(cfg *Config, logger *zap.Logger) (*Writer, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("export directory is required")
	}
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ';'
	}
	if cfg.Compression < 0 || cfg.Compression > 4 {
		return nil, fmt.Errorf("export compression must be between 0 and 4")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{cfg: cfg, logger: logger}, nil
}

// Export writes every series of rec. A failing series does not stop the
// others; failures are listed in the report and combined in the error.
func (w *Writer) Export(ctx context.Context, rec *types.Recording) (*types.ExportReport, error) {
	report := &types.ExportReport{RecordingID: rec.ID}
	if rec.Empty() {
		return report, nil
	}

	if err := os.MkdirAll(w.cfg.Dir, 0755); err != nil {
		err = fmt.Errorf("failed to create export directory: %w", err)
		for _, s := range rec.Joints {
			report.Failed = append(report.Failed, types.ExportFailure{Series: s.Key(), Err: err})
		}
		for _, s := range rec.Bones {
			report.Failed = append(report.Failed, types.ExportFailure{Series: s.Key(), Err: err})
		}
		return report, err
	}

	var errs error
	record := func(key, path string, err error) {
		if err != nil {
			report.Failed = append(report.Failed, types.ExportFailure{Series: key, Err: err})
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		report.Written = append(report.Written, path)
		w.logger.Debug("Series written", zap.String("series", key), zap.String("path", path))
	}

	for _, s := range rec.Joints {
		if err := ctx.Err(); err != nil {
			record(s.Key(), "", err)
			continue
		}
		path, err := w.WriteJoint(s)
		record(s.Key(), path, err)
	}

	for _, s := range rec.Bones {
		if err := ctx.Err(); err != nil {
			record(s.Key(), "", err)
			continue
		}
		path, err := w.WriteBone(s)
		record(s.Key(), path, err)
	}

	return report, errs
}

// WriteJoint writes one joint series and returns its path
func (w *Writer) WriteJoint(s *types.JointSeries) (string, error) {
	if len(s.Samples) == 0 {
		return "", fmt.Errorf("series %s is empty", s.Name())
	}
	return w.writeFile(JointFileName(s), func(cw *csv.Writer) error {
		if err := cw.Write(JointHeader()); err != nil {
			return err
		}
		for _, sample := range s.Samples {
			if err := cw.Write(JointRow(sample)); err != nil {
				return err
			}
		}
		return nil
	})
}

// WriteBone writes one bone series and returns its path
func (w *Writer) WriteBone(s *types.BoneSeries) (string, error) {
	if len(s.Samples) == 0 {
		return "", fmt.Errorf("series %s is empty", s.Name())
	}
	return w.writeFile(BoneFileName(s), func(cw *csv.Writer) error {
		if err := cw.Write(BoneHeader()); err != nil {
			return err
		}
		for _, sample := range s.Samples {
			if err := cw.Write(BoneRow(sample)); err != nil {
				return err
			}
		}
		return nil
	})
}

// writeFile writes to a temporary file and renames it into place once the
// content is synced
func (w *Writer) writeFile(name string, fill func(*csv.Writer) error) (string, error) {
	if w.cfg.Compression > 0 {
		name += ".zst"
	}
	path := filepath.Join(w.cfg.Dir, name)

	tmp, err := os.CreateTemp(w.cfg.Dir, "."+name+".*")
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := w.encode(tmp, fill); err != nil {
		tmp.Close()
		return "", err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close file: %w", err)
	}
	// CreateTemp uses 0600
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return "", fmt.Errorf("failed to set file mode: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to rename file: %w", err)
	}

	return path, nil
}

func (w *Writer) encode(dst io.Writer, fill func(*csv.Writer) error) error {
	var enc *zstd.Encoder
	if w.cfg.Compression > 0 {
		var err error
		enc, err = zstd.NewWriter(dst, zstd.WithEncoderLevel(zstd.EncoderLevel(w.cfg.Compression)))
		if err != nil {
			return fmt.Errorf("failed to create encoder: %w", err)
		}
		dst = enc
	}

	cw := csv.NewWriter(dst)
	cw.Comma = w.cfg.Delimiter

	if err := fill(cw); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush rows: %w", err)
	}

	if enc != nil {
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to finish compression: %w", err)
		}
	}
	return nil
}
