package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/internal/config"
	"github.com/vjranagit/mocap/internal/logging"
	"github.com/vjranagit/mocap/pkg/capture"
	"github.com/vjranagit/mocap/pkg/export"
	"github.com/vjranagit/mocap/pkg/sensor"
)

var logLevel string
var inputPath string
var outputDir string
var compression int
var fps float64
var nearest bool

func init() {
	flag.StringVar(&logLevel, "logLevel", "info", "set log level")
	flag.StringVar(&inputPath, "input", "", "frame dump to replay (.jsonl or .jsonl.zst)")
	flag.StringVar(&outputDir, "output", "data", "export directory")
	flag.IntVar(&compression, "compression", 0, "zstd level for exported files, 0 for plain text")
	flag.Float64Var(&fps, "fps", 30, "frame rate the dump was captured at")
	flag.BoolVar(&nearest, "nearest", false, "record only the body nearest the sensor in the first frame")
	flag.Parse()
}

func newProgressBar(total int) *pb.ProgressBar {
	template := `{{ string . "prefix" }} {{counters . "%s/%s" "%s/?"}} {{bar . }} {{percent . "%.03f%%" "?"}} {{etime . "%s elapsed"}} {{rtime . "%s remain" "%s total" "???"}}`
	return pb.ProgressBarTemplate(template).Start(total)
}

// frameClock advances by one frame period per call
func frameClock(start time.Time, fps float64) func() time.Time {
	period := time.Duration(float64(time.Second) / fps)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := start.Add(time.Duration(n) * period)
		n++
		return t
	}
}

func main() {
	logger, err := logging.New(config.LogConfig{Level: logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if inputPath == "" || fps <= 0 {
		logger.Error("input must be provided and fps must be positive")
		os.Exit(1)
	}

	replay, err := sensor.Open(inputPath, sensor.WithFrameRate(0), sensor.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to open frame dump", zap.Error(err))
		os.Exit(1)
	}

	frames, err := replay.Frames()
	if err != nil {
		logger.Error("Failed to read frame dump", zap.Error(err))
		os.Exit(1)
	}
	if len(frames) == 0 {
		logger.Warn("Frame dump is empty; nothing to record")
		return
	}

	writer, err := export.NewWriter(&export.Config{Dir: outputDir, Delimiter: ';', Compression: compression}, logger)
	if err != nil {
		logger.Error("Invalid export settings", zap.Error(err))
		os.Exit(1)
	}

	session := capture.NewSession(capture.WithSink(writer), capture.WithLogger(logger))
	processor := capture.NewProcessor(session, nil,
		capture.WithProcessorLogger(logger),
		capture.WithProcessorClock(frameClock(time.Now(), fps)))

	if nearest {
		if id, ok := processor.SelectNearest(frames[0]); ok {
			logger.Info("Recording nearest body", zap.Int("tracking_id", id))
		} else {
			logger.Warn("No body in range in the first frame; recording the first tracked body")
		}
	}

	if _, err := session.Start(); err != nil {
		logger.Error("Failed to start recording", zap.Error(err))
		os.Exit(1)
	}

	bar := newProgressBar(len(frames))
	bar.Set("prefix", "Replay")
	for _, frame := range frames {
		processor.Process(frame)
		bar.Increment()
	}
	bar.Finish()

	stats := processor.Stats()
	logger.Info("Replay finished",
		zap.Uint64("frames", stats.Frames),
		zap.Uint64("recorded_frames", stats.Recorded),
		zap.Uint64("samples", stats.Samples))

	report, err := session.Stop(context.Background())
	if err != nil {
		logger.Error("Export failed", zap.Error(err))
		for _, f := range report.Failed {
			logger.Error("Series not written", zap.String("series", f.Series), zap.Error(f.Err))
		}
		os.Exit(1)
	}

	logger.Info("Export finished", zap.String("dir", outputDir), zap.Int("files", len(report.Written)))
}
