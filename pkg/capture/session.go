package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/pkg/topology"
	"github.com/vjranagit/mocap/pkg/types"
)

var (
	// ErrNotRecording is returned when stopping an idle session
	ErrNotRecording = errors.New("session is not recording")
	// ErrAlreadyRecording is returned by Start while a recording is running.
	// The running recording is left untouched.
	ErrAlreadyRecording = errors.New("session is already recording")
)

// Sink persists a finished recording
type Sink interface {
	Export(ctx context.Context, rec *types.Recording) (*types.ExportReport, error)
}

// Journal receives every appended sample so an interrupted recording can
// be recovered
type Journal interface {
	Begin(id string, startedAt time.Time) error
	AppendJoint(id string, joint types.JointType, sample types.JointSample) error
	AppendBone(id string, bone topology.Bone, sample types.BoneSample) error
	Commit(id string) error
}

// JointEntry is one joint sample of a frame batch
type JointEntry struct {
	Joint  types.JointType
	Sample types.JointSample
}

// BoneEntry is one bone sample of a frame batch. Index is the bone's
// position in the topology table.
type BoneEntry struct {
	Index  int
	Sample types.BoneSample
}

// Batch holds the samples produced by one frame
type Batch struct {
	Joints []JointEntry
	Bones  []BoneEntry
}

// Len returns the number of samples in the batch
func (b *Batch) Len() int {
	return len(b.Joints) + len(b.Bones)
}

// Session owns the joint and bone series of a recording
type Session struct {
	mu        sync.Mutex
	recording bool
	id        string
	startedAt time.Time
	joints    [types.JointCount]*types.JointSeries
	bones     [topology.BoneCount]*types.BoneSeries
	pending   []*types.Recording

	sinks   []Sink
	journal Journal
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Session
type Option func(*Session)

// WithSink adds an export destination
func WithSink(sink Sink) Option {
	return func(s *Session) {
		s.sinks = append(s.sinks, sink)
	}
}

// WithJournal journals appended samples
func WithJournal(j Journal) Option {
	return func(s *Session) {
		s.journal = j
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates an idle session
func NewSession(opts ...Option) *Session {
	s := &Session{
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start allocates empty series for the whole topology and begins recording
func (s *Session) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.recording {
		return s.id, ErrAlreadyRecording
	}

	id := uuid.NewString()
	startedAt := s.now()

	if s.journal != nil {
		if err := s.journal.Begin(id, startedAt); err != nil {
			return "", fmt.Errorf("failed to begin journal: %w", err)
		}
	}

	for i, j := range topology.Joints() {
		s.joints[i] = &types.JointSeries{Joint: j}
	}
	for i, b := range topology.Bones() {
		s.bones[i] = &types.BoneSeries{Start: b.Start, End: b.End}
	}

	s.id = id
	s.startedAt = startedAt
	s.recording = true

	s.logger.Info("Recording started", zap.String("recording", id))
	return id, nil
}

// Recording reports whether the session is recording
func (s *Session) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// ID returns the running recording's identifier, or "" when idle
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return ""
	}
	return s.id
}

// Append adds a frame batch to the series. It returns false and drops the
// batch when the session is idle.
func (s *Session) Append(b *Batch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.recording {
		return false
	}

	for _, e := range b.Joints {
		idx, ok := topology.JointIndex(e.Joint)
		if !ok {
			continue
		}
		series := s.joints[idx]
		series.Samples = append(series.Samples, e.Sample)

		if s.journal != nil {
			if err := s.journal.AppendJoint(s.id, e.Joint, e.Sample); err != nil {
				s.logger.Warn("Journal append failed", zap.String("series", series.Key()), zap.Error(err))
			}
		}
	}

	for _, e := range b.Bones {
		if e.Index < 0 || e.Index >= topology.BoneCount {
			continue
		}
		series := s.bones[e.Index]
		series.Samples = append(series.Samples, e.Sample)

		if s.journal != nil {
			if err := s.journal.AppendBone(s.id, topology.BoneAt(e.Index), e.Sample); err != nil {
				s.logger.Warn("Journal append failed", zap.String("series", series.Key()), zap.Error(err))
			}
		}
	}

	return true
}

// Stats returns the sample count of every non-empty series
func (s *Session) Stats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]int)
	if !s.recording {
		return stats
	}
	for _, series := range s.joints {
		if n := len(series.Samples); n > 0 {
			stats[series.Key()] = n
		}
	}
	for _, series := range s.bones {
		if n := len(series.Samples); n > 0 {
			stats[series.Key()] = n
		}
	}
	return stats
}

// Stop ends the recording and exports every non-empty series. The session
// is idle before the export starts. Series that fail to export are kept
// and can be retried with RetryPending.
func (s *Session) Stop(ctx context.Context) (*types.ExportReport, error) {
	s.mu.Lock()
	if !s.recording {
		s.mu.Unlock()
		return nil, ErrNotRecording
	}
	rec := s.drainLocked()
	s.mu.Unlock()

	s.logger.Info("Recording stopped",
		zap.String("recording", rec.ID),
		zap.Int("joint_series", len(rec.Joints)),
		zap.Int("bone_series", len(rec.Bones)),
		zap.Int("samples", rec.SampleCount()))

	return s.export(ctx, rec)
}

// drainLocked moves the non-empty series into a Recording and resets the
// session to idle (must hold lock)
func (s *Session) drainLocked() *types.Recording {
	rec := &types.Recording{
		ID:        s.id,
		StartedAt: s.startedAt,
		StoppedAt: s.now(),
	}

	for i, series := range s.joints {
		if len(series.Samples) > 0 {
			rec.Joints = append(rec.Joints, series)
		}
		s.joints[i] = nil
	}
	for i, series := range s.bones {
		if len(series.Samples) > 0 {
			rec.Bones = append(rec.Bones, series)
		}
		s.bones[i] = nil
	}

	s.recording = false
	s.id = ""
	s.startedAt = time.Time{}

	return rec
}

// export runs the recording through every sink
func (s *Session) export(ctx context.Context, rec *types.Recording) (*types.ExportReport, error) {
	report := &types.ExportReport{RecordingID: rec.ID}

	var errs error
	keepAll := false
	for _, sink := range s.sinks {
		r, err := sink.Export(ctx, rec)
		report.Merge(r)
		errs = multierr.Append(errs, err)

		// a sink that fails without naming series may have lost any of them
		if err != nil && (r == nil || len(r.Failed) == 0) {
			keepAll = true
		}
	}

	if errs != nil || len(report.Failed) > 0 {
		failed := rec
		if !keepAll {
			failed = rec.Subset(report.FailedSeries())
		}

		s.mu.Lock()
		s.pending = append(s.pending, failed)
		s.mu.Unlock()

		for _, f := range report.Failed {
			s.logger.Error("Series export failed",
				zap.String("recording", rec.ID),
				zap.String("series", f.Series),
				zap.Error(f.Err))
		}
		return report, errs
	}

	if s.journal != nil {
		if err := s.journal.Commit(rec.ID); err != nil {
			return report, fmt.Errorf("failed to commit journal: %w", err)
		}
	}

	s.logger.Info("Recording exported",
		zap.String("recording", rec.ID),
		zap.Int("files", len(report.Written)))

	return report, nil
}

// Pending returns the recordings whose export has not succeeded yet
func (s *Session) Pending() []*types.Recording {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*types.Recording, len(s.pending))
	copy(out, s.pending)
	return out
}

// RetryPending re-exports every pending recording
func (s *Session) RetryPending(ctx context.Context) (*types.ExportReport, error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	report := &types.ExportReport{}
	var errs error
	for _, rec := range pending {
		r, err := s.export(ctx, rec)
		report.Merge(r)
		errs = multierr.Append(errs, err)
	}
	return report, errs
}

// Recover exports a recording rebuilt from the journal
func (s *Session) Recover(ctx context.Context, rec *types.Recording) (*types.ExportReport, error) {
	if rec.Empty() {
		if s.journal != nil {
			return &types.ExportReport{RecordingID: rec.ID}, s.journal.Commit(rec.ID)
		}
		return &types.ExportReport{RecordingID: rec.ID}, nil
	}
	s.logger.Info("Recovering recording", zap.String("recording", rec.ID), zap.Int("samples", rec.SampleCount()))
	return s.export(ctx, rec)
}
