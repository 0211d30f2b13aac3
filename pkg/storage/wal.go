package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/pkg/topology"
	"github.com/vjranagit/mocap/pkg/types"
)

const flushInterval = time.Second

// Journal is a write-ahead log of running recordings. Each recording gets
// its own file, removed once the recording is exported.
type Journal struct {
	path       string
	mu         sync.Mutex
	files      map[string]*journalFile
	flushTimer *time.Timer
	closed     bool
	logger     *zap.Logger
}

type journalFile struct {
	file   *os.File
	writer *bufio.Writer
}

// JournalEntry is one line of a journal file
type JournalEntry struct {
	Kind      string             `json:"kind"`
	Recording string             `json:"recording"`
	StartedAt time.Time          `json:"started_at,omitempty"`
	Joint     *types.JointType   `json:"joint,omitempty"`
	JointData *types.JointSample `json:"joint_sample,omitempty"`
	Bone      *topology.Bone     `json:"bone,omitempty"`
	BoneData  *types.BoneSample  `json:"bone_sample,omitempty"`
}

const (
	entryBegin = "begin"
	entryJoint = "joint"
	entryBone  = "bone"
)

// NewJournal creates the journal directory under dataPath
func NewJournal(dataPath string, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	j := &Journal{
		path:   walPath,
		files:  make(map[string]*journalFile),
		logger: logger,
	}

	j.flushTimer = time.AfterFunc(flushInterval, j.autoFlush)

	return j, nil
}

func (j *Journal) fileName(id string) string {
	return filepath.Join(j.path, id+".log")
}

// Begin opens the journal file of a new recording
func (j *Journal) Begin(id string, startedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return errors.New("journal is closed")
	}
	if _, ok := j.files[id]; ok {
		return fmt.Errorf("recording %s already journaled", id)
	}

	file, err := os.OpenFile(j.fileName(id), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open WAL file: %w", err)
	}

	jf := &journalFile{file: file, writer: bufio.NewWriter(file)}
	j.files[id] = jf

	return j.writeLocked(jf, JournalEntry{Kind: entryBegin, Recording: id, StartedAt: startedAt})
}

// AppendJoint journals a joint sample
func (j *Journal) AppendJoint(id string, joint types.JointType, sample types.JointSample) error {
	return j.append(id, JournalEntry{Kind: entryJoint, Recording: id, Joint: &joint, JointData: &sample})
}

// AppendBone journals a bone sample
func (j *Journal) AppendBone(id string, bone topology.Bone, sample types.BoneSample) error {
	return j.append(id, JournalEntry{Kind: entryBone, Recording: id, Bone: &bone, BoneData: &sample})
}

func (j *Journal) append(id string, entry JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	jf, ok := j.files[id]
	if !ok {
		return fmt.Errorf("recording %s is not journaled", id)
	}
	return j.writeLocked(jf, entry)
}

// writeLocked writes one entry (must hold lock)
func (j *Journal) writeLocked(jf *journalFile, entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := jf.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := jf.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

// Commit discards the journal of an exported recording. It also removes
// files left by an earlier process.
func (j *Journal) Commit(id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if jf, ok := j.files[id]; ok {
		delete(j.files, id)
		if err := jf.file.Close(); err != nil {
			return fmt.Errorf("failed to close WAL file: %w", err)
		}
	}

	if err := os.Remove(j.fileName(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove WAL file: %w", err)
	}
	return nil
}

// Flush flushes every open journal file to disk
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.flushLocked()
}

// flushLocked flushes every file, continuing past failures (must hold lock)
func (j *Journal) flushLocked() error {
	var errs error
	for id, jf := range j.files {
		if err := jf.writer.Flush(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to flush WAL %s: %w", id, err))
			continue
		}
		if err := jf.file.Sync(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to sync WAL %s: %w", id, err))
		}
	}
	return errs
}

// autoFlush periodically flushes the journal
func (j *Journal) autoFlush() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return
	}
	if err := j.flushLocked(); err != nil {
		j.logger.Warn("Journal flush failed", zap.Error(err))
	}
	j.flushTimer.Reset(flushInterval)
}

// Close flushes and closes every open file. Files are kept on disk for
// recovery.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return nil
	}
	j.closed = true

	if j.flushTimer != nil {
		j.flushTimer.Stop()
	}

	err := j.flushLocked()
	for id, jf := range j.files {
		if cerr := jf.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(j.files, id)
	}
	return err
}

// ReplayJournal rebuilds the recordings left in the journal directory,
// oldest first. A torn last line is ignored. Files are not removed; a
// recording's file goes away when it is committed.
func ReplayJournal(dataPath string) ([]*types.Recording, error) {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	var recordings []*types.Recording
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}

		filename := filepath.Join(walPath, entry.Name())
		rec, err := replayJournalFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to replay %s: %w", filename, err)
		}
		if rec.ID == "" {
			rec.ID = strings.TrimSuffix(entry.Name(), ".log")
		}
		recordings = append(recordings, rec)
	}

	sort.Slice(recordings, func(a, b int) bool {
		return recordings[a].StartedAt.Before(recordings[b].StartedAt)
	})

	return recordings, nil
}

// replayJournalFile replays a single journal file
func replayJournalFile(filename string) (*types.Recording, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	rec := &types.Recording{}
	joints := make(map[types.JointType]*types.JointSeries)
	bones := make(map[topology.Bone]*types.BoneSeries)
	var last time.Time

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var torn error
	for scanner.Scan() {
		if torn != nil {
			// a bad line followed by more data is corruption, not a torn tail
			return nil, torn
		}

		var entry JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			torn = fmt.Errorf("failed to unmarshal WAL entry: %w", err)
			continue
		}

		switch entry.Kind {
		case entryBegin:
			rec.ID = entry.Recording
			rec.StartedAt = entry.StartedAt
		case entryJoint:
			if entry.Joint == nil || entry.JointData == nil {
				continue
			}
			series, ok := joints[*entry.Joint]
			if !ok {
				series = &types.JointSeries{Joint: *entry.Joint}
				joints[*entry.Joint] = series
			}
			series.Samples = append(series.Samples, *entry.JointData)
			if entry.JointData.Timestamp.After(last) {
				last = entry.JointData.Timestamp
			}
		case entryBone:
			if entry.Bone == nil || entry.BoneData == nil {
				continue
			}
			series, ok := bones[*entry.Bone]
			if !ok {
				series = &types.BoneSeries{Start: entry.Bone.Start, End: entry.Bone.End}
				bones[*entry.Bone] = series
			}
			series.Samples = append(series.Samples, *entry.BoneData)
			if entry.BoneData.Timestamp.After(last) {
				last = entry.BoneData.Timestamp
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// keep topology order
	for _, j := range topology.Joints() {
		if series, ok := joints[j]; ok {
			rec.Joints = append(rec.Joints, series)
		}
	}
	for _, b := range topology.Bones() {
		if series, ok := bones[b]; ok {
			rec.Bones = append(rec.Bones, series)
		}
	}

	rec.StoppedAt = last
	if last.IsZero() {
		rec.StoppedAt = rec.StartedAt
	}

	return rec, nil
}
