package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-gl/mathgl/mgl32"
	json "github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/pkg/types"
)

// ErrNotFound is returned when a recording or series is not archived
var ErrNotFound = errors.New("not found")

// Storage archives finished recordings and serves them back
type Storage interface {
	// Export archives a recording
	Export(ctx context.Context, rec *types.Recording) (*types.ExportReport, error)

	// Query reads one archived series
	Query(ctx context.Context, req *QueryRequest) (*QueryResult, error)

	// Sessions lists archived recordings, oldest first
	Sessions(ctx context.Context) ([]SessionInfo, error)

	// Close closes the storage
	Close() error
}

// QueryRequest selects one series of one recording. Zero times leave the
// range open.
type QueryRequest struct {
	RecordingID string    `json:"recording_id"`
	Series      string    `json:"series"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
}

// QueryResult holds the series read by a query
type QueryResult struct {
	RecordingID string             `json:"recording_id"`
	Joint       *types.JointSeries `json:"joint,omitempty"`
	Bone        *types.BoneSeries  `json:"bone,omitempty"`
}

// SessionInfo describes an archived recording
type SessionInfo struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"started_at"`
	StoppedAt time.Time      `json:"stopped_at"`
	Series    map[string]int `json:"series"`
}

// Config holds storage configuration
type Config struct {
	Path             string
	CompressionLevel int
	// BlockDuration is the time span of samples stored under one key
	BlockDuration time.Duration
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./archive",
		CompressionLevel: 3,
		BlockDuration:    time.Minute,
	}
}

// badgerStorage implements Storage using BadgerDB
type badgerStorage struct {
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewStorage opens the archive and rebuilds its index
func NewStorage(cfg *Config, logger *zap.Logger) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger"))
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &badgerStorage{
		cfg:        cfg,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
		logger:     logger,
	}

	if err := s.loadIndex(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to load index: %w", err)
	}

	return s, nil
}

// loadIndex rebuilds the in-memory index from the session records
func (s *badgerStorage) loadIndex() error {
	infos, err := s.readSessions()
	if err != nil {
		return err
	}
	for _, info := range infos {
		for key, count := range info.Series {
			id := s.index.AddSeries(SeriesLabels(info.ID, key))
			s.index.UpdateStats(id, count, info.StartedAt.UnixMilli(), info.StoppedAt.UnixMilli())
		}
	}
	return nil
}

// Export implements Storage.Export
func (s *badgerStorage) Export(ctx context.Context, rec *types.Recording) (*types.ExportReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &types.ExportReport{RecordingID: rec.ID}
	if rec.Empty() {
		return report, nil
	}

	info, err := s.getSession(rec.ID)
	if errors.Is(err, ErrNotFound) {
		info = &SessionInfo{ID: rec.ID, Series: map[string]int{}}
	} else if err != nil {
		return report, err
	}
	info.StartedAt = rec.StartedAt
	info.StoppedAt = rec.StoppedAt

	var errs error
	store := func(key string, blocks map[int64]*blockPayload, minTime, maxTime int64, count int) {
		if err := ctx.Err(); err != nil {
			report.Failed = append(report.Failed, types.ExportFailure{Series: key, Err: err})
			errs = multierr.Append(errs, err)
			return
		}
		if err := s.writeBlocks(rec.ID, key, blocks); err != nil {
			report.Failed = append(report.Failed, types.ExportFailure{Series: key, Err: err})
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		id := s.index.AddSeries(SeriesLabels(rec.ID, key))
		s.index.UpdateStats(id, count, minTime, maxTime)
		info.Series[key] = count
		report.Written = append(report.Written, "archive:"+rec.ID+"/"+key)
	}

	for _, series := range rec.Joints {
		blocks, err := s.encodeJoint(series)
		if err != nil {
			report.Failed = append(report.Failed, types.ExportFailure{Series: series.Key(), Err: err})
			errs = multierr.Append(errs, err)
			continue
		}
		n := len(series.Samples)
		store(series.Key(), blocks,
			series.Samples[0].Timestamp.UnixMilli(), series.Samples[n-1].Timestamp.UnixMilli(), n)
	}

	for _, series := range rec.Bones {
		blocks, err := s.encodeBone(series)
		if err != nil {
			report.Failed = append(report.Failed, types.ExportFailure{Series: series.Key(), Err: err})
			errs = multierr.Append(errs, err)
			continue
		}
		n := len(series.Samples)
		store(series.Key(), blocks,
			series.Samples[0].Timestamp.UnixMilli(), series.Samples[n-1].Timestamp.UnixMilli(), n)
	}

	if len(info.Series) == 0 {
		return report, errs
	}
	if err := s.putSession(info); err != nil {
		return report, multierr.Append(errs, fmt.Errorf("failed to write session record: %w", err))
	}

	s.logger.Debug("Recording archived",
		zap.String("recording", rec.ID),
		zap.Int("series", len(report.Written)))

	return report, errs
}

// blockPayload is one compressed time block of a series
type blockPayload struct {
	Count      int
	Timestamps []byte
	Columns    [][]byte
	Classes    []byte
}

// groupByBlock returns, for every block start, the indexes of its samples
func (s *badgerStorage) groupByBlock(timestamps []time.Time) map[int64][]int {
	blocks := make(map[int64][]int)
	for i, ts := range timestamps {
		blockTime := ts.Truncate(s.cfg.BlockDuration).UnixMilli()
		blocks[blockTime] = append(blocks[blockTime], i)
	}
	return blocks
}

// encodeBlock compresses the rows selected by idx
func (s *badgerStorage) encodeBlock(idx []int, timestamps []time.Time, columns [][]float32, classes []byte) (*blockPayload, error) {
	ts := make([]int64, len(idx))
	cls := make([]byte, len(idx))
	for i, row := range idx {
		ts[i] = timestamps[row].UnixMilli()
		cls[i] = classes[row]
	}

	compressedTS, err := s.compressor.CompressTimestamps(ts)
	if err != nil {
		return nil, fmt.Errorf("failed to compress timestamps: %w", err)
	}

	payload := &blockPayload{
		Count:      len(idx),
		Timestamps: compressedTS,
		Columns:    make([][]byte, len(columns)),
		Classes:    s.compressor.CompressBytes(cls),
	}

	col := make([]float32, len(idx))
	for c, values := range columns {
		for i, row := range idx {
			col[i] = values[row]
		}
		payload.Columns[c], err = s.compressor.CompressValues(col)
		if err != nil {
			return nil, fmt.Errorf("failed to compress column %d: %w", c, err)
		}
	}

	return payload, nil
}

func (s *badgerStorage) encodeJoint(series *types.JointSeries) (map[int64]*blockPayload, error) {
	n := len(series.Samples)
	timestamps := make([]time.Time, n)
	columns := [][]float32{make([]float32, n), make([]float32, n), make([]float32, n)}
	classes := make([]byte, n)

	for i, sample := range series.Samples {
		timestamps[i] = sample.Timestamp
		columns[0][i] = sample.Position.X()
		columns[1][i] = sample.Position.Y()
		columns[2][i] = sample.Position.Z()
		classes[i] = byte(sample.Class)
	}

	return s.encodeBlocks(timestamps, columns, classes)
}

// boneColumns is 16 matrix cells + 4 quaternion parts, twice
const boneColumns = 40

func (s *badgerStorage) encodeBone(series *types.BoneSeries) (map[int64]*blockPayload, error) {
	n := len(series.Samples)
	timestamps := make([]time.Time, n)
	columns := make([][]float32, boneColumns)
	for c := range columns {
		columns[c] = make([]float32, n)
	}
	classes := make([]byte, n)

	for i, sample := range series.Samples {
		timestamps[i] = sample.Timestamp
		putRotation(columns, 0, i, sample.Absolute)
		putRotation(columns, 20, i, sample.Hierarchical)
		classes[i] = byte(sample.Class)
	}

	return s.encodeBlocks(timestamps, columns, classes)
}

func putRotation(columns [][]float32, offset, row int, r types.Rotation) {
	for c := 0; c < 16; c++ {
		columns[offset+c][row] = r.Matrix[c]
	}
	columns[offset+16][row] = r.Quaternion.V[0]
	columns[offset+17][row] = r.Quaternion.V[1]
	columns[offset+18][row] = r.Quaternion.V[2]
	columns[offset+19][row] = r.Quaternion.W
}

func getRotation(columns [][]float32, offset, row int) types.Rotation {
	var r types.Rotation
	for c := 0; c < 16; c++ {
		r.Matrix[c] = columns[offset+c][row]
	}
	r.Quaternion = mgl32.Quat{
		W: columns[offset+19][row],
		V: mgl32.Vec3{columns[offset+16][row], columns[offset+17][row], columns[offset+18][row]},
	}
	return r
}

func (s *badgerStorage) encodeBlocks(timestamps []time.Time, columns [][]float32, classes []byte) (map[int64]*blockPayload, error) {
	blocks := make(map[int64]*blockPayload)
	for blockTime, idx := range s.groupByBlock(timestamps) {
		payload, err := s.encodeBlock(idx, timestamps, columns, classes)
		if err != nil {
			return nil, err
		}
		blocks[blockTime] = payload
	}
	return blocks, nil
}

// writeBlocks stores all blocks of one series in a single transaction
func (s *badgerStorage) writeBlocks(recordingID, key string, blocks map[int64]*blockPayload) error {
	return s.db.Update(func(txn *badger.Txn) error {
		for blockTime, payload := range blocks {
			payloadBytes, err := json.Marshal(payload)
			if err != nil {
				return fmt.Errorf("failed to marshal payload: %w", err)
			}
			if err := txn.Set(generateKey(recordingID, key, blockTime), payloadBytes); err != nil {
				return err
			}
		}
		return nil
	})
}

// decodedBlock is a decompressed block
type decodedBlock struct {
	timestamps []int64
	columns    [][]float32
	classes    []byte
}

func (s *badgerStorage) decodeBlock(payloadBytes []byte) (*decodedBlock, error) {
	var payload blockPayload
	if err := json.Unmarshal(payloadBytes, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	timestamps, err := s.compressor.DecompressTimestamps(payload.Timestamps, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress timestamps: %w", err)
	}

	classes, err := s.compressor.DecompressBytes(payload.Classes, payload.Count)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress classes: %w", err)
	}

	block := &decodedBlock{timestamps: timestamps, classes: classes}
	for _, col := range payload.Columns {
		values, err := s.compressor.DecompressValues(col, payload.Count)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress values: %w", err)
		}
		block.columns = append(block.columns, values)
	}

	return block, nil
}

// readBlocks decodes every block of a series in time order
func (s *badgerStorage) readBlocks(recordingID, key string) ([]*decodedBlock, error) {
	var blocks []*decodedBlock
	prefix := seriesPrefix(recordingID, key)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				block, err := s.decodeBlock(val)
				if err != nil {
					return err
				}
				blocks = append(blocks, block)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})

	return blocks, err
}

// Query implements Storage.Query
func (s *badgerStorage) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.index.FindSeries(map[string]string{
		LabelRecording: req.RecordingID,
		LabelSeries:    req.Series,
	})
	if len(ids) == 0 {
		return nil, fmt.Errorf("series %s of %s: %w", req.Series, req.RecordingID, ErrNotFound)
	}

	blocks, err := s.readBlocks(req.RecordingID, req.Series)
	if err != nil {
		return nil, fmt.Errorf("failed to read series: %w", err)
	}

	inRange := func(ms int64) bool {
		ts := time.UnixMilli(ms)
		if !req.StartTime.IsZero() && ts.Before(req.StartTime) {
			return false
		}
		if !req.EndTime.IsZero() && ts.After(req.EndTime) {
			return false
		}
		return true
	}

	result := &QueryResult{RecordingID: req.RecordingID}

	kind, start, end, err := ParseSeriesKey(req.Series)
	if err != nil {
		return nil, err
	}

	if kind == "joint" {
		series := &types.JointSeries{Joint: start}
		for _, b := range blocks {
			for i, ms := range b.timestamps {
				if !inRange(ms) {
					continue
				}
				series.Samples = append(series.Samples, types.JointSample{
					Timestamp: time.UnixMilli(ms),
					Position:  mgl32.Vec3{b.columns[0][i], b.columns[1][i], b.columns[2][i]},
					Class:     types.Class(b.classes[i]),
				})
			}
		}
		result.Joint = series
		return result, nil
	}

	series := &types.BoneSeries{Start: start, End: end}
	for _, b := range blocks {
		for i, ms := range b.timestamps {
			if !inRange(ms) {
				continue
			}
			series.Samples = append(series.Samples, types.BoneSample{
				Timestamp:    time.UnixMilli(ms),
				Absolute:     getRotation(b.columns, 0, i),
				Hierarchical: getRotation(b.columns, 20, i),
				Class:        types.Class(b.classes[i]),
			})
		}
	}
	result.Bone = series
	return result, nil
}

// ParseSeriesKey splits "joint:Head" or "bone:HipCenter-Spine"
func ParseSeriesKey(key string) (kind string, start, end types.JointType, err error) {
	kind, name, ok := strings.Cut(key, ":")
	if !ok {
		return "", 0, 0, fmt.Errorf("malformed series key %q", key)
	}

	switch kind {
	case "joint":
		start, err = types.ParseJointType(name)
		return kind, start, start, err
	case "bone":
		a, b, ok := strings.Cut(name, "-")
		if !ok {
			return "", 0, 0, fmt.Errorf("malformed bone name %q", name)
		}
		if start, err = types.ParseJointType(a); err != nil {
			return "", 0, 0, err
		}
		if end, err = types.ParseJointType(b); err != nil {
			return "", 0, 0, err
		}
		return kind, start, end, nil
	default:
		return "", 0, 0, fmt.Errorf("unknown series kind %q", kind)
	}
}

// Sessions implements Storage.Sessions
func (s *badgerStorage) Sessions(ctx context.Context) ([]SessionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readSessions()
}

func (s *badgerStorage) readSessions() ([]SessionInfo, error) {
	var infos []SessionInfo
	prefix := []byte(sessionPrefix)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var info SessionInfo
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &info)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			infos = append(infos, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].StartedAt.Before(infos[j].StartedAt)
	})
	return infos, nil
}

func (s *badgerStorage) getSession(id string) (*SessionInfo, error) {
	var info SessionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &info)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (s *badgerStorage) putSession(info *SessionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(sessionPrefix+info.ID), data)
	})
}

// Close implements Storage.Close
func (s *badgerStorage) Close() error {
	if s.compressor != nil {
		s.compressor.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const (
	sessionPrefix = "rec/"
	blockPrefix   = "blk/"
)

// seriesPrefix is the key prefix shared by all blocks of one series
func seriesPrefix(recordingID, key string) []byte {
	buf := new(bytes.Buffer)
	buf.WriteString(blockPrefix)
	buf.WriteString(recordingID)
	buf.WriteByte('/')
	buf.WriteString(key)
	buf.WriteByte('/')
	return buf.Bytes()
}

// generateKey generates a storage key for a time block. Big-endian block
// times keep blocks of a series in time order.
func generateKey(recordingID, key string, blockTime int64) []byte {
	buf := bytes.NewBuffer(seriesPrefix(recordingID, key))
	binary.Write(buf, binary.BigEndian, blockTime)
	return buf.Bytes()
}
