package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/pkg/capture"
	"github.com/vjranagit/mocap/pkg/storage"
	"github.com/vjranagit/mocap/pkg/types"
)

// Server implements the HTTP API server
type Server struct {
	session   *capture.Session
	processor *capture.Processor
	storage   storage.Storage
	hub       *Hub
	logger    *zap.Logger
	addr      string
	timeout   time.Duration
	server    *http.Server

	mu        sync.Mutex
	lastFrame *types.Frame
}

// maxFrameBytes caps the body of frame uploads
const maxFrameBytes = 1 << 20

// Option configures a Server
type Option func(*Server)

// WithStorage enables the archive endpoints
func WithStorage(store storage.Storage) Option {
	return func(s *Server) {
		s.storage = store
	}
}

// WithTimeout sets the read/write timeout and the export deadline
func WithTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.timeout = d
	}
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// NewServer creates a new API server
func NewServer(addr string, session *capture.Session, processor *capture.Processor, opts ...Option) *Server {
	s := &Server{
		session:   session,
		processor: processor,
		addr:      addr,
		timeout:   30 * time.Second,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	return s
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/v1/recording/start", s.handleStart)
	mux.HandleFunc("/api/v1/recording/stop", s.handleStop)
	mux.HandleFunc("/api/v1/recording/retry", s.handleRetry)
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/frames", s.handleFrames)
	mux.HandleFunc("/api/v1/select", s.handleSelect)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/query", s.handleQuery)
	mux.Handle("/api/v1/overlay", s.hub)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	return mux
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.timeout,
		WriteTimeout: s.timeout,
	}

	return s.server.ListenAndServe()
}

// Stop stops the HTTP server and disconnects overlay clients
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Hub returns the overlay hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// HandleFrame classifies one frame and streams its overlay
func (s *Server) HandleFrame(frame *types.Frame) types.Overlay {
	overlay := s.processor.Process(frame)

	s.mu.Lock()
	s.lastFrame = frame
	s.mu.Unlock()

	s.hub.Broadcast(overlay)
	return overlay
}

// reportResponse is the JSON form of an export report
type reportResponse struct {
	RecordingID string            `json:"recording_id,omitempty"`
	Written     []string          `json:"written"`
	Failed      map[string]string `json:"failed,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func newReportResponse(report *types.ExportReport, err error) reportResponse {
	resp := reportResponse{Written: []string{}}
	if report != nil {
		resp.RecordingID = report.RecordingID
		resp.Written = append(resp.Written, report.Written...)
		if len(report.Failed) > 0 {
			resp.Failed = make(map[string]string, len(report.Failed))
			for _, f := range report.Failed {
				msg := "export failed"
				if f.Err != nil {
					msg = f.Err.Error()
				}
				resp.Failed[f.Series] = msg
			}
		}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// handleStart starts a recording
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, err := s.session.Start()
	switch {
	case errors.Is(err, capture.ErrAlreadyRecording):
		writeJSON(w, http.StatusOK, map[string]string{
			"status":       "already_recording",
			"recording_id": id,
		})
	case err != nil:
		http.Error(w, fmt.Sprintf("Start failed: %v", err), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"status":       "recording",
			"recording_id": id,
		})
	}
}

// handleStop stops the recording and exports it. The export is not tied
// to the request so a disconnecting client does not abort it.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.session.Stop(ctx)
	if errors.Is(err, capture.ErrNotRecording) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, newReportResponse(report, err))
}

// handleRetry re-exports recordings whose export failed
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.session.RetryPending(ctx)
	status := http.StatusOK
	if err != nil {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, newReportResponse(report, err))
}

// statusResponse describes the capture pipeline
type statusResponse struct {
	Recording   bool                   `json:"recording"`
	RecordingID string                 `json:"recording_id,omitempty"`
	Series      map[string]int         `json:"series"`
	Pending     int                    `json:"pending"`
	Target      int                    `json:"target,omitempty"`
	Telemetry   capture.Telemetry      `json:"telemetry"`
	Processor   capture.ProcessorStats `json:"processor"`
	Clients     int                    `json:"overlay_clients"`
}

// handleStatus reports session and processor state
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Recording:   s.session.Recording(),
		RecordingID: s.session.ID(),
		Series:      s.session.Stats(),
		Pending:     len(s.session.Pending()),
		Target:      s.processor.Target(),
		Telemetry:   s.processor.Telemetry(),
		Processor:   s.processor.Stats(),
		Clients:     s.hub.Count(),
	})
}

// handleFrames ingests one frame from an external sensor bridge
func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var frame types.Frame
	if !readFrame(w, r, &frame) {
		return
	}

	writeJSON(w, http.StatusOK, s.HandleFrame(&frame))
}

// readFrame decodes a frame body of at most maxFrameBytes. It writes the
// error response and returns false on failure.
func readFrame(w http.ResponseWriter, r *http.Request, frame *types.Frame) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFrameBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Frame too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, fmt.Sprintf("Failed to read frame: %v", err), http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(data, frame); err != nil {
		http.Error(w, fmt.Sprintf("Invalid frame: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

// handleSelect pins the nearest body of the posted frame, or of the last
// processed frame when the body is empty. ?clear=true unpins.
func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Query().Get("clear") == "true" {
		s.processor.ClearTarget()
		writeJSON(w, http.StatusOK, map[string]int{"target": 0})
		return
	}

	var frame *types.Frame
	if r.ContentLength != 0 {
		var posted types.Frame
		if !readFrame(w, r, &posted) {
			return
		}
		frame = &posted
	} else {
		s.mu.Lock()
		frame = s.lastFrame
		s.mu.Unlock()
	}

	if frame == nil {
		http.Error(w, "No frame to select from", http.StatusConflict)
		return
	}

	id, ok := s.processor.SelectNearest(frame)
	if !ok {
		http.Error(w, "No body in range", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"target": id})
}

// handleSessions lists archived recordings
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		http.Error(w, "Archive disabled", http.StatusServiceUnavailable)
		return
	}

	sessions, err := s.storage.Sessions(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("Listing failed: %v", err), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []storage.SessionInfo{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleQuery reads one archived series: ?session=&joint= for a joint,
// ?session=&start=&end= for a bone. from/to (RFC3339) bound the samples.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.storage == nil {
		http.Error(w, "Archive disabled", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	session := q.Get("session")
	if session == "" {
		http.Error(w, "Missing session parameter", http.StatusBadRequest)
		return
	}

	var series string
	switch {
	case q.Get("joint") != "":
		joint, err := types.ParseJointType(q.Get("joint"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		series = (&types.JointSeries{Joint: joint}).Key()
	case q.Get("start") != "" && q.Get("end") != "":
		start, err := types.ParseJointType(q.Get("start"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		end, err := types.ParseJointType(q.Get("end"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		series = (&types.BoneSeries{Start: start, End: end}).Key()
	default:
		http.Error(w, "Missing joint or start/end parameters", http.StatusBadRequest)
		return
	}

	req := &storage.QueryRequest{RecordingID: session, Series: series}

	var err error
	if from := q.Get("from"); from != "" {
		if req.StartTime, err = time.Parse(time.RFC3339Nano, from); err != nil {
			http.Error(w, "Invalid from time", http.StatusBadRequest)
			return
		}
	}
	if to := q.Get("to"); to != "" {
		if req.EndTime, err = time.Parse(time.RFC3339Nano, to); err != nil {
			http.Error(w, "Invalid to time", http.StatusBadRequest)
			return
		}
	}

	result, err := s.storage.Query(r.Context(), req)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("Query failed: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// handleMetrics exports pipeline counters in the Prometheus text format
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	stats := s.processor.Stats()
	recording := 0
	if s.session.Recording() {
		recording = 1
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	writeMetric(w, "mocap_frames_total", "counter", "Frames processed.", stats.Frames)
	writeMetric(w, "mocap_recorded_frames_total", "counter", "Frames appended to a recording.", stats.Recorded)
	writeMetric(w, "mocap_samples_total", "counter", "Joint and bone samples recorded.", stats.Samples)
	writeMetric(w, "mocap_unmatched_bones_total", "counter", "Bone orientations not in the topology.", stats.Unmatched)
	writeMetric(w, "mocap_recording", "gauge", "Whether a recording is running.", recording)
	writeMetric(w, "mocap_pending_recordings", "gauge", "Recordings waiting for a retried export.", len(s.session.Pending()))
	writeMetric(w, "mocap_overlay_clients", "gauge", "Connected overlay clients.", s.hub.Count())

	if cached, ok := s.storage.(cacheReporter); ok {
		cs := cached.CacheStats()
		writeMetric(w, "mocap_archive_cache_hits_total", "counter", "Archive queries served from cache.", cs.Hits)
		writeMetric(w, "mocap_archive_cache_misses_total", "counter", "Archive queries read from disk.", cs.Misses)
		writeMetric(w, "mocap_archive_cache_evictions_total", "counter", "Cached query results evicted.", cs.Evictions)
		writeMetric(w, "mocap_archive_cache_entries", "gauge", "Cached query results.", cs.Size)
	}
}

// cacheReporter is implemented by archives that cache reads
type cacheReporter interface {
	CacheStats() storage.CacheStats
}

func writeMetric(w http.ResponseWriter, name, kind, help string, value interface{}) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n%s %v\n", name, help, name, kind, name, value)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
