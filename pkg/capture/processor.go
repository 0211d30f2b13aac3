package capture

import (
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl32"
	"go.uber.org/zap"

	"github.com/vjranagit/mocap/pkg/topology"
	"github.com/vjranagit/mocap/pkg/types"
)

// nearestBound is the farthest body considered by SelectNearest, in metres
const nearestBound = 10.0

// Telemetry is the sensor state reported with the last frame
type Telemetry struct {
	Frame          int64      `json:"frame"`
	ReceivedAt     time.Time  `json:"received_at"`
	Accelerometer  mgl32.Vec4 `json:"accelerometer"`
	FloorClipPlane mgl32.Vec4 `json:"floor_clip_plane"`
	Skeletons      int        `json:"skeletons"`
}

// ProcessorStats counts the work done by a Processor
type ProcessorStats struct {
	Frames    uint64 `json:"frames"`
	Recorded  uint64 `json:"recorded_frames"`
	Samples   uint64 `json:"samples"`
	Unmatched uint64 `json:"unmatched_bones"`
}

// Processor classifies skeleton frames, builds their overlay and feeds the
// session. Frames are processed one at a time.
type Processor struct {
	mu        sync.Mutex
	session   *Session
	mapper    ScreenMapper
	logger    *zap.Logger
	now       func() time.Time
	target    int
	telemetry Telemetry
	stats     ProcessorStats
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the logger
func WithProcessorLogger(l *zap.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithProcessorClock overrides time.Now
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a processor feeding session
func NewProcessor(session *Session, mapper ScreenMapper, opts ...ProcessorOption) *Processor {
	if mapper == nil {
		mapper = DefaultColorMapper()
	}
	p := &Processor{
		session: session,
		mapper:  mapper,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one frame and returns what to draw for it
func (p *Processor) Process(frame *types.Frame) types.Overlay {
	p.mu.Lock()
	defer p.mu.Unlock()

	// one timestamp for every sample of this frame
	ts := p.now().Truncate(time.Millisecond)

	p.stats.Frames++
	p.telemetry = Telemetry{
		Frame:          frame.Number,
		ReceivedAt:     ts,
		Accelerometer:  frame.Accelerometer,
		FloorClipPlane: frame.FloorClipPlane,
		Skeletons:      len(frame.Skeletons),
	}

	overlay := types.Overlay{Frame: frame.Number}

	primary := p.primaryLocked(frame)
	recording := p.session != nil && p.session.Recording()

	for i := range frame.Skeletons {
		sk := &frame.Skeletons[i]
		if sk.State != types.SkeletonTracked {
			continue
		}

		var batch *Batch
		if recording && i == primary {
			batch = &Batch{}
		}

		p.drawBones(sk, ts, batch, &overlay)
		p.drawJoints(sk, ts, batch, &overlay)

		if batch != nil && batch.Len() > 0 {
			if p.session.Append(batch) {
				p.stats.Recorded++
				p.stats.Samples += uint64(batch.Len())
			}
		}
	}

	return overlay
}

// drawBones draws and samples each topology bone at most once per frame;
// a repeated or reversed entry after the first is ignored.
func (p *Processor) drawBones(sk *types.Skeleton, ts time.Time, batch *Batch, overlay *types.Overlay) {
	var seen [topology.BoneCount]bool
	for _, bo := range sk.Bones {
		idx, ok := topology.BoneIndex(bo.StartJoint, bo.EndJoint)
		if ok {
			if seen[idx] {
				continue
			}
			seen[idx] = true
		}

		start := sk.Joint(bo.StartJoint)
		end := sk.Joint(bo.EndJoint)

		class := BoneClass(start.State, end.State)
		if class == types.ClassNone {
			continue
		}

		overlay.Lines = append(overlay.Lines, types.Line{
			Start:     bo.StartJoint,
			End:       bo.EndJoint,
			From:      p.mapper.MapToScreen(start.Position),
			To:        p.mapper.MapToScreen(end.Position),
			Thickness: BoneThickness,
			Color:     ClassColor(class),
			Class:     class,
		})

		if batch == nil {
			continue
		}

		if !ok {
			p.stats.Unmatched++
			p.logger.Debug("Bone not in topology",
				zap.Stringer("start", bo.StartJoint),
				zap.Stringer("end", bo.EndJoint))
			continue
		}

		batch.Bones = append(batch.Bones, BoneEntry{
			Index: idx,
			Sample: types.BoneSample{
				Timestamp:    ts,
				Absolute:     bo.Absolute,
				Hierarchical: bo.Hierarchical,
				Class:        class,
			},
		})
	}
}

// drawJoints draws and samples each joint at most once per frame, keeping
// the first entry as Skeleton.Joint does.
func (p *Processor) drawJoints(sk *types.Skeleton, ts time.Time, batch *Batch, overlay *types.Overlay) {
	var seen [types.JointCount]bool
	for _, j := range sk.Joints {
		if !j.Type.Valid() || seen[j.Type] {
			continue
		}
		seen[j.Type] = true

		class := JointClass(j.State)
		if class == types.ClassNone {
			continue
		}

		overlay.Markers = append(overlay.Markers, types.Marker{
			Joint:    j.Type,
			Point:    p.mapper.MapToScreen(j.Position),
			Diameter: JointDiameter,
			Color:    ClassColor(class),
			Class:    class,
		})

		if batch != nil {
			batch.Joints = append(batch.Joints, JointEntry{
				Joint: j.Type,
				Sample: types.JointSample{
					Timestamp: ts,
					Position:  j.Position,
					Class:     class,
				},
			})
		}
	}
}

// primaryLocked returns the index of the skeleton to record, or -1
func (p *Processor) primaryLocked(frame *types.Frame) int {
	first := -1
	for i := range frame.Skeletons {
		sk := &frame.Skeletons[i]
		if sk.State != types.SkeletonTracked {
			continue
		}
		if p.target != 0 && sk.TrackingID == p.target {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}

// SelectNearest pins recording to the closest body in frame
func (p *Processor) SelectNearest(frame *types.Frame) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := 0
	z := float32(nearestBound)
	for _, sk := range frame.Skeletons {
		if sk.State == types.SkeletonNotTracked {
			continue
		}
		if sk.Position.Z() < z {
			z = sk.Position.Z()
			id = sk.TrackingID
		}
	}

	if id == 0 {
		return 0, false
	}

	p.target = id
	p.logger.Info("Body selected", zap.Int("tracking_id", id), zap.Float32("z", z))
	return id, true
}

// Target returns the pinned tracking id, 0 when none
func (p *Processor) Target() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// ClearTarget unpins the recorded body
func (p *Processor) ClearTarget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = 0
}

// Telemetry returns the state reported with the last frame
func (p *Processor) Telemetry() Telemetry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.telemetry
}

// Stats returns processing counters
func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
