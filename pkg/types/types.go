package types

import (
	"fmt"
	"image"
	"time"

	"github.com/go-gl/mathgl/mgl32"
)

// TimestampLayout is the fixed layout of every sample timestamp column
const TimestampLayout = "2006-01-02 15:04:05.000"

// JointType identifies one of the fixed skeletal joints
type JointType int

const (
	HipCenter JointType = iota
	Spine
	ShoulderCenter
	Head
	ShoulderLeft
	ElbowLeft
	WristLeft
	HandLeft
	ShoulderRight
	ElbowRight
	WristRight
	HandRight
	HipLeft
	KneeLeft
	AnkleLeft
	FootLeft
	HipRight
	KneeRight
	AnkleRight
	FootRight
)

// JointCount is the number of joint identities in the skeleton model
const JointCount = 20

var jointNames = [JointCount]string{
	"HipCenter", "Spine", "ShoulderCenter", "Head",
	"ShoulderLeft", "ElbowLeft", "WristLeft", "HandLeft",
	"ShoulderRight", "ElbowRight", "WristRight", "HandRight",
	"HipLeft", "KneeLeft", "AnkleLeft", "FootLeft",
	"HipRight", "KneeRight", "AnkleRight", "FootRight",
}

// Valid reports whether j is one of the known joint identities
func (j JointType) Valid() bool {
	return j >= 0 && j < JointCount
}

func (j JointType) String() string {
	if !j.Valid() {
		return fmt.Sprintf("JointType(%d)", int(j))
	}
	return jointNames[j]
}

// ParseJointType resolves a joint name such as "HipCenter"
func ParseJointType(name string) (JointType, error) {
	for i, n := range jointNames {
		if n == name {
			return JointType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown joint %q", name)
}

// MarshalText implements encoding.TextMarshaler
func (j JointType) MarshalText() ([]byte, error) {
	if !j.Valid() {
		return nil, fmt.Errorf("invalid joint %d", int(j))
	}
	return []byte(jointNames[j]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (j *JointType) UnmarshalText(b []byte) error {
	parsed, err := ParseJointType(string(b))
	if err != nil {
		return err
	}
	*j = parsed
	return nil
}

// TrackingState is the sensor's per-joint tracking state
type TrackingState int

const (
	NotTracked TrackingState = iota
	Inferred
	Tracked
)

var trackingStateNames = map[TrackingState]string{
	NotTracked: "NotTracked",
	Inferred:   "Inferred",
	Tracked:    "Tracked",
}

func (s TrackingState) String() string {
	if n, ok := trackingStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("TrackingState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s TrackingState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *TrackingState) UnmarshalText(b []byte) error {
	for state, name := range trackingStateNames {
		if name == string(b) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown tracking state %q", string(b))
}

// SkeletonState is the tracking state of a whole body
type SkeletonState int

const (
	SkeletonNotTracked SkeletonState = iota
	SkeletonPositionOnly
	SkeletonTracked
)

var skeletonStateNames = map[SkeletonState]string{
	SkeletonNotTracked:   "NotTracked",
	SkeletonPositionOnly: "PositionOnly",
	SkeletonTracked:      "Tracked",
}

func (s SkeletonState) String() string {
	if n, ok := skeletonStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("SkeletonState(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s SkeletonState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *SkeletonState) UnmarshalText(b []byte) error {
	for state, name := range skeletonStateNames {
		if name == string(b) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown skeleton state %q", string(b))
}

// Class is the tracking-confidence class written to the coord_type column
type Class int

const (
	ClassNone         Class = 0
	ClassTracked      Class = 1
	ClassInferred     Class = 2
	ClassHalfInferred Class = 3
)

func (c Class) String() string {
	switch c {
	case ClassTracked:
		return "Tracked"
	case ClassInferred:
		return "Inferred"
	case ClassHalfInferred:
		return "HalfInferred"
	default:
		return "None"
	}
}

// Rotation is one orientation as reported by the sensor
type Rotation struct {
	Matrix     mgl32.Mat4 `json:"matrix"`
	Quaternion mgl32.Quat `json:"quaternion"`
}

// IdentityRotation returns the zero rotation
func IdentityRotation() Rotation {
	return Rotation{Matrix: mgl32.Ident4(), Quaternion: mgl32.QuatIdent()}
}

// Joint is one joint of a skeleton snapshot
type Joint struct {
	Type     JointType     `json:"type"`
	Position mgl32.Vec3    `json:"position"`
	State    TrackingState `json:"state"`
}

// BoneOrientation is one entry of the skeleton's bone orientation list
type BoneOrientation struct {
	StartJoint   JointType `json:"start_joint"`
	EndJoint     JointType `json:"end_joint"`
	Absolute     Rotation  `json:"absolute"`
	Hierarchical Rotation  `json:"hierarchical"`
}

// Skeleton is one tracked body in a frame
type Skeleton struct {
	TrackingID int               `json:"tracking_id"`
	State      SkeletonState     `json:"state"`
	Position   mgl32.Vec3        `json:"position"`
	Joints     []Joint           `json:"joints"`
	Bones      []BoneOrientation `json:"bones"`
}

// Joint returns the joint of type t. Joints missing from the snapshot
// are reported as NotTracked.
func (s *Skeleton) Joint(t JointType) Joint {
	for _, j := range s.Joints {
		if j.Type == t {
			return j
		}
	}
	return Joint{Type: t, State: NotTracked}
}

// Frame is one skeleton frame delivered by the sensor
type Frame struct {
	Number         int64      `json:"number"`
	Skeletons      []Skeleton `json:"skeletons"`
	Accelerometer  mgl32.Vec4 `json:"accelerometer"`
	FloorClipPlane mgl32.Vec4 `json:"floor_clip_plane"`
}

// JointSample is one recorded joint position
type JointSample struct {
	Timestamp time.Time  `json:"timestamp"`
	Position  mgl32.Vec3 `json:"position"`
	Class     Class      `json:"class"`
}

// JointSeries is the append-only history of one joint
type JointSeries struct {
	Joint   JointType     `json:"joint"`
	Samples []JointSample `json:"samples"`
}

// Name returns the series name used in filenames and archive keys
func (s *JointSeries) Name() string {
	return s.Joint.String()
}

// Key identifies the series within a recording
func (s *JointSeries) Key() string {
	return "joint:" + s.Name()
}

// BoneSample is one recorded bone orientation
type BoneSample struct {
	Timestamp    time.Time `json:"timestamp"`
	Absolute     Rotation  `json:"absolute"`
	Hierarchical Rotation  `json:"hierarchical"`
	Class        Class     `json:"class"`
}

// BoneSeries is the append-only history of one bone
type BoneSeries struct {
	Start   JointType    `json:"start"`
	End     JointType    `json:"end"`
	Samples []BoneSample `json:"samples"`
}

// Name returns the series name used in filenames and archive keys
func (s *BoneSeries) Name() string {
	return s.Start.String() + "-" + s.End.String()
}

// Key identifies the series within a recording
func (s *BoneSeries) Key() string {
	return "bone:" + s.Name()
}

// Recording holds the non-empty series of one finished session
type Recording struct {
	ID        string         `json:"id"`
	StartedAt time.Time      `json:"started_at"`
	StoppedAt time.Time      `json:"stopped_at"`
	Joints    []*JointSeries `json:"joints"`
	Bones     []*BoneSeries  `json:"bones"`
}

// Empty reports whether the recording holds no series
func (r *Recording) Empty() bool {
	return len(r.Joints) == 0 && len(r.Bones) == 0
}

// SampleCount returns the number of samples across all series
func (r *Recording) SampleCount() int {
	n := 0
	for _, s := range r.Joints {
		n += len(s.Samples)
	}
	for _, s := range r.Bones {
		n += len(s.Samples)
	}
	return n
}

// Subset returns a recording with only the named series
func (r *Recording) Subset(names map[string]bool) *Recording {
	sub := &Recording{ID: r.ID, StartedAt: r.StartedAt, StoppedAt: r.StoppedAt}
	for _, s := range r.Joints {
		if names[s.Key()] {
			sub.Joints = append(sub.Joints, s)
		}
	}
	for _, s := range r.Bones {
		if names[s.Key()] {
			sub.Bones = append(sub.Bones, s)
		}
	}
	return sub
}

// ExportFailure names a series that could not be written
type ExportFailure struct {
	Series string `json:"series"`
	Err    error  `json:"-"`
}

// ExportReport describes the outcome of exporting a recording
type ExportReport struct {
	RecordingID string          `json:"recording_id"`
	Written     []string        `json:"written"`
	Failed      []ExportFailure `json:"failed,omitempty"`
}

// Merge appends the results of another report
func (r *ExportReport) Merge(other *ExportReport) {
	if other == nil {
		return
	}
	r.Written = append(r.Written, other.Written...)
	r.Failed = append(r.Failed, other.Failed...)
}

// FailedSeries returns the set of failed series keys
func (r *ExportReport) FailedSeries() map[string]bool {
	names := make(map[string]bool, len(r.Failed))
	for _, f := range r.Failed {
		names[f.Series] = true
	}
	return names
}

// Marker is a joint drawn on the overlay
type Marker struct {
	Joint    JointType   `json:"joint"`
	Point    image.Point `json:"point"`
	Diameter float64     `json:"diameter"`
	Color    string      `json:"color"`
	Class    Class       `json:"class"`
}

// Line is a bone drawn on the overlay
type Line struct {
	Start     JointType   `json:"start"`
	End       JointType   `json:"end"`
	From      image.Point `json:"from"`
	To        image.Point `json:"to"`
	Thickness float64     `json:"thickness"`
	Color     string      `json:"color"`
	Class     Class       `json:"class"`
}

// Overlay holds the drawing primitives produced for one frame
type Overlay struct {
	Frame   int64    `json:"frame"`
	Markers []Marker `json:"markers"`
	Lines   []Line   `json:"lines"`
}
