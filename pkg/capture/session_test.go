package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/vjranagit/mocap/pkg/topology"
	"github.com/vjranagit/mocap/pkg/types"
)

func jointBatch(j types.JointType, ts time.Time) *Batch {
	return &Batch{Joints: []JointEntry{{
		Joint:  j,
		Sample: types.JointSample{Timestamp: ts, Position: mgl32.Vec3{1, 2, 3}, Class: types.ClassTracked},
	}}}
}

func TestSessionStartTwiceKeepsSamples(t *testing.T) {
	sink := &memSink{}
	session := NewSession(WithSink(sink))

	id, err := session.Start()
	if err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	session.Append(jointBatch(types.Head, time.Now()))

	id2, err := session.Start()
	if !errors.Is(err, ErrAlreadyRecording) {
		t.Errorf("Expected ErrAlreadyRecording, got %v", err)
	}
	if id2 != id {
		t.Errorf("Expected running id %s, got %s", id, id2)
	}

	session.Append(jointBatch(types.Head, time.Now()))

	if _, err := session.Stop(context.Background()); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}

	rec := sink.last()
	if len(rec.Joints) != 1 || len(rec.Joints[0].Samples) != 2 {
		t.Errorf("Expected 2 Head samples to survive second Start, got %+v", rec.Joints)
	}
}

func TestSessionStopWhenIdle(t *testing.T) {
	session := NewSession()
	if _, err := session.Stop(context.Background()); !errors.Is(err, ErrNotRecording) {
		t.Errorf("Expected ErrNotRecording, got %v", err)
	}
}

func TestSessionAppendWhenIdle(t *testing.T) {
	session := NewSession()
	if session.Append(jointBatch(types.Head, time.Now())) {
		t.Error("Append should be rejected while idle")
	}
}

func TestSessionStopExportsOnlyNonEmptySeries(t *testing.T) {
	sink := &memSink{}
	session := NewSession(WithSink(sink))
	session.Start()

	ts := time.Now()
	session.Append(jointBatch(types.HandLeft, ts))
	session.Append(&Batch{Bones: []BoneEntry{{
		Index:  5,
		Sample: types.BoneSample{Timestamp: ts, Class: types.ClassInferred},
	}}})

	report, err := session.Stop(context.Background())
	if err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}

	if len(report.Written) != 2 {
		t.Errorf("Expected 2 written series, got %v", report.Written)
	}

	rec := sink.last()
	if len(rec.Joints) != 1 || rec.Joints[0].Joint != types.HandLeft {
		t.Errorf("Unexpected joint series %+v", rec.Joints)
	}
	want := topology.BoneAt(5)
	if len(rec.Bones) != 1 || rec.Bones[0].Start != want.Start || rec.Bones[0].End != want.End {
		t.Errorf("Unexpected bone series %+v", rec.Bones)
	}

	if session.Recording() {
		t.Error("Session should be idle after Stop")
	}
	if session.ID() != "" {
		t.Error("Idle session should have no id")
	}
}

func TestSessionEmptyRecording(t *testing.T) {
	sink := &memSink{}
	session := NewSession(WithSink(sink))
	session.Start()

	report, err := session.Stop(context.Background())
	if err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if len(report.Written) != 0 {
		t.Errorf("Expected nothing written, got %v", report.Written)
	}
	if !sink.last().Empty() {
		t.Error("Expected empty recording")
	}
}

func TestSessionPartialFailureKeepsFailedSeries(t *testing.T) {
	sink := &memSink{fail: map[string]bool{"joint:Head": true}}
	session := NewSession(WithSink(sink))
	session.Start()

	ts := time.Now()
	session.Append(jointBatch(types.Head, ts))
	session.Append(jointBatch(types.Spine, ts))

	report, err := session.Stop(context.Background())
	if err == nil {
		t.Fatal("Expected export error")
	}
	if len(report.Written) != 1 || report.Written[0] != "joint:Spine" {
		t.Errorf("Expected Spine to be written, got %v", report.Written)
	}
	if len(report.Failed) != 1 || report.Failed[0].Series != "joint:Head" {
		t.Errorf("Expected Head to fail, got %+v", report.Failed)
	}

	pending := session.Pending()
	if len(pending) != 1 || len(pending[0].Joints) != 1 || pending[0].Joints[0].Joint != types.Head {
		t.Fatalf("Expected Head to be pending, got %+v", pending)
	}

	delete(sink.fail, "joint:Head")
	report, err = session.RetryPending(context.Background())
	if err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	if len(report.Written) != 1 || report.Written[0] != "joint:Head" {
		t.Errorf("Expected Head on retry, got %v", report.Written)
	}
	if len(session.Pending()) != 0 {
		t.Error("Expected no pending recordings after retry")
	}
}

// opaqueSink fails the whole export without naming series
type opaqueSink struct {
	err      error
	received []*types.Recording
}

func (o *opaqueSink) Export(ctx context.Context, rec *types.Recording) (*types.ExportReport, error) {
	o.received = append(o.received, rec)
	if o.err != nil {
		return &types.ExportReport{RecordingID: rec.ID}, o.err
	}
	report := &types.ExportReport{RecordingID: rec.ID}
	for _, s := range rec.Joints {
		report.Written = append(report.Written, s.Key())
	}
	return report, nil
}

func TestSessionUnnamedFailureKeepsWholeRecording(t *testing.T) {
	files := &memSink{fail: map[string]bool{"joint:Head": true}}
	archive := &opaqueSink{err: errors.New("session record not written")}
	journal := &recordingJournal{}
	session := NewSession(WithSink(files), WithSink(archive), WithJournal(journal))
	session.Start()

	ts := time.Now()
	session.Append(jointBatch(types.Head, ts))
	session.Append(jointBatch(types.Spine, ts))

	if _, err := session.Stop(context.Background()); err == nil {
		t.Fatal("Expected export error")
	}

	pending := session.Pending()
	if len(pending) != 1 || len(pending[0].Joints) != 2 {
		t.Fatalf("Expected both series pending, got %+v", pending)
	}

	delete(files.fail, "joint:Head")
	archive.err = nil
	if _, err := session.RetryPending(context.Background()); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	retried := archive.received[len(archive.received)-1]
	if len(retried.Joints) != 2 {
		t.Errorf("Expected retry to carry 2 series to the archive, got %d", len(retried.Joints))
	}
	if len(journal.committed) != 1 {
		t.Errorf("Expected journal commit after retry, got %v", journal.committed)
	}
}

// recordingJournal records journal calls
type recordingJournal struct {
	begun     []string
	joints    int
	bones     int
	committed []string
}

func (j *recordingJournal) Begin(id string, startedAt time.Time) error {
	j.begun = append(j.begun, id)
	return nil
}

func (j *recordingJournal) AppendJoint(id string, joint types.JointType, sample types.JointSample) error {
	j.joints++
	return nil
}

func (j *recordingJournal) AppendBone(id string, bone topology.Bone, sample types.BoneSample) error {
	j.bones++
	return nil
}

func (j *recordingJournal) Commit(id string) error {
	j.committed = append(j.committed, id)
	return nil
}

func TestSessionJournal(t *testing.T) {
	journal := &recordingJournal{}
	sink := &memSink{fail: map[string]bool{"joint:Head": true}}
	session := NewSession(WithSink(sink), WithJournal(journal))

	id, _ := session.Start()
	session.Append(jointBatch(types.Head, time.Now()))
	session.Append(&Batch{Bones: []BoneEntry{{Index: 1}}})

	if journal.joints != 1 || journal.bones != 1 {
		t.Errorf("Expected 1 joint and 1 bone journalled, got %d and %d", journal.joints, journal.bones)
	}

	session.Stop(context.Background())
	if len(journal.committed) != 0 {
		t.Error("Journal committed despite failed export")
	}

	delete(sink.fail, "joint:Head")
	session.RetryPending(context.Background())
	if len(journal.committed) != 1 || journal.committed[0] != id {
		t.Errorf("Expected journal commit for %s, got %v", id, journal.committed)
	}
}

func TestSessionRecoverEmptyCommits(t *testing.T) {
	journal := &recordingJournal{}
	session := NewSession(WithJournal(journal))

	if _, err := session.Recover(context.Background(), &types.Recording{ID: "r1"}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(journal.committed) != 1 {
		t.Error("Expected empty recovered recording to be committed")
	}
}
