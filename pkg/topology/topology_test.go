package topology

import (
	"testing"

	"github.com/vjranagit/mocap/pkg/types"
)

func TestTopologyShape(t *testing.T) {
	if len(Joints()) != types.JointCount {
		t.Fatalf("Expected %d joints, got %d", types.JointCount, len(Joints()))
	}

	seen := make(map[types.JointType]bool)
	for i, j := range Joints() {
		if seen[j] {
			t.Errorf("Joint %s listed twice", j)
		}
		seen[j] = true
		if idx, ok := JointIndex(j); !ok || idx != i {
			t.Errorf("JointIndex(%s) = %d, %v; want %d", j, idx, ok, i)
		}
	}

	if len(Bones()) != BoneCount {
		t.Fatalf("Expected %d bones, got %d", BoneCount, len(Bones()))
	}

	for i, b := range Bones() {
		if !b.Start.Valid() || !b.End.Valid() {
			t.Errorf("Bone %d has invalid endpoint: %v", i, b)
		}
		if i > 0 && b.Start == b.End {
			t.Errorf("Bone %d has identical endpoints %s", i, b.Start)
		}
	}
}

func TestBoneIndexSymmetric(t *testing.T) {
	for i, b := range Bones() {
		fwd, ok := BoneIndex(b.Start, b.End)
		if !ok || fwd != i {
			t.Errorf("BoneIndex(%s, %s) = %d, %v; want %d", b.Start, b.End, fwd, ok, i)
		}

		rev, ok := BoneIndex(b.End, b.Start)
		if !ok || rev != i {
			t.Errorf("BoneIndex(%s, %s) = %d, %v; want %d", b.End, b.Start, rev, ok, i)
		}
	}
}

func TestBoneIndexUnknownPair(t *testing.T) {
	if _, ok := BoneIndex(types.Head, types.FootLeft); ok {
		t.Error("Expected no bone between Head and FootLeft")
	}

	if _, ok := BoneIndex(types.JointType(42), types.Head); ok {
		t.Error("Expected invalid joint to be rejected")
	}
}

func TestBonesReturnsCopy(t *testing.T) {
	b := Bones()
	b[1] = Bone{types.Head, types.Head}

	if BoneAt(1).Start != types.HipCenter {
		t.Error("Mutating Bones() result changed the table")
	}
}
