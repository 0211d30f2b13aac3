// Package topology holds the fixed skeleton model shared by the frame
// classifier and the recording session.
package topology

import "github.com/vjranagit/mocap/pkg/types"

// Bone is an ordered pair of joint identities
type Bone struct {
	Start types.JointType `json:"start"`
	End   types.JointType `json:"end"`
}

// BoneCount is the number of bones in the skeleton model
const BoneCount = 20

var joints = [types.JointCount]types.JointType{
	types.HipCenter, types.Spine, types.ShoulderCenter, types.Head,
	types.ShoulderLeft, types.ElbowLeft, types.WristLeft, types.HandLeft,
	types.ShoulderRight, types.ElbowRight, types.WristRight, types.HandRight,
	types.HipLeft, types.KneeLeft, types.AnkleLeft, types.FootLeft,
	types.HipRight, types.KneeRight, types.AnkleRight, types.FootRight,
}

// Bone i ends at joint i. Bone 0 is the root orientation and starts and
// ends at HipCenter; every other bone has two distinct endpoints.
var bones = [BoneCount]Bone{
	{types.HipCenter, types.HipCenter},
	{types.HipCenter, types.Spine},
	{types.Spine, types.ShoulderCenter},
	{types.ShoulderCenter, types.Head},

	{types.ShoulderCenter, types.ShoulderLeft},
	{types.ShoulderLeft, types.ElbowLeft},
	{types.ElbowLeft, types.WristLeft},
	{types.WristLeft, types.HandLeft},

	{types.ShoulderCenter, types.ShoulderRight},
	{types.ShoulderRight, types.ElbowRight},
	{types.ElbowRight, types.WristRight},
	{types.WristRight, types.HandRight},

	{types.HipCenter, types.HipLeft},
	{types.HipLeft, types.KneeLeft},
	{types.KneeLeft, types.AnkleLeft},
	{types.AnkleLeft, types.FootLeft},

	{types.HipCenter, types.HipRight},
	{types.HipRight, types.KneeRight},
	{types.KneeRight, types.AnkleRight},
	{types.AnkleRight, types.FootRight},
}

// pairIndex maps both orientations of every bone to its index, -1 elsewhere
var pairIndex [types.JointCount][types.JointCount]int

func init() {
	for a := range pairIndex {
		for b := range pairIndex[a] {
			pairIndex[a][b] = -1
		}
	}
	for i, b := range bones {
		pairIndex[b.Start][b.End] = i
		pairIndex[b.End][b.Start] = i
	}
}

// Joints returns the ordered joint identities
func Joints() []types.JointType {
	out := make([]types.JointType, len(joints))
	copy(out, joints[:])
	return out
}

// Bones returns the ordered bones
func Bones() []Bone {
	out := make([]Bone, len(bones))
	copy(out, bones[:])
	return out
}

// BoneAt returns bone i
func BoneAt(i int) Bone {
	return bones[i]
}

// JointIndex returns the position of j in the joint order
func JointIndex(j types.JointType) (int, bool) {
	if !j.Valid() {
		return 0, false
	}
	return int(j), true
}

// BoneIndex finds the bone joining a and b regardless of their order
func BoneIndex(a, b types.JointType) (int, bool) {
	if !a.Valid() || !b.Valid() {
		return 0, false
	}
	i := pairIndex[a][b]
	return i, i >= 0
}
