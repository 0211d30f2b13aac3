package capture

import "github.com/vjranagit/mocap/pkg/types"

// boneClasses is indexed by the tracking states of the two bone endpoints.
// Any NotTracked endpoint suppresses the bone.
var boneClasses = [3][3]types.Class{
	types.NotTracked: {
		types.NotTracked: types.ClassNone,
		types.Inferred:   types.ClassNone,
		types.Tracked:    types.ClassNone,
	},
	types.Inferred: {
		types.NotTracked: types.ClassNone,
		types.Inferred:   types.ClassInferred,
		types.Tracked:    types.ClassHalfInferred,
	},
	types.Tracked: {
		types.NotTracked: types.ClassNone,
		types.Inferred:   types.ClassHalfInferred,
		types.Tracked:    types.ClassTracked,
	},
}

func validState(s types.TrackingState) bool {
	return s >= types.NotTracked && s <= types.Tracked
}

// JointClass classifies a single joint. ClassNone means skip.
func JointClass(s types.TrackingState) types.Class {
	switch s {
	case types.Tracked:
		return types.ClassTracked
	case types.Inferred:
		return types.ClassInferred
	default:
		return types.ClassNone
	}
}

// BoneClass classifies a bone from the states of its endpoints.
// ClassNone means skip.
func BoneClass(start, end types.TrackingState) types.Class {
	if !validState(start) || !validState(end) {
		return types.ClassNone
	}
	return boneClasses[start][end]
}

// Overlay styling
const (
	JointDiameter = 10.0
	BoneThickness = 3.0
)

var classColors = map[types.Class]string{
	types.ClassTracked:      "#00ff00",
	types.ClassInferred:     "#ffff00",
	types.ClassHalfInferred: "#ffa500",
}

// ClassColor returns the overlay colour of a class
func ClassColor(c types.Class) string {
	return classColors[c]
}
