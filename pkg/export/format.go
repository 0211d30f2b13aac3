package export

import (
	"strconv"
	"strings"

	"github.com/vjranagit/mocap/pkg/types"
)

// JointHeader is the column layout of joint files
func JointHeader() []string {
	return []string{"timestamp", "x", "y", "z", "coord_type"}
}

// BoneHeader is the column layout of bone files
func BoneHeader() []string {
	header := []string{"timestamp"}
	header = append(header, matrixColumns("abs")...)
	header = append(header, "abs_x", "abs_y", "abs_z", "abs_w")
	header = append(header, matrixColumns("h")...)
	header = append(header, "h_x", "h_y", "h_z", "h_w")
	return append(header, "coord_type")
}

func matrixColumns(prefix string) []string {
	cols := make([]string, 0, 16)
	for r := 1; r <= 4; r++ {
		for c := 1; c <= 4; c++ {
			cols = append(cols, prefix+"_m"+strconv.Itoa(r)+strconv.Itoa(c))
		}
	}
	return cols
}

// JointRow renders one joint sample
func JointRow(s types.JointSample) []string {
	return []string{
		FormatTimestamp(s),
		ftoa(s.Position.X()),
		ftoa(s.Position.Y()),
		ftoa(s.Position.Z()),
		strconv.Itoa(int(s.Class)),
	}
}

// BoneRow renders one bone sample
func BoneRow(s types.BoneSample) []string {
	row := make([]string, 0, 42)
	row = append(row, s.Timestamp.Format(types.TimestampLayout))
	row = appendRotation(row, s.Absolute)
	row = appendRotation(row, s.Hierarchical)
	return append(row, strconv.Itoa(int(s.Class)))
}

// appendRotation writes the matrix row by row (m11, m12, ...) followed by
// the quaternion x, y, z, w
func appendRotation(row []string, r types.Rotation) []string {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			row = append(row, ftoa(r.Matrix.At(i, j)))
		}
	}
	return append(row,
		ftoa(r.Quaternion.X()),
		ftoa(r.Quaternion.Y()),
		ftoa(r.Quaternion.Z()),
		ftoa(r.Quaternion.W),
	)
}

// FormatTimestamp renders the timestamp column of a joint sample
func FormatTimestamp(s types.JointSample) string {
	return s.Timestamp.Format(types.TimestampLayout)
}

// ftoa renders a value independently of the process locale
func ftoa(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}

// fileStamp turns a timestamp column value into a filename-safe token
var fileStamp = strings.NewReplacer(" ", "_", ":", "-", ".", "-")

// JointFileName names the file of a joint series
func JointFileName(s *types.JointSeries) string {
	stamp := fileStamp.Replace(s.Samples[0].Timestamp.Format(types.TimestampLayout))
	return "joint-" + stamp + "-" + s.Name() + ".dat"
}

// BoneFileName names the file of a bone series
func BoneFileName(s *types.BoneSeries) string {
	stamp := fileStamp.Replace(s.Samples[0].Timestamp.Format(types.TimestampLayout))
	return "bone-" + stamp + "-" + s.Name() + ".dat"
}
