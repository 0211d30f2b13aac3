package capture

import (
	"image"
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

// ScreenMapper maps a skeleton-space point to colour image coordinates.
// On a live sensor this is the vendor's coordinate mapper.
type ScreenMapper interface {
	MapToScreen(p mgl32.Vec3) image.Point
}

// ColorMapper is a pinhole projection onto the colour image
type ColorMapper struct {
	Width       int
	Height      int
	FocalLength float32
}

// DefaultColorMapper approximates the 640x480 colour stream
func DefaultColorMapper() *ColorMapper {
	return &ColorMapper{
		Width:       640,
		Height:      480,
		FocalLength: 531.15,
	}
}

// MapToScreen implements ScreenMapper
func (m *ColorMapper) MapToScreen(p mgl32.Vec3) image.Point {
	cx := float64(m.Width) / 2
	cy := float64(m.Height) / 2

	z := p.Z()
	if z <= 0 {
		return image.Pt(int(cx), int(cy))
	}

	x := cx + float64(m.FocalLength*p.X()/z)
	// skeleton Y points up, image Y points down
	y := cy - float64(m.FocalLength*p.Y()/z)

	return image.Pt(int(math.Round(x)), int(math.Round(y)))
}
