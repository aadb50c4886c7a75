package vision

import (
	"fmt"
	"image"
)

// Point is a screen coordinate in device pixels.
type Point struct {
	X int `mapstructure:"x" yaml:"x"`
	Y int `mapstructure:"y" yaml:"y"`
}

func (p Point) String() string { return fmt.Sprintf("(%d,%d)", p.X, p.Y) }

// Region is a rectangular search area given as origin plus size.
type Region struct {
	X int `mapstructure:"x" yaml:"x"`
	Y int `mapstructure:"y" yaml:"y"`
	W int `mapstructure:"w" yaml:"w"`
	H int `mapstructure:"h" yaml:"h"`
}

// Rect converts the region into an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H)
}

func (r Region) String() string {
	return fmt.Sprintf("[%d,%d %dx%d]", r.X, r.Y, r.W, r.H)
}

// Match is where a template was found and how well it scored.
type Match struct {
	Left   int
	Top    int
	Width  int
	Height int
	Score  float64
}

// Center returns the midpoint of the matched box.
func (m Match) Center() Point {
	return Point{X: m.Left + m.Width/2, Y: m.Top + m.Height/2}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the part of img inside region. Images that cannot produce a
// sub-image are copied into a new RGBA.
func Crop(img image.Image, region Region) image.Image {
	r := region.Rect().Intersect(img.Bounds())
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			out.Set(x-r.Min.X, y-r.Min.Y, img.At(x, y))
		}
	}
	return out
}
