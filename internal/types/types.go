package types

import (
	"image"
	"time"
)

// Box is an axis-aligned rectangle in source-image pixels: (X1,Y1) top-left, (X2,Y2) bottom-right.
type Box struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

func (b Box) Width() float64  { return b.X2 - b.X1 }
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Area is zero for inverted boxes.
func (b Box) Area() float64 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Rect rounds the box outwards to an integer rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2+0.999999), int(b.Y2+0.999999))
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Detection is one face candidate in one frame.
// Landmarks is either empty or the 5 keypoints: left eye, right eye, nose, left mouth, right mouth.
type Detection struct {
	Box       Box     `json:"box"`
	Score     float64 `json:"score"`
	Landmarks []Point `json:"landmarks,omitempty"`
}

// Frame is a decoded camera frame. The consumer calls Release once it is done with Image,
// whether the frame was processed or dropped.
type Frame struct {
	Image     *image.RGBA
	Timestamp time.Time
	release   func()
}

func NewFrame(img *image.RGBA, ts time.Time, release func()) *Frame {
	return &Frame{Image: img, Timestamp: ts, release: release}
}

// Release is idempotent.
func (f *Frame) Release() {
	if f == nil || f.release == nil {
		return
	}
	r := f.release
	f.release = nil
	r()
}
