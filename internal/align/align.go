package align

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/rollcall/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// OutputSize is the side of the canonical face crop expected by ArcFace-style models.
const OutputSize = 112

// Template holds the five canonical landmark positions inside a 112x112 crop:
// left eye, right eye, nose tip, left mouth corner, right mouth corner.
var Template = [5]types.Point{
	{X: 38.2946, Y: 51.6963},
	{X: 73.5318, Y: 51.5014},
	{X: 56.0252, Y: 71.7366},
	{X: 41.5493, Y: 92.3655},
	{X: 70.7299, Y: 92.2041},
}

var ErrDegenerate = errors.New("landmarks are collinear")

// Face warps the face in src onto the canonical template and returns a size x size crop.
//
// The transform is solved exactly from the first three landmarks (both eyes and the nose).
// Detections without landmarks fall back to template points laid proportionally inside the box,
// which reduces the warp to a crop and rescale of the box.
func Face(src image.Image, landmarks []types.Point, box types.Box, size int) (*image.RGBA, error) {
	if src == nil {
		return nil, errors.New("nil source image")
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid output size %d", size)
	}

	pts := landmarks
	if len(pts) < 3 {
		pts = BoxLandmarks(box)
	}

	scale := float64(size) / OutputSize
	var from, to [3]types.Point
	for i := 0; i < 3; i++ {
		from[i] = pts[i]
		to[i] = types.Point{X: Template[i].X * scale, Y: Template[i].Y * scale}
	}

	m, err := Estimate(from, to)
	if err != nil {
		return nil, err
	}

	// Landmarks and the transform share the source image's coordinate space
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.BiLinear.Transform(dst, m, src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

// BoxLandmarks places the template proportionally inside box.
func BoxLandmarks(box types.Box) []types.Point {
	w, h := box.Width(), box.Height()
	pts := make([]types.Point, len(Template))
	for i, p := range Template {
		pts[i] = types.Point{
			X: box.X1 + p.X/OutputSize*w,
			Y: box.Y1 + p.Y/OutputSize*h,
		}
	}
	return pts
}

// Estimate solves the affine transform mapping the three from points onto the three to points.
// The result is in x/image/draw's source-to-destination convention.
func Estimate(from, to [3]types.Point) (f64.Aff3, error) {
	// | x0 y0 1 |   | a d |   | u0 v0 |
	// | x1 y1 1 | * | b e | = | u1 v1 |
	// | x2 y2 1 |   | c f |   | u2 v2 |
	det := from[0].X*(from[1].Y-from[2].Y) -
		from[0].Y*(from[1].X-from[2].X) +
		(from[1].X*from[2].Y - from[2].X*from[1].Y)
	if math.Abs(det) < 1e-9 {
		return f64.Aff3{}, ErrDegenerate
	}

	solve := func(r0, r1, r2 float64) (float64, float64, float64) {
		// Cramer's rule, one column at a time
		da := r0*(from[1].Y-from[2].Y) - from[0].Y*(r1-r2) + (r1*from[2].Y - r2*from[1].Y)
		db := from[0].X*(r1-r2) - r0*(from[1].X-from[2].X) + (from[1].X*r2 - from[2].X*r1)
		dc := from[0].X*(from[1].Y*r2-from[2].Y*r1) -
			from[0].Y*(from[1].X*r2-from[2].X*r1) +
			r0*(from[1].X*from[2].Y-from[2].X*from[1].Y)
		return da / det, db / det, dc / det
	}

	a, b, c := solve(to[0].X, to[1].X, to[2].X)
	d, e, f := solve(to[0].Y, to[1].Y, to[2].Y)
	return f64.Aff3{a, b, c, d, e, f}, nil
}

// Apply maps p through m.
func Apply(m f64.Aff3, p types.Point) types.Point {
	return types.Point{
		X: m[0]*p.X + m[1]*p.Y + m[2],
		Y: m[3]*p.X + m[4]*p.Y + m[5],
	}
}
