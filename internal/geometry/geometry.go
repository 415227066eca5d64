// Package geometry provides the box and point math used to crop and align
// faces: bounding-box expansion with frame clamping and the landmark
// alignment transform.
package geometry

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/math/f64"
)

// LandmarkCount is the number of facial keypoints produced by the landmark model.
// Order: left eye, right eye, nose tip, left mouth corner, right mouth corner.
const LandmarkCount = 5

// Box is an integer pixel rectangle with its top-left corner at (X, Y).
type Box struct {
	X int
	Y int
	W int
	H int
}

// Rect converts the box to an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// Point is an integer pixel coordinate.
type Point struct {
	X int
	Y int
}

// PointF is a real-valued coordinate. Landmark models report crop-relative
// positions in [0,1] as PointF.
type PointF struct {
	X float64
	Y float64
}

// Landmarks is the ordered 5-point keypoint set of a face in frame coordinates.
type Landmarks [LandmarkCount]Point

// Error reports a degenerate geometric input, such as a landmark set that
// cannot define an alignment transform.
type Error struct {
	Op     string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("geometry: %s: %s", e.Op, e.Reason)
}

// ExpandBox grows the box by scale*W on the left and right and scale*H on the
// top and bottom, then clamps it to the frame so that
// 1 <= X <= X+W <= frameW-1 and 1 <= Y <= Y+H <= frameH-1.
// The result always has at least one pixel of width and height, even when the
// input box is degenerate.
func ExpandBox(b Box, scale float64, frameW, frameH int) Box {
	if scale < 0 {
		scale = 0
	}
	x1, x2 := clampSpan(
		float64(b.X)-scale*float64(b.W),
		float64(b.X+b.W)+scale*float64(b.W),
		frameW,
	)
	y1, y2 := clampSpan(
		float64(b.Y)-scale*float64(b.H),
		float64(b.Y+b.H)+scale*float64(b.H),
		frameH,
	)
	return Box{X: x1, Y: y1, W: x2 - x1, H: y2 - y1}
}

// clampSpan clamps [lo, hi] to [1, dim-1] and keeps it at least one pixel wide.
func clampSpan(lo, hi float64, dim int) (int, int) {
	maxEdge := dim - 1
	if maxEdge < 2 {
		// Frames this small cannot hold a clamped box; config.Validate rejects them.
		maxEdge = 2
	}

	start := 1
	if lo > 1 {
		start = int(lo)
	}
	if start > maxEdge-1 {
		start = maxEdge - 1
	}

	end := maxEdge
	if hi < float64(maxEdge) {
		end = int(hi)
	}
	if end <= start {
		end = start + 1
	}
	return start, end
}

// ReferencePoints returns the canonical 5-point face constellation for an
// aligned face of the given size. The template is defined on a 112x112 face
// and truncated to integer pixels after scaling.
func ReferencePoints(size int) Landmarks {
	template := [LandmarkCount]PointF{
		{38.2946, 51.6963},
		{73.5318, 51.5014},
		{56.0252, 71.7366},
		{41.5493, 92.3655},
		{70.7299, 92.2041},
	}
	var ref Landmarks
	for i, p := range template {
		ref[i] = Point{
			X: int(p.X * float64(size) / 112),
			Y: int(p.Y * float64(size) / 112),
		}
	}
	return ref
}

// Affine is a 2x3 transform mapping (x, y) to
// (A*x + B*y + C, D*x + E*y + F).
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Apply maps a point through the transform.
func (t Affine) Apply(p PointF) PointF {
	return PointF{
		X: t.A*p.X + t.B*p.Y + t.C,
		Y: t.D*p.X + t.E*p.Y + t.F,
	}
}

// Aff3 returns the transform in the source-to-destination form used by
// golang.org/x/image/draw.
func (t Affine) Aff3() f64.Aff3 {
	return f64.Aff3{t.A, t.B, t.C, t.D, t.E, t.F}
}

// ComputeAlignmentTransform estimates the least-squares similarity transform
// (rotation, uniform scale and translation) that maps src onto dst.
// At least two distinct point pairs are required.
func ComputeAlignmentTransform(src, dst []Point) (Affine, error) {
	const op = "alignment transform"

	if len(src) != len(dst) {
		return Affine{}, &Error{Op: op, Reason: fmt.Sprintf("point count mismatch: %d source, %d reference", len(src), len(dst))}
	}
	if len(src) < 2 {
		return Affine{}, &Error{Op: op, Reason: fmt.Sprintf("need at least 2 point pairs, got %d", len(src))}
	}

	n := float64(len(src))
	var sx, sy, dx, dy float64
	for i := range src {
		sx += float64(src[i].X)
		sy += float64(src[i].Y)
		dx += float64(dst[i].X)
		dy += float64(dst[i].Y)
	}
	sx, sy, dx, dy = sx/n, sy/n, dx/n, dy/n

	var norm, dot, cross float64
	for i := range src {
		xs := float64(src[i].X) - sx
		ys := float64(src[i].Y) - sy
		xd := float64(dst[i].X) - dx
		yd := float64(dst[i].Y) - dy
		norm += xs*xs + ys*ys
		dot += xs*xd + ys*yd
		cross += xs*yd - ys*xd
	}
	if norm < 1e-9 {
		return Affine{}, &Error{Op: op, Reason: "source points are coincident"}
	}

	a := dot / norm
	b := cross / norm
	if math.Hypot(a, b) < 1e-12 {
		return Affine{}, &Error{Op: op, Reason: "reference points are coincident"}
	}

	return Affine{
		A: a, B: -b, C: dx - a*sx + b*sy,
		D: b, E: a, F: dy - b*sx - a*sy,
	}, nil
}
