// Package images - box geometry shared by the postprocessors.
package images

// iouEpsilon guards the IoU division against empty unions.
const iouEpsilon = 1e-7

// Rect is a lightweight axis-aligned bounding box in float32 coordinates,
// X2/Y2 inclusive of the far edge the way detection models emit them.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Area returns the rectangle's area, zero for degenerate boxes.
func (r Rect) Area() float32 {
	w := r.X2 - r.X1
	h := r.Y2 - r.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Empty reports whether the box has no extent.
func (r Rect) Empty() bool {
	return r.X2 <= r.X1 || r.Y2 <= r.Y1
}

// IoU computes intersection-over-union between two boxes.
//
// The intersection's corners are the max of the top-left corners and the min
// of the bottom-right corners; a non-positive width or height means the boxes
// do not overlap. The union follows inclusion-exclusion so the overlap is not
// counted twice.
//
// Arguments:
//   - o: The other rectangle.
//
// Returns:
//   - float32: IoU in [0, 1].
func (r Rect) IoU(o Rect) float32 {
	ix1 := max32(r.X1, o.X1)
	iy1 := max32(r.Y1, o.Y1)
	ix2 := min32(r.X2, o.X2)
	iy2 := min32(r.Y2, o.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	intersection := iw * ih
	union := r.Area() + o.Area() - intersection
	return intersection / (union + iouEpsilon)
}

// Offset returns the box translated by (dx, dy) on both axes.
func (r Rect) Offset(dx, dy float32) Rect {
	return Rect{X1: r.X1 + dx, Y1: r.Y1 + dy, X2: r.X2 + dx, Y2: r.Y2 + dy}
}

// Clamp restricts the box to [0,w] x [0,h].
func (r Rect) Clamp(w, h float32) Rect {
	return Rect{
		X1: min32(max32(r.X1, 0), w),
		Y1: min32(max32(r.Y1, 0), h),
		X2: min32(max32(r.X2, 0), w),
		Y2: min32(max32(r.Y2, 0), h),
	}
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}
