// Package geometry provides the bounding-box math shared by the detection
// pipeline: intersection-over-union, containment, area and region helpers.
package geometry

// Rect is an axis-aligned rectangle in pixel coordinates. X and Y locate
// the top-left corner.
type Rect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Area returns the rectangle area in square pixels.
func (r Rect) Area() int {
	return r.Width * r.Height
}

// Center returns the center point of the rectangle. Coordinates are
// truncated to the pixel grid.
func (r Rect) Center() (x, y int) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Contains reports whether the point lies inside the rectangle.
// All four edges are inclusive.
func (r Rect) Contains(x, y int) bool {
	return x >= r.X && x <= r.X+r.Width &&
		y >= r.Y && y <= r.Y+r.Height
}

// Empty reports whether the rectangle encloses no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

// Intersect returns the overlapping region of two rectangles. The zero
// Rect is returned when they do not overlap.
func (r Rect) Intersect(other Rect) Rect {
	left := max(r.X, other.X)
	top := max(r.Y, other.Y)
	right := min(r.X+r.Width, other.X+other.Width)
	bottom := min(r.Y+r.Height, other.Y+other.Height)

	if right <= left || bottom <= top {
		return Rect{}
	}
	return Rect{X: left, Y: top, Width: right - left, Height: bottom - top}
}

// IoU calculates the intersection-over-union of two rectangles.
// Rectangles that merely touch along an edge score 0. A degenerate union
// with no area also scores 0 rather than dividing by zero.
func (r Rect) IoU(other Rect) float64 {
	left := max(r.X, other.X)
	top := max(r.Y, other.Y)
	right := min(r.X+r.Width, other.X+other.Width)
	bottom := min(r.Y+r.Height, other.Y+other.Height)

	if right <= left || bottom <= top {
		return 0.0
	}

	intersection := (right - left) * (bottom - top)
	union := r.Area() + other.Area() - intersection
	if union <= 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}

// Shrink scales the rectangle around its center. A factor of 0.8 keeps
// the centered 80% in each dimension. Factors outside (0, 1] return the
// rectangle unchanged.
func Shrink(r Rect, factor float64) Rect {
	if factor <= 0 || factor >= 1 {
		return r
	}

	newW := int(float64(r.Width) * factor)
	newH := int(float64(r.Height) * factor)

	return Rect{
		X:      r.X + (r.Width-newW)/2,
		Y:      r.Y + (r.Height-newH)/2,
		Width:  newW,
		Height: newH,
	}
}

// Clamp constrains the rectangle to a frame of the given dimensions. The
// origin is pulled inside the frame and the width and height are trimmed
// to what remains.
func Clamp(r Rect, frameWidth, frameHeight int) Rect {
	x := max(0, min(r.X, frameWidth-1))
	y := max(0, min(r.Y, frameHeight-1))

	return Rect{
		X:      x,
		Y:      y,
		Width:  min(r.Width, frameWidth-x),
		Height: min(r.Height, frameHeight-y),
	}
}
