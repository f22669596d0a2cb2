// Package math provides the small vector and scalar helpers used by the
// camera and LOD selection.
package math

import "math"

// Vec2 is a 2D vector in world units.
type Vec2 struct {
	X, Y float64
}

// Add returns v + other.
func (v Vec2) Add(other Vec2) Vec2 {
	return Vec2{v.X + other.X, v.Y + other.Y}
}

// Sub returns v - other.
func (v Vec2) Sub(other Vec2) Vec2 {
	return Vec2{v.X - other.X, v.Y - other.Y}
}

// Scale returns v * scalar.
func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{v.X * s, v.Y * s}
}

// Dot returns the dot product.
func (v Vec2) Dot(other Vec2) float64 {
	return v.X*other.X + v.Y*other.Y
}

// Length returns the magnitude.
func (v Vec2) Length() float64 {
	return math.Hypot(v.X, v.Y)
}

// Normalize returns a unit vector.
func (v Vec2) Normalize() Vec2 {
	l := v.Length()
	if l == 0 {
		return Vec2{}
	}
	return Vec2{v.X / l, v.Y / l}
}

// Distance returns the distance to another point.
func (v Vec2) Distance(other Vec2) float64 {
	return v.Sub(other).Length()
}

// Lerp interpolates from v to other by t.
func (v Vec2) Lerp(other Vec2, t float64) Vec2 {
	return Vec2{Lerp(v.X, other.X, t), Lerp(v.Y, other.Y, t)}
}

// Clamp limits both components to [lo, hi].
func (v Vec2) Clamp(lo, hi float64) Vec2 {
	return Vec2{Clamp(v.X, lo, hi), Clamp(v.Y, lo, hi)}
}

// Lerp interpolates linearly between a and b.
func Lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// Clamp limits x to [lo, hi].
func Clamp(x, lo, hi float64) float64 {
	return max(lo, min(hi, x))
}

// FloorDiv divides rounding toward negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
