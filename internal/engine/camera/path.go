package camera

import (
	"errors"

	"github.com/Faultbox/terrastream/pkg/math"
)

// Path walks a camera through waypoints at constant speed.
type Path struct {
	points   []math.Vec2
	speed    float64
	segment  int
	progress float64 // distance covered along the current segment
}

// NewPath creates a path. At least one waypoint is required.
func NewPath(points []math.Vec2, speed float64) (*Path, error) {
	if len(points) == 0 {
		return nil, errors.New("path needs at least one waypoint")
	}
	if speed <= 0 {
		return nil, errors.New("path speed must be positive")
	}
	return &Path{points: points, speed: speed}, nil
}

// Position returns the current point on the path.
func (p *Path) Position() math.Vec2 {
	if p.Done() {
		return p.points[len(p.points)-1]
	}
	a, b := p.points[p.segment], p.points[p.segment+1]
	length := a.Distance(b)
	if length == 0 {
		return a
	}
	return a.Lerp(b, p.progress/length)
}

// Advance moves along the path for dt seconds and returns the new position.
func (p *Path) Advance(dt float64) math.Vec2 {
	remaining := p.speed * dt
	for !p.Done() && remaining > 0 {
		length := p.points[p.segment].Distance(p.points[p.segment+1])
		left := length - p.progress
		if remaining < left {
			p.progress += remaining
			break
		}
		remaining -= left
		p.segment++
		p.progress = 0
	}
	return p.Position()
}

// Done reports whether the last waypoint has been reached.
func (p *Path) Done() bool {
	return p.segment >= len(p.points)-1
}
