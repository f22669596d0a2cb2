package lod

import (
	"errors"
	"fmt"

	"github.com/Faultbox/terrastream/pkg/chunkstore"
	"github.com/Faultbox/terrastream/pkg/math"
)

// Quadtree wants every node visited by a distance-driven descent from the
// MaxMip roots. A node is split when the camera is closer to its centre
// than SplitFactor node edges. Parents stay wanted so coarse data covers
// children that are still loading.
type Quadtree struct {
	ChunkSize   int
	WorldChunks int
	MaxMip      int
	SplitFactor float64
}

// Validate checks the tree configuration.
func (q *Quadtree) Validate() error {
	errs := []error{checkWorld(q.ChunkSize, q.WorldChunks)}
	if q.MaxMip < 0 || q.MaxMip > 15 {
		errs = append(errs, fmt.Errorf("max mip must be in [0, 15], got %d", q.MaxMip))
	}
	if q.SplitFactor <= 0 {
		errs = append(errs, errors.New("split factor must be positive"))
	}
	return errors.Join(errs...)
}

// Levels returns MaxMip+1.
func (q *Quadtree) Levels() int {
	return q.MaxMip + 1
}

// MaxWanted returns 0; the node count depends on the split distance.
func (q *Quadtree) MaxWanted() int {
	return 0
}

// Wanted returns the visited nodes.
func (q *Quadtree) Wanted(camera math.Vec2) []chunkstore.ChunkKey {
	var keys []chunkstore.ChunkKey
	roots := GridSize(q.WorldChunks, q.MaxMip)
	for y := 0; y < roots; y++ {
		for x := 0; x < roots; x++ {
			keys = q.visit(keys, camera, x, y, q.MaxMip)
		}
	}
	return sortKeys(keys)
}

func (q *Quadtree) visit(keys []chunkstore.ChunkKey, camera math.Vec2, x, y, mip int) []chunkstore.ChunkKey {
	grid := GridSize(q.WorldChunks, mip)
	if x >= grid || y >= grid {
		return keys
	}
	keys = append(keys, chunkstore.NewKey(uint16(x), uint16(y), uint32(mip)))
	if mip == 0 {
		return keys
	}

	edge := ChunkEdge(q.ChunkSize, mip)
	center := math.Vec2{X: (float64(x) + 0.5) * edge, Y: (float64(y) + 0.5) * edge}
	if camera.Distance(center) >= q.SplitFactor*edge {
		return keys
	}
	for cy := 2 * y; cy <= 2*y+1; cy++ {
		for cx := 2 * x; cx <= 2*x+1; cx++ {
			keys = q.visit(keys, camera, cx, cy, mip-1)
		}
	}
	return keys
}
