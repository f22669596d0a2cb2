// Package lod selects the chunks wanted around a camera position. The result
// for a given position and configuration is always the same sorted slice.
package lod

import (
	"errors"
	"fmt"
	"slices"

	"github.com/Faultbox/terrastream/internal/config"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
	"github.com/Faultbox/terrastream/pkg/math"
)

// Generator produces the wanted chunk set for a camera position.
type Generator interface {
	Wanted(camera math.Vec2) []chunkstore.ChunkKey
	// MaxWanted is an upper bound on len(Wanted), or 0 when none is known.
	MaxWanted() int
	// Levels returns the number of mip levels the generator can request.
	Levels() int
}

// New builds the generator selected by cfg.
func New(cfg config.LODConfig, chunkSize int) (Generator, error) {
	var g interface {
		Generator
		Validate() error
	}
	switch cfg.Mode {
	case config.LODClipmap, "":
		g = &Clipmap{ChunkSize: chunkSize, WorldChunks: cfg.WorldChunks, RingSizes: cfg.RingSizes}
	case config.LODQuadtree:
		g = &Quadtree{ChunkSize: chunkSize, WorldChunks: cfg.WorldChunks, MaxMip: cfg.MaxMip, SplitFactor: cfg.SplitFactor}
	default:
		return nil, fmt.Errorf("unknown lod mode %q", cfg.Mode)
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("%s lod: %w", cfg.Mode, err)
	}
	return g, nil
}

// GridSize returns the number of chunks per axis at a mip level.
func GridSize(worldChunks, mip int) int {
	return max(1, (worldChunks+(1<<mip)-1)>>mip)
}

// ChunkEdge returns a chunk's edge in world units at a mip level.
func ChunkEdge(chunkSize, mip int) float64 {
	return float64(chunkSize << mip)
}

// sortKeys orders keys coarse mip first, then row, then column, and drops
// duplicates.
func sortKeys(keys []chunkstore.ChunkKey) []chunkstore.ChunkKey {
	slices.SortFunc(keys, func(a, b chunkstore.ChunkKey) int {
		if a.Mip != b.Mip {
			return int(b.Mip) - int(a.Mip)
		}
		if a.Y() != b.Y() {
			return int(a.Y()) - int(b.Y())
		}
		return int(a.X()) - int(b.X())
	})
	return slices.Compact(keys)
}

func checkWorld(chunkSize, worldChunks int) error {
	var errs []error
	if chunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", chunkSize))
	}
	if worldChunks <= 0 || worldChunks > 1<<16 {
		errs = append(errs, fmt.Errorf("world chunks must be in [1, 65536], got %d", worldChunks))
	}
	return errors.Join(errs...)
}
