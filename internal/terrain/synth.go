// Package terrain bakes synthetic chunk stores and drives one page cache per
// terrain channel from a camera position.
package terrain

import (
	"context"
	"fmt"
	"math"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/terrastream/internal/config"
	"github.com/Faultbox/terrastream/internal/gpu"
	"github.com/Faultbox/terrastream/internal/streaming/lod"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

// Composition classes written to r8 channels.
const (
	ClassWater uint8 = iota
	ClassSand
	ClassGrass
	ClassRock
	ClassSnow
)

// Synth is a deterministic fBm value-noise heightfield. Heights are in
// [0, 1]; HeightScale converts them to world units for slope estimates.
type Synth struct {
	Seed        uint32
	Octaves     int
	Scale       float64 // world units per noise cell of the first octave
	HeightScale float64
}

// DefaultSynth returns a heightfield tuned for 128-sample chunks.
func DefaultSynth(seed uint32) Synth {
	return Synth{Seed: seed, Octaves: 6, Scale: 512, HeightScale: 256}
}

// Height returns the height at a world position.
func (s Synth) Height(x, y float64) float64 {
	octaves := max(s.Octaves, 1)
	scale := s.Scale
	if scale <= 0 {
		scale = 1
	}

	var sum, norm float64
	amp, freq := 1.0, 1/scale
	for o := range octaves {
		sum += amp * s.noise(uint32(o), x*freq, y*freq)
		norm += amp
		amp *= 0.5
		freq *= 2
	}
	return sum / norm
}

// noise is bilinearly interpolated lattice noise in [0, 1].
func (s Synth) noise(octave uint32, x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := smooth(x-x0), smooth(y-y0)
	ix, iy := int32(x0), int32(y0)
	seed := s.Seed + octave*0x632be5ab

	h00 := lattice(seed, ix, iy)
	h10 := lattice(seed, ix+1, iy)
	h01 := lattice(seed, ix, iy+1)
	h11 := lattice(seed, ix+1, iy+1)

	top := h00 + (h10-h00)*fx
	bottom := h01 + (h11-h01)*fx
	return top + (bottom-top)*fy
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}

func lattice(seed uint32, x, y int32) float64 {
	return float64(hash2(seed, x, y)) / math.MaxUint32
}

// hash2 mixes 2D lattice coordinates with a seed.
func hash2(seed uint32, x, y int32) uint32 {
	h := seed
	h ^= uint32(x) * 0x9e3779b1
	h ^= uint32(y) * 0x85ebca6b
	h ^= h >> 16
	h *= 0x7feb352d
	h ^= h >> 15
	h *= 0x846ca68b
	h ^= h >> 16
	return h
}

// TexelOrigin returns the world position of texel (0, 0) of a tile. Texels
// are spaced 2^mip world units apart and the first row and column belong to
// the border shared with the neighbouring chunk.
func TexelOrigin(key chunkstore.ChunkKey, chunkSize int) (x, y, step float64) {
	step = float64(int(1) << key.Mip)
	x = (float64(int(key.X())*chunkSize) - 1) * step
	y = (float64(int(key.Y())*chunkSize) - 1) * step
	return x, y, step
}

// Tile renders the payload of one chunk in the given format.
func (s Synth) Tile(key chunkstore.ChunkKey, chunkSize int, format gpu.Format) ([]byte, error) {
	edge := chunkstore.TileEdge(chunkSize)
	ox, oy, step := TexelOrigin(key, chunkSize)
	out := make([]byte, chunkstore.TileBytes(chunkSize, format.BytesPerTexel()))

	for j := range edge {
		wy := oy + float64(j)*step
		for i := range edge {
			wx := ox + float64(i)*step
			n := j*edge + i
			switch format {
			case gpu.FormatR16:
				h := uint16(math.Round(clamp01(s.Height(wx, wy)) * math.MaxUint16))
				out[n*2] = byte(h)
				out[n*2+1] = byte(h >> 8)
			case gpu.FormatRGBA8:
				nx, ny, nz := s.Normal(wx, wy, step)
				out[n*4] = unorm8(nx*0.5 + 0.5)
				out[n*4+1] = unorm8(ny*0.5 + 0.5)
				out[n*4+2] = unorm8(nz*0.5 + 0.5)
				out[n*4+3] = 255
			case gpu.FormatR8:
				out[n] = s.Class(wx, wy, step)
			default:
				return nil, fmt.Errorf("%w: %v", gpu.ErrUnknownFormat, format)
			}
		}
	}
	return out, nil
}

// Normal returns the unit surface normal from central differences over step.
func (s Synth) Normal(x, y, step float64) (nx, ny, nz float64) {
	dx := (s.Height(x+step, y) - s.Height(x-step, y)) * s.HeightScale / (2 * step)
	dy := (s.Height(x, y+step) - s.Height(x, y-step)) * s.HeightScale / (2 * step)
	l := math.Sqrt(dx*dx + dy*dy + 1)
	return -dx / l, -dy / l, 1 / l
}

// Class picks a composition class from altitude and slope.
func (s Synth) Class(x, y, step float64) uint8 {
	h := s.Height(x, y)
	_, _, nz := s.Normal(x, y, step)
	switch {
	case h < 0.30:
		return ClassWater
	case h > 0.75:
		return ClassSnow
	case nz < 0.8:
		return ClassRock
	case h < 0.34:
		return ClassSand
	default:
		return ClassGrass
	}
}

func clamp01(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}

func unorm8(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}

// BakeOptions describes the stores to produce.
type BakeOptions struct {
	Dir         string
	ChunkSize   int
	WorldChunks int
	Levels      int
	Channels    []config.ChannelConfig
	Log         *zap.Logger
}

// Bake writes a table and blob for every channel, covering every chunk of
// every mip level. Channels are baked concurrently. It returns the number of
// chunks written per channel.
func (s Synth) Bake(ctx context.Context, opts BakeOptions) (int, error) {
	if opts.ChunkSize <= 0 || opts.WorldChunks <= 0 || opts.Levels <= 0 {
		return 0, fmt.Errorf("invalid bake extent: chunk %d, world %d, levels %d",
			opts.ChunkSize, opts.WorldChunks, opts.Levels)
	}
	if lod.GridSize(opts.WorldChunks, 0) > 1<<16 {
		return 0, fmt.Errorf("world of %d chunks exceeds the 16-bit key range", opts.WorldChunks)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	var chunks int
	for mip := range opts.Levels {
		n := lod.GridSize(opts.WorldChunks, mip)
		chunks += n * n
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, ch := range opts.Channels {
		g.Go(func() error {
			format, err := gpu.ParseFormat(ch.Format)
			if err != nil {
				return fmt.Errorf("channel %q: %w", ch.Name, err)
			}
			return s.bakeChannel(ctx, opts, ch, format, log.With(zap.String("channel", ch.Name)))
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return chunks, nil
}

func (s Synth) bakeChannel(ctx context.Context, opts BakeOptions, ch config.ChannelConfig, format gpu.Format, log *zap.Logger) error {
	w, err := chunkstore.Create(
		filepath.Join(opts.Dir, ch.Table),
		filepath.Join(opts.Dir, ch.Blob),
		chunkstore.TileBytes(opts.ChunkSize, format.BytesPerTexel()),
	)
	if err != nil {
		return fmt.Errorf("channel %q: %w", ch.Name, err)
	}

	for mip := range opts.Levels {
		n := lod.GridSize(opts.WorldChunks, mip)
		for y := range n {
			if err := ctx.Err(); err != nil {
				w.Close()
				return err
			}
			for x := range n {
				key := chunkstore.NewKey(uint16(x), uint16(y), uint32(mip))
				payload, err := s.Tile(key, opts.ChunkSize, format)
				if err != nil {
					w.Close()
					return err
				}
				if err := w.Add(key, payload); err != nil {
					w.Close()
					return fmt.Errorf("channel %q: %w", ch.Name, err)
				}
			}
		}
		log.Debug("mip baked", zap.Int("mip", mip), zap.Int("grid", n))
	}

	written := w.Len()
	if err := w.Close(); err != nil {
		return fmt.Errorf("channel %q: %w", ch.Name, err)
	}
	log.Info("channel baked",
		zap.Int("chunks", written),
		zap.String("table", ch.Table),
		zap.String("blob", ch.Blob))
	return nil
}
