package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for values the streamer cannot run with.
func (c *Config) Validate() error {
	var errs []error

	s := c.Streaming
	if s.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("streaming.chunk_size must be positive, got %d", s.ChunkSize))
	}
	if s.AtlasSlots <= 0 {
		errs = append(errs, fmt.Errorf("streaming.atlas_slots must be positive, got %d", s.AtlasSlots))
	}
	if s.MaxConcurrentLoads <= 0 {
		errs = append(errs, fmt.Errorf("streaming.max_concurrent_loads must be positive, got %d", s.MaxConcurrentLoads))
	}
	if s.Workers <= 0 {
		errs = append(errs, fmt.Errorf("streaming.workers must be positive, got %d", s.Workers))
	}
	if s.ReadBytesPerSec < 0 {
		errs = append(errs, fmt.Errorf("streaming.read_bytes_per_sec must not be negative"))
	}

	l := c.LOD
	if l.WorldChunks <= 0 || l.WorldChunks > 1<<16 {
		errs = append(errs, fmt.Errorf("lod.world_chunks must be in [1, 65536], got %d", l.WorldChunks))
	}
	switch l.Mode {
	case LODClipmap:
		if len(l.RingSizes) == 0 {
			errs = append(errs, errors.New("lod.ring_sizes must list at least one mip"))
		}
		for i, r := range l.RingSizes {
			if r <= 0 {
				errs = append(errs, fmt.Errorf("lod.ring_sizes[%d] must be positive, got %d", i, r))
			}
			if i > 0 && r > l.RingSizes[i-1] {
				errs = append(errs, fmt.Errorf("lod.ring_sizes must not grow with mip: [%d]=%d > [%d]=%d", i, r, i-1, l.RingSizes[i-1]))
			}
		}
	case LODQuadtree:
		if l.MaxMip < 0 || l.MaxMip > 15 {
			errs = append(errs, fmt.Errorf("lod.max_mip must be in [0, 15], got %d", l.MaxMip))
		}
		if l.SplitFactor <= 0 {
			errs = append(errs, fmt.Errorf("lod.split_factor must be positive, got %g", l.SplitFactor))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lod.mode %q", l.Mode))
	}

	if len(c.Channels) == 0 {
		errs = append(errs, errors.New("at least one channel is required"))
	}
	names := make(map[string]bool)
	for i, ch := range c.Channels {
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("channels[%d] has no name", i))
		}
		if names[ch.Name] {
			errs = append(errs, fmt.Errorf("duplicate channel %q", ch.Name))
		}
		names[ch.Name] = true
		if ch.BytesPerSample() == 0 {
			errs = append(errs, fmt.Errorf("channel %q: unknown format %q", ch.Name, ch.Format))
		}
		if ch.Table == "" || ch.Blob == "" {
			errs = append(errs, fmt.Errorf("channel %q: table and blob paths are required", ch.Name))
		}
	}

	switch c.Storage.Backend {
	case StorageLocal:
	case StorageMinio, StorageS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.bucket is required for backend %q", c.Storage.Backend))
		}
		if c.Storage.Backend == StorageMinio && c.Storage.Endpoint == "" {
			errs = append(errs, errors.New("storage.endpoint is required for backend \"minio\""))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", c.Storage.Backend))
	}

	return errors.Join(errs...)
}
