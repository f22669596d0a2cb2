package terrain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/assets"
	"github.com/Faultbox/terrastream/internal/config"
	"github.com/Faultbox/terrastream/internal/gpu"
	"github.com/Faultbox/terrastream/internal/storage"
	"github.com/Faultbox/terrastream/internal/streaming"
	"github.com/Faultbox/terrastream/internal/streaming/lod"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
	"github.com/Faultbox/terrastream/pkg/math"
)

// Channel is one independently streamed terrain texture.
type Channel struct {
	Name   string
	Format gpu.Format
	Loader *streaming.Loader
	Cache  *streaming.PageCache
}

// ChannelFrame reports one channel's work during a frame.
type ChannelFrame struct {
	Name string
	streaming.ReconcileStats
	Activated int
	Nodes     int // metadata nodes uploaded
}

// FrameStats reports one Update call.
type FrameStats struct {
	Frame    uint64
	Wanted   int
	Channels []ChannelFrame
	Elapsed  time.Duration
}

// Activated returns the number of tiles that became visible across channels.
func (f FrameStats) Activated() int {
	n := 0
	for _, c := range f.Channels {
		n += c.Activated
	}
	return n
}

// Streamer feeds the same wanted set to every channel's page cache.
type Streamer struct {
	log      *zap.Logger
	gen      lod.Generator
	assets   *assets.Manager
	channels []*Channel
	checks   bool
	frame    uint64
}

// New opens every channel's table and creates its loader and page cache on
// the session device.
func New(ctx context.Context, sess *streaming.Session, cfg *config.Config, src storage.Source) (*Streamer, error) {
	gen, err := lod.New(cfg.LOD, cfg.Streaming.ChunkSize)
	if err != nil {
		return nil, err
	}

	log := sess.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Streamer{
		log:    log.Named("streamer"),
		gen:    gen,
		assets: assets.NewManager(ctx, src),
		checks: cfg.Streaming.DebugChecks,
	}

	slots := cfg.Streaming.AtlasSlots * cfg.Streaming.AtlasSlots
	if m := gen.MaxWanted(); m > slots {
		s.log.Warn("wanted set can exceed atlas capacity",
			zap.Int("max_wanted", m),
			zap.Int("slots", slots))
	}

	for _, cc := range cfg.Channels {
		ch, err := s.openChannel(sess, cfg, cc, slots)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.channels = append(s.channels, ch)
	}

	s.log.Info("streamer ready",
		zap.Int("channels", len(s.channels)),
		zap.String("lod", cfg.LOD.Mode),
		zap.Int("levels", gen.Levels()),
		zap.Stringer("source", src))
	return s, nil
}

func (s *Streamer) openChannel(sess *streaming.Session, cfg *config.Config, cc config.ChannelConfig, slots int) (*Channel, error) {
	format, err := gpu.ParseFormat(cc.Format)
	if err != nil {
		return nil, &streaming.ConfigurationError{Atlas: cc.Name, Err: err}
	}
	table, err := s.assets.Table(cc.Table)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", cc.Name, err)
	}
	if want := uint32(s.gen.Levels() - 1); table.Len() == 0 || table.MaxMip() < want {
		return nil, &streaming.ConfigurationError{Atlas: cc.Name,
			Err: fmt.Errorf("table %s stops at mip %d, lod needs %d", cc.Table, table.MaxMip(), want)}
	}

	loader, err := streaming.NewLoader(sess, s.assets, streaming.LoaderOptions{
		Channel:         cc.Name,
		BlobPath:        cc.Blob,
		Workers:         cfg.Streaming.Workers,
		Segments:        cfg.Streaming.MaxConcurrentLoads,
		SegmentSize:     chunkstore.TileBytes(cfg.Streaming.ChunkSize, format.BytesPerTexel()),
		QueueSize:       slots,
		ReadBytesPerSec: cfg.Streaming.ReadBytesPerSec,
	})
	if err != nil {
		return nil, err
	}

	cache, err := streaming.NewPageCache(sess, loader, streaming.PageCacheOptions{
		Label:        cc.Name,
		SlotsPerAxis: cfg.Streaming.AtlasSlots,
		ChunkSize:    cfg.Streaming.ChunkSize,
		Format:       format,
		Table:        table,
	})
	if err != nil {
		loader.Close()
		return nil, err
	}
	return &Channel{Name: cc.Name, Format: format, Loader: loader, Cache: cache}, nil
}

// Update runs one frame: select the wanted chunks around the camera,
// reconcile and refresh every channel, then publish metadata. Page cache
// errors are fatal; the first one ends the frame before any metadata is
// flushed and every later Update returns it again.
func (s *Streamer) Update(camera math.Vec2) (st FrameStats, err error) {
	start := time.Now()
	wanted := s.gen.Wanted(camera)

	st = FrameStats{
		Frame:    s.frame,
		Wanted:   len(wanted),
		Channels: make([]ChannelFrame, len(s.channels)),
	}
	defer func() {
		s.frame++
		st.Elapsed = time.Since(start)
	}()

	for i, ch := range s.channels {
		cf := &st.Channels[i]
		cf.Name = ch.Name

		rs, err := ch.Cache.Reconcile(wanted)
		cf.ReconcileStats = rs
		if err != nil {
			return st, fmt.Errorf("channel %q reconcile: %w", ch.Name, err)
		}

		n, err := ch.Cache.Refresh()
		cf.Activated = n
		if err != nil {
			return st, fmt.Errorf("channel %q refresh: %w", ch.Name, err)
		}
	}

	for i, ch := range s.channels {
		n, err := ch.Cache.Metadata().Flush()
		st.Channels[i].Nodes = n
		if err != nil {
			return st, fmt.Errorf("channel %q metadata: %w", ch.Name, err)
		}
		if s.checks {
			if err := ch.Cache.CheckInvariants(); err != nil {
				return st, err
			}
		}
	}
	return st, nil
}

// Pending returns the number of loads still in flight across channels.
func (s *Streamer) Pending() int {
	n := 0
	for _, ch := range s.channels {
		n += ch.Cache.Stats().Loading
	}
	return n
}

// Channels returns the channels in configuration order.
func (s *Streamer) Channels() []*Channel {
	return s.channels
}

// Channel returns a channel by name.
func (s *Streamer) Channel(name string) (*Channel, bool) {
	for _, ch := range s.channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return nil, false
}

// Generator returns the LOD generator shared by all channels.
func (s *Streamer) Generator() lod.Generator {
	return s.gen
}

// Close stops all loaders and closes open blobs.
func (s *Streamer) Close() error {
	var errs []error
	for _, ch := range s.channels {
		if err := ch.Loader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	hits, misses := s.assets.HandleStats()
	if err := s.assets.Close(); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("streamer closed",
		zap.Uint64("frames", s.frame),
		zap.Int("handle_hits", hits),
		zap.Int("handle_misses", misses))
	return errors.Join(errs...)
}
