// Package main runs the terrain streamer headless along a camera path.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/config"
	"github.com/Faultbox/terrastream/internal/engine/camera"
	"github.com/Faultbox/terrastream/internal/gpu"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/storage"
	"github.com/Faultbox/terrastream/internal/streaming"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/pkg/math"
)

var (
	flagFPS      = flag.Float64("fps", 60, "Simulated frames per second")
	flagLaps     = flag.Int("laps", 1, "Times to walk the camera path")
	flagReport   = flag.Int("report", 120, "Log a summary every N frames")
	flagRealtime = flag.Bool("realtime", false, "Sleep between frames")
)

func main() {
	// Parse CLI flags first
	config.ParseFlags()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.LogFile); err != nil {
		fmt.Fprintf(os.Stderr, "Logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("=== terrain streaming simulation ===")
	logger.Sugar.Debugf("Config: %+v", cfg)

	if err := run(cfg); err != nil {
		logger.Error("simulation failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	src, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	dev := gpu.NewMemoryDevice()
	st, err := terrain.New(ctx, streaming.NewSession(dev, logger.Log), cfg, src)
	if err != nil {
		return err
	}
	defer st.Close()

	extent := float64(cfg.Streaming.ChunkSize * cfg.LOD.WorldChunks)
	lo, hi := extent*0.25, extent*0.75
	loop := []math.Vec2{{X: lo, Y: lo}, {X: hi, Y: lo}, {X: hi, Y: hi}, {X: lo, Y: hi}}

	var points []math.Vec2
	for range max(*flagLaps, 1) {
		points = append(points, loop...)
	}
	points = append(points, loop[0])

	path, err := camera.NewPath(points, cfg.Viewer.MoveSpeed)
	if err != nil {
		return err
	}

	dt := 1 / 60.0
	if *flagFPS > 0 {
		dt = 1 / *flagFPS
	}
	var (
		frames, activated int
		worst             time.Duration
	)
	start := time.Now()

	for {
		pos := path.Advance(dt)
		fs, err := st.Update(pos)
		frames++
		activated += fs.Activated()
		worst = max(worst, fs.Elapsed)
		if err != nil {
			return fmt.Errorf("frame %d: %w", fs.Frame, err)
		}

		if ce := logger.Log.Check(zap.DebugLevel, "frame"); ce != nil {
			ce.Write(
				zap.Uint64("frame", fs.Frame),
				zap.Float64("x", pos.X),
				zap.Float64("y", pos.Y),
				zap.Int("wanted", fs.Wanted),
				zap.Int("activated", fs.Activated()),
				zap.Duration("elapsed", fs.Elapsed))
		}
		if *flagReport > 0 && frames%*flagReport == 0 {
			report(st, frames)
		}

		if path.Done() && st.Pending() == 0 {
			break
		}
		if *flagRealtime {
			time.Sleep(time.Duration(dt * float64(time.Second)))
		}
	}

	report(st, frames)
	ds := dev.Stats()
	logger.Info("simulation finished",
		zap.Int("frames", frames),
		zap.Int("activated", activated),
		zap.Duration("worst_frame", worst),
		zap.Duration("wall", time.Since(start)),
		zap.Int("tiles_copied", ds.TilesCopied),
		zap.Int("node_bytes", ds.BytesUploaded),
		zap.Int("barriers", ds.Barriers))
	return nil
}

func report(st *terrain.Streamer, frames int) {
	for _, ch := range st.Channels() {
		cs := ch.Cache.Stats()
		ls := ch.Loader.Stats()
		logger.Info("channel",
			zap.String("name", ch.Name),
			zap.Int("frames", frames),
			zap.Int("active", cs.Active),
			zap.Int("stale", cs.Stale),
			zap.Int("free", cs.Free),
			zap.Int64("loads", cs.Loads),
			zap.Int64("reuses", cs.Reuses),
			zap.Int64("deferrals", cs.Deferrals),
			zap.Int("peak_staged", ls.PeakStaged))
	}
}
