// Package main is the interactive atlas viewer. Arrow keys pan the camera
// over the terrain; the number keys pick which channel's atlas is shown.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/veandco/go-sdl2/sdl"
	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/config"
	"github.com/Faultbox/terrastream/internal/engine/camera"
	"github.com/Faultbox/terrastream/internal/engine/window"
	"github.com/Faultbox/terrastream/internal/gpu/glbackend"
	"github.com/Faultbox/terrastream/internal/logger"
	"github.com/Faultbox/terrastream/internal/storage"
	"github.com/Faultbox/terrastream/internal/streaming"
	"github.com/Faultbox/terrastream/internal/terrain"
	"github.com/Faultbox/terrastream/pkg/math"
)

const windowTitle = "terrastream"

var flagChannel = flag.String("channel", "", "Channel shown at startup (default: first)")

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

	logger.Info("=== terrastream viewer ===")

	if err := run(cfg); err != nil {
		logger.Error("viewer failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("viewer closed normally")
}

func run(cfg *config.Config) error {
	win, err := window.New(window.Config{
		Title:  windowTitle,
		Width:  cfg.Viewer.Width,
		Height: cfg.Viewer.Height,
		VSync:  cfg.Viewer.VSync,
		Log:    logger.Log,
	})
	if err != nil {
		return err
	}
	defer win.Close()

	ctx := context.Background()
	src, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	dev := glbackend.New()
	defer dev.Destroy()

	st, err := terrain.New(ctx, streaming.NewSession(dev, logger.Log), cfg, src)
	if err != nil {
		return err
	}
	defer st.Close()

	shown := 0
	for i, ch := range st.Channels() {
		if ch.Name == *flagChannel {
			shown = i
		}
	}

	extent := float64(cfg.Streaming.ChunkSize * cfg.LOD.WorldChunks)
	cam := camera.NewPanCamera(extent, cfg.Viewer.MoveSpeed)

	last := time.Now()
	lastTitle := last
	frames := 0

	for win.PollEvents() {
		now := time.Now()
		dt := now.Sub(last).Seconds()
		last = now

		var dir math.Vec2
		if win.Pressed(sdl.Scancode(sdl.SCANCODE_LEFT)) {
			dir.X--
		}
		if win.Pressed(sdl.Scancode(sdl.SCANCODE_RIGHT)) {
			dir.X++
		}
		if win.Pressed(sdl.Scancode(sdl.SCANCODE_UP)) {
			dir.Y--
		}
		if win.Pressed(sdl.Scancode(sdl.SCANCODE_DOWN)) {
			dir.Y++
		}
		cam.Move(dir, dt)

		for i := range st.Channels() {
			if i < 9 && win.Pressed(sdl.Scancode(sdl.SCANCODE_1)+sdl.Scancode(i)) {
				shown = i
			}
		}

		fs, err := st.Update(cam.Position)
		if err != nil {
			return fmt.Errorf("frame %d: %w", fs.Frame, err)
		}
		frames++

		w, h := win.Size()
		side := min(w, h)
		gl.Viewport(0, 0, w, h)
		gl.ClearColor(0.1, 0.1, 0.15, 1.0)
		gl.Clear(gl.COLOR_BUFFER_BIT)
		ch := st.Channels()[shown]
		dev.BlitAtlas(ch.Cache.Atlas(), (w-side)/2, (h-side)/2, side, side)

		if now.Sub(lastTitle) >= time.Second {
			cs := ch.Cache.Stats()
			win.SetTitle(fmt.Sprintf("%s - %s | %d fps | cam %.0f,%.0f | active %d stale %d loading %d",
				windowTitle, ch.Name, frames, cam.Position.X, cam.Position.Y, cs.Active, cs.Stale, cs.Loading))
			frames = 0
			lastTitle = now
		}

		win.SwapBuffers()
	}
	return nil
}
