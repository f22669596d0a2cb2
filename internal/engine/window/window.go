// Package window handles the SDL2 window and OpenGL context of the viewer.
package window

import (
	"fmt"
	"runtime"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/veandco/go-sdl2/sdl"
	"go.uber.org/zap"
)

func init() {
	// OpenGL calls must be made from the main thread
	runtime.LockOSThread()
}

// Config holds window configuration.
type Config struct {
	Title  string
	Width  int
	Height int
	VSync  bool
	Log    *zap.Logger
}

// Window wraps an SDL2 window with a current OpenGL 4.1 core context.
type Window struct {
	log       *zap.Logger
	sdlWindow *sdl.Window
	glContext sdl.GLContext
	keys      []uint8
	quit      bool
}

// New creates the window, makes its GL context current and loads GL.
func New(cfg Config) (*Window, error) {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	w := &Window{log: log.Named("window")}

	if err := sdl.Init(sdl.INIT_VIDEO | sdl.INIT_EVENTS); err != nil {
		return nil, fmt.Errorf("SDL_Init failed: %w", err)
	}

	// OpenGL 4.1 Core Profile (max supported on macOS)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_MAJOR_VERSION, 4)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_MINOR_VERSION, 1)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_PROFILE_MASK, sdl.GL_CONTEXT_PROFILE_CORE)
	sdl.GLSetAttribute(sdl.GL_DOUBLEBUFFER, 1)

	var err error
	w.sdlWindow, err = sdl.CreateWindow(
		cfg.Title,
		sdl.WINDOWPOS_CENTERED,
		sdl.WINDOWPOS_CENTERED,
		int32(cfg.Width),
		int32(cfg.Height),
		sdl.WINDOW_OPENGL|sdl.WINDOW_RESIZABLE,
	)
	if err != nil {
		sdl.Quit()
		return nil, fmt.Errorf("SDL_CreateWindow failed: %w", err)
	}

	w.glContext, err = w.sdlWindow.GLCreateContext()
	if err != nil {
		w.sdlWindow.Destroy()
		sdl.Quit()
		return nil, fmt.Errorf("SDL_GL_CreateContext failed: %w", err)
	}

	if err := gl.Init(); err != nil {
		w.Close()
		return nil, fmt.Errorf("loading OpenGL: %w", err)
	}

	interval := 0
	if cfg.VSync {
		interval = 1
	}
	if err := sdl.GLSetSwapInterval(interval); err != nil {
		w.log.Warn("failed to set swap interval", zap.Error(err))
	}

	w.log.Info("window created",
		zap.String("title", cfg.Title),
		zap.Int("width", cfg.Width),
		zap.Int("height", cfg.Height),
		zap.Bool("vsync", cfg.VSync),
		zap.String("gl_version", gl.GoStr(gl.GetString(gl.VERSION))))

	return w, nil
}

// PollEvents drains pending SDL events and refreshes the keyboard state.
// It returns false once the window has been asked to close.
func (w *Window) PollEvents() bool {
	for event := sdl.PollEvent(); event != nil; event = sdl.PollEvent() {
		switch e := event.(type) {
		case *sdl.QuitEvent:
			w.quit = true
		case *sdl.KeyboardEvent:
			if e.Type == sdl.KEYDOWN && e.Keysym.Sym == sdl.K_ESCAPE {
				w.quit = true
			}
		}
	}
	w.keys = sdl.GetKeyboardState()
	return !w.quit
}

// Pressed reports whether a key is held down.
func (w *Window) Pressed(code sdl.Scancode) bool {
	return int(code) < len(w.keys) && w.keys[code] != 0
}

// Close destroys the window and cleans up SDL2.
func (w *Window) Close() {
	w.log.Info("closing window")

	if w.glContext != nil {
		sdl.GLDeleteContext(w.glContext)
	}
	if w.sdlWindow != nil {
		w.sdlWindow.Destroy()
	}

	sdl.Quit()
}

// SwapBuffers swaps the OpenGL buffers.
func (w *Window) SwapBuffers() {
	w.sdlWindow.GLSwap()
}

// Size returns the drawable size in pixels.
func (w *Window) Size() (int32, int32) {
	return w.sdlWindow.GLGetDrawableSize()
}

// SetTitle sets the window title.
func (w *Window) SetTitle(title string) {
	w.sdlWindow.SetTitle(title)
}
