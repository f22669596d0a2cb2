// Package streaming pages terrain tiles from a chunk store into a fixed GPU
// atlas. A PageCache decides which tiles live in which slot, a Loader reads
// missing tiles into staging memory on background goroutines, and a
// MetadataSync publishes the resulting slot bindings to the renderer.
//
// PageCache and MetadataSync belong to the frame loop and are not safe for
// concurrent use. Loader methods may be called from any goroutine.
package streaming

import (
	"go.uber.org/zap"

	"github.com/Faultbox/terrastream/internal/gpu"
)

// Session carries the collaborators shared by the streaming components of
// one renderer instance.
type Session struct {
	Device gpu.Device
	Log    *zap.Logger
}

// NewSession creates a session. A nil logger discards output.
func NewSession(dev gpu.Device, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{Device: dev, Log: log}
}

func (s *Session) logger(name string) *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log.Named(name)
}
