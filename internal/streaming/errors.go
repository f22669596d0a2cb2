package streaming

import (
	"errors"
	"fmt"

	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

var (
	// ErrOutOfSlots means a new tile is needed while no slot is free or stale.
	ErrOutOfSlots = errors.New("atlas has no free or stale slot")
	// ErrMissingChunk means a wanted key is absent from the chunk table.
	ErrMissingChunk = errors.New("chunk not in table")
	// ErrQueueFull is returned by Submit when the task queue is at capacity.
	ErrQueueFull = errors.New("load queue full")
	// ErrLoaderClosed is returned by Submit after Close.
	ErrLoaderClosed = errors.New("loader closed")
)

// ConfigurationError reports an atlas or ring setup that cannot satisfy
// the requested view. It is not retried.
type ConfigurationError struct {
	Atlas string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error in atlas %q: %v", e.Atlas, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// IOError reports a chunk store failure. The frame that observes it is
// aborted.
type IOError struct {
	Key chunkstore.ChunkKey
	Op  string // lookup, open, read or copy
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("chunk %s: %s: %v", e.Key, e.Op, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
