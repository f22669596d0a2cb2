package streaming

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Staging is a fixed pool of equally sized segments carved from one
// contiguous buffer. A segment is owned by exactly one load from Acquire
// until Release.
type Staging struct {
	buf     []byte
	segSize int
	sem     *semaphore.Weighted

	mu    sync.Mutex
	free  []int
	inUse []bool
	used  int
	peak  int
}

// NewStaging allocates count segments of segSize bytes.
func NewStaging(count, segSize int) *Staging {
	s := &Staging{
		buf:     make([]byte, count*segSize),
		segSize: segSize,
		sem:     semaphore.NewWeighted(int64(count)),
		free:    make([]int, count),
		inUse:   make([]bool, count),
	}
	// Stack: segment 0 pops first.
	for i := range s.free {
		s.free[i] = count - 1 - i
	}
	return s
}

// Acquire blocks until a segment is available or ctx is done.
func (s *Staging) Acquire(ctx context.Context) (int, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	seg := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	if s.inUse[seg] {
		panic(fmt.Sprintf("staging segment %d handed out twice", seg))
	}
	s.inUse[seg] = true
	s.used++
	s.peak = max(s.peak, s.used)
	return seg, nil
}

// Release returns a segment to the pool.
func (s *Staging) Release(seg int) {
	s.mu.Lock()
	if seg < 0 || seg >= len(s.inUse) || !s.inUse[seg] {
		s.mu.Unlock()
		panic(fmt.Sprintf("release of staging segment %d that is not in use", seg))
	}
	s.inUse[seg] = false
	s.used--
	s.free = append(s.free, seg)
	s.mu.Unlock()

	s.sem.Release(1)
}

// Segment returns the memory of one segment.
func (s *Staging) Segment(seg int) []byte {
	off := seg * s.segSize
	return s.buf[off : off+s.segSize : off+s.segSize]
}

// Offset returns the byte offset of a segment inside Buffer.
func (s *Staging) Offset(seg int) int {
	return seg * s.segSize
}

// Buffer returns the whole staging buffer.
func (s *Staging) Buffer() []byte {
	return s.buf
}

// Count returns the number of segments.
func (s *Staging) Count() int {
	return len(s.inUse)
}

// SegmentSize returns the size of one segment in bytes.
func (s *Staging) SegmentSize() int {
	return s.segSize
}

// InUse returns the number of segments currently held and the highest
// number ever held at once.
func (s *Staging) InUse() (current, peak int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, s.peak
}
