package streaming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Faultbox/terrastream/internal/assets"
	"github.com/Faultbox/terrastream/pkg/chunkstore"
)

// Task asks the loader to read one chunk into staging memory for a slot.
type Task struct {
	Key   chunkstore.ChunkKey
	Slot  int
	Range chunkstore.Range
}

// Result is a finished task. Segment holds the payload and stays owned by
// the receiver until passed back to Release, even when Err is set.
type Result struct {
	Task    Task
	Segment int
	Err     error
}

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	Channel         string // for logs
	BlobPath        string
	Workers         int
	Segments        int // staging segment count, bounds concurrent loads
	SegmentSize     int
	QueueSize       int   // task queue capacity, at least the slot count
	ReadBytesPerSec int64 // 0 disables throttling
}

// LoaderStats counts loader activity.
type LoaderStats struct {
	Submitted  int64
	Started    int64
	Completed  int64
	Failed     int64
	Drained    int64
	Queued     int // tasks waiting for a worker or a segment
	Staged     int // segments currently held
	PeakStaged int
}

// InFlight returns tasks submitted but not yet drained.
func (s LoaderStats) InFlight() int64 {
	return s.Submitted - s.Drained
}

// Loader reads chunk payloads on background workers. A worker takes a task
// from the queue, then waits for a free staging segment before reading, so
// no more than Segments reads are ever outstanding.
type Loader struct {
	log     *zap.Logger
	assets  *assets.Manager
	opts    LoaderOptions
	staging *Staging
	tasks   chan Task
	limiter *rate.Limiter

	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool

	mu        sync.Mutex
	completed []Result

	submitted atomic.Int64
	started   atomic.Int64
	done      atomic.Int64
	failed    atomic.Int64
	drained   atomic.Int64
}

// NewLoader starts the worker goroutines.
func NewLoader(s *Session, am *assets.Manager, opts LoaderOptions) (*Loader, error) {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Segments <= 0 || opts.SegmentSize <= 0 {
		return nil, fmt.Errorf("loader %q: invalid staging %d x %d bytes", opts.Channel, opts.Segments, opts.SegmentSize)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = opts.Segments
	}
	if opts.BlobPath == "" {
		return nil, fmt.Errorf("loader %q: no blob path", opts.Channel)
	}

	l := &Loader{
		log:     s.logger("loader").With(zap.String("channel", opts.Channel)),
		assets:  am,
		opts:    opts,
		staging: NewStaging(opts.Segments, opts.SegmentSize),
		tasks:   make(chan Task, opts.QueueSize),
	}
	if opts.ReadBytesPerSec > 0 {
		burst := max(int(opts.ReadBytesPerSec), opts.SegmentSize)
		l.limiter = rate.NewLimiter(rate.Limit(opts.ReadBytesPerSec), burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	l.group = g
	for range opts.Workers {
		g.Go(func() error {
			l.run(gctx)
			return nil
		})
	}

	l.log.Info("loader started",
		zap.Int("workers", opts.Workers),
		zap.Int("segments", opts.Segments),
		zap.Int("segment_bytes", opts.SegmentSize),
		zap.String("blob", opts.BlobPath))
	return l, nil
}

// Submit queues a task without blocking.
func (l *Loader) Submit(t Task) error {
	if l.closed.Load() {
		return ErrLoaderClosed
	}
	select {
	case l.tasks <- t:
		l.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Loader) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-l.tasks:
			seg, err := l.staging.Acquire(ctx)
			if err != nil {
				return
			}
			l.load(ctx, t, seg)
		}
	}
}

func (l *Loader) load(ctx context.Context, t Task, seg int) {
	l.started.Add(1)
	res := Result{Task: t, Segment: seg}
	res.Err = l.read(ctx, t, seg)
	if res.Err != nil {
		l.failed.Add(1)
		l.log.Error("chunk load failed", zap.Stringer("key", t.Key), zap.Error(res.Err))
	}
	l.done.Add(1)

	l.mu.Lock()
	l.completed = append(l.completed, res)
	l.mu.Unlock()
}

func (l *Loader) read(ctx context.Context, t Task, seg int) error {
	if int(t.Range.Size) > l.staging.SegmentSize() {
		return &IOError{Key: t.Key, Op: "read", Err: fmt.Errorf("%w: %d bytes exceed %d byte segment",
			chunkstore.ErrPayloadSize, t.Range.Size, l.staging.SegmentSize())}
	}
	if l.limiter != nil {
		if err := l.limiter.WaitN(ctx, int(t.Range.Size)); err != nil {
			return &IOError{Key: t.Key, Op: "read", Err: err}
		}
	}
	blob, err := l.assets.Handle(l.opts.BlobPath)
	if err != nil {
		return &IOError{Key: t.Key, Op: "open", Err: err}
	}
	if err := chunkstore.ReadPayload(blob, t.Range, l.staging.Segment(seg)); err != nil {
		return &IOError{Key: t.Key, Op: "read", Err: err}
	}
	return nil
}

// Drain returns the results completed since the last call without waiting.
// After Close it returns nothing.
func (l *Loader) Drain() []Result {
	l.mu.Lock()
	out := l.completed
	l.completed = nil
	l.mu.Unlock()

	if l.closed.Load() {
		return nil
	}
	l.drained.Add(int64(len(out)))
	return out
}

// Release returns a drained result's segment to the pool.
func (l *Loader) Release(seg int) {
	l.staging.Release(seg)
}

// Staging returns the staging pool.
func (l *Loader) Staging() *Staging {
	return l.staging
}

// Stats returns a snapshot of the loader counters.
func (l *Loader) Stats() LoaderStats {
	staged, peak := l.staging.InUse()
	return LoaderStats{
		Submitted:  l.submitted.Load(),
		Started:    l.started.Load(),
		Completed:  l.done.Load(),
		Failed:     l.failed.Load(),
		Drained:    l.drained.Load(),
		Queued:     len(l.tasks),
		Staged:     staged,
		PeakStaged: peak,
	}
}

// Close stops the workers. Reads already started run to completion; their
// results are discarded.
func (l *Loader) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.cancel()
	err := l.group.Wait()

	l.mu.Lock()
	l.completed = nil
	l.mu.Unlock()

	st := l.Stats()
	l.log.Info("loader stopped",
		zap.Int64("submitted", st.Submitted),
		zap.Int64("completed", st.Completed),
		zap.Int64("failed", st.Failed))
	return err
}
