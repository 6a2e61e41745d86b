package datapipe

import (
	"context"
	"sync"

	"github.com/gammazero/deque"
	"github.com/gammazero/workerpool"
)

const opTagParallelMap int64 = 9

// newParallelMapSource builds the Parallelism > 1 path for Builder.Map: a
// pool of cfg.Parallelism workers apply fn to up-stream records
// concurrently, but results are handed back to the caller strictly in
// input order, via a FIFO of in-flight slots sized to the pool. This
// keeps the operator's output order identical to the sequential map: the
// caller never observes out-of-order output, only faster wall-clock
// throughput. Its checkpoint differs: results still in flight when a
// checkpoint is taken are dropped (see RecordPosition).
func newParallelMapSource[T any](up Source[T], fn MapFunc[T], cfg MapConfig) Source[T] {
	return &parallelMapSource[T]{up: up, fn: fn, warnOnly: cfg.WarnOnly, parallelism: cfg.Parallelism}
}

type mapSlot[T any] struct {
	wg  sync.WaitGroup
	v   T
	ok  bool
	err error
}

type parallelMapSource[T any] struct {
	up          Source[T]
	fn          MapFunc[T]
	warnOnly    bool
	parallelism int

	pool    *workerpool.WorkerPool
	inFlight deque.Deque[*mapSlot[T]]
	upExhausted bool
}

func (s *parallelMapSource[T]) ensurePool() {
	if s.pool == nil {
		s.pool = workerpool.New(s.parallelism)
	}
}

// refill tops up the in-flight queue so up to s.parallelism slots are
// pulling/transforming concurrently ahead of the next value the caller
// actually needs.
func (s *parallelMapSource[T]) refill(ctx context.Context) error {
	s.ensurePool()
	for !s.upExhausted && s.inFlight.Len() < s.parallelism {
		v, ok, err := s.up.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			s.upExhausted = true
			break
		}
		slot := &mapSlot[T]{}
		slot.wg.Add(1)
		s.inFlight.PushBack(slot)
		input := v
		s.pool.Submit(func() {
			defer slot.wg.Done()
			out, err := s.fn(input)
			slot.v, slot.ok, slot.err = out, true, err
		})
	}
	return nil
}

func (s *parallelMapSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		if err := s.refill(ctx); err != nil {
			return zero, false, err
		}
		if s.inFlight.Len() == 0 {
			return zero, false, nil
		}
		slot := s.inFlight.PopFront()
		slot.wg.Wait()
		if slot.err != nil {
			if s.warnOnly {
				Logger.Printf("datapipe: map: skipping record after error: %v", slot.err)
				continue
			}
			return zero, false, &OperatorError{Op: "map", Cause: slot.err}
		}
		return slot.v, true, nil
	}
}

func (s *parallelMapSource[T]) Reset(ctx context.Context) error {
	s.drain()
	s.upExhausted = false
	return s.up.Reset(ctx)
}

// drain waits out every already-submitted worker so no stale goroutine
// writes into a slot after a Reset or checkpoint has moved past it.
func (s *parallelMapSource[T]) drain() {
	for s.inFlight.Len() > 0 {
		s.inFlight.PopFront().wg.Wait()
	}
}

// RecordPosition quiesces the pool (waiting for, then discarding, every
// in-flight transformed record) before delegating to the upstream
// position. Discarding in-flight work means a resumed pipeline re-pulls
// and re-transforms those records rather than trying to serialize
// partially completed worker state, matching prefetch's own
// checkpoint-time drain below.
func (s *parallelMapSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	s.drain()
	s.inFlight.Clear()
	if err := s.up.RecordPosition(ctx, tape); err != nil {
		return err
	}
	return tape.WriteOperatorTag(opTagParallelMap)
}

func (s *parallelMapSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.ReloadPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.ReadOperatorTag(opTagParallelMap); err != nil {
		return err
	}
	s.drain()
	s.inFlight.Clear()
	s.upExhausted = false
	return nil
}

// PrefetchOption configures Builder.Prefetch.
type PrefetchOption func(*prefetchConfig)

type prefetchConfig struct {
	depth int
}

const opTagPrefetch int64 = 10

// Prefetch runs upstream on a background goroutine, buffering up to
// depth records ahead of consumption so upstream latency (e.g. file or
// network I/O) overlaps with the caller's own processing time. Its
// checkpoint state is exactly the upstream position: any buffered-but-
// unread records are discarded at checkpoint time and re-produced from
// upstream on resume.
func (b *Builder[T]) Prefetch(depth int) *Builder[T] {
	return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
		if depth <= 0 {
			return nil, &ConfigError{Op: "prefetch", Message: "prefetch depth must be positive"}
		}
		return &prefetchSource[T]{up: up, depth: depth}, nil
	})
}

type prefetchItem[T any] struct {
	v   T
	ok  bool
	err error
}

// prefetchSource runs upstream on a background goroutine that fills a
// depth-sized buffered channel, so the caller's own processing time
// between Next calls overlaps with upstream's next pull instead of
// waiting for it. A token channel caps how far the producer is allowed
// to run ahead: it starts pre-loaded with depth tokens, and the token
// for a delivered record is only returned at the start of the
// following Next call rather than the instant it is delivered — so a
// checkpoint taken right after consuming a record always finds
// upstream exactly depth records ahead of it, never depth-plus-one.
//
// prefetchSource has no mutex of its own: Pipeline serializes every
// foreground call (Next, Reset, RecordPosition, ReloadPosition) behind
// its own lock, so the only concurrency here is the background
// producer goroutine talking to the foreground purely through
// channels.
type prefetchSource[T any] struct {
	up    Source[T]
	depth int

	items        chan prefetchItem[T]
	tokens       chan struct{}
	stop         chan struct{}
	cancel       context.CancelFunc
	running      bool
	pendingToken bool
}

// start launches the background producer against ctx if it is not
// already running. The context given to the first Next call of a run
// becomes the producer's lifetime context; stopRunning cancels it
// directly rather than relying on whatever context a later call
// happens to pass in.
func (s *prefetchSource[T]) start(ctx context.Context) {
	if s.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	items := make(chan prefetchItem[T], s.depth)
	tokens := make(chan struct{}, s.depth)
	for i := 0; i < s.depth; i++ {
		tokens <- struct{}{}
	}
	stop := make(chan struct{})
	s.items, s.tokens, s.stop, s.cancel, s.running = items, tokens, stop, cancel, true
	go prefetchProduce(runCtx, s.up, items, tokens, stop)
}

// prefetchProduce pulls one upstream record per available token —
// capping how many records can be outstanding ahead of the caller at
// once — and exits as soon as upstream ends, errors, or stop closes.
func prefetchProduce[T any](ctx context.Context, up Source[T], items chan<- prefetchItem[T], tokens <-chan struct{}, stop <-chan struct{}) {
	defer close(items)
	for {
		select {
		case <-tokens:
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
		v, ok, err := up.Next(ctx)
		select {
		case items <- prefetchItem[T]{v: v, ok: ok, err: err}:
		case <-stop:
			return
		}
		if err != nil || !ok {
			return
		}
	}
}

func (s *prefetchSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	s.start(ctx)

	if s.pendingToken {
		select {
		case s.tokens <- struct{}{}:
		default:
		}
		s.pendingToken = false
	}

	select {
	case item, open := <-s.items:
		if !open {
			return zero, false, nil
		}
		if item.ok && item.err == nil {
			s.pendingToken = true
		}
		return item.v, item.ok, item.err
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// stopRunning signals the producer to exit, cancels its context in
// case it is blocked inside an upstream pull that honors ctx, and
// drains (discarding) whatever it had already buffered, blocking until
// the producer has actually exited. It is a no-op if no producer is
// running.
func (s *prefetchSource[T]) stopRunning() {
	if !s.running {
		return
	}
	stop, cancel, items := s.stop, s.cancel, s.items
	s.running = false
	s.pendingToken = false
	close(stop)
	cancel()
	for range items {
	}
}

func (s *prefetchSource[T]) Reset(ctx context.Context) error {
	s.stopRunning()
	return s.up.Reset(ctx)
}

func (s *prefetchSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	s.stopRunning()
	if err := s.up.RecordPosition(ctx, tape); err != nil {
		return err
	}
	return tape.WriteOperatorTag(opTagPrefetch)
}

func (s *prefetchSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	s.stopRunning()
	if err := s.up.ReloadPosition(ctx, tape); err != nil {
		return err
	}
	return tape.ReadOperatorTag(opTagPrefetch)
}
