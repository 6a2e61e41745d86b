package datapipe

import (
	"context"
	"math/rand"
	"time"

	"github.com/gammazero/deque"
)

// newShuffleSeed picks a fresh PRNG seed for a Shuffle built without
// WithShuffleSeed, and for every Reset of a Shuffle: each such run sees a
// different permutation. WithStrictShuffle does not change the seed; it
// carries the PRNG state across a checkpoint instead.
func newShuffleSeed() int64 {
	return time.Now().UnixNano()
}

// splitMix64 is a minimal rand.Source whose entire state is a single
// uint64, so a strict Shuffle can snapshot and restore it exactly
// across a checkpoint instead of merely reseeding from a derived value
// (which math/rand's default lagged-Fibonacci source cannot do: its
// internal state is a large unexported array with no public accessor).
type splitMix64 struct{ state uint64 }

func newSplitMix64(seed int64) *splitMix64 { return &splitMix64{state: uint64(seed)} }

func (s *splitMix64) Int63() int64 {
	s.state += 0x9E3779B97F4A7C15
	z := s.state
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z ^= z >> 31
	return int64(z >> 1)
}

func (s *splitMix64) Seed(seed int64) { s.state = uint64(seed) }

// chain builds a new Builder[U] whose factory materializes b's upstream
// chain and wraps it with next. Unlike Builder's own wrap method, this is
// a package-level function and so may introduce a fresh type parameter,
// since a method cannot add type parameters beyond its receiver's.
func chain[T, U any](b *Builder[T], next func(ctx context.Context, up Source[T]) (Source[U], error)) *Builder[U] {
	prev := b.factory
	return newBuilder(func(ctx context.Context) (Source[U], error) {
		up, err := prev(ctx)
		if err != nil {
			return nil, err
		}
		return next(ctx, up)
	})
}

// Bucket groups consecutive records into slices of size n. Because a
// bucket is only ever returned to the caller once it is complete (or, at
// end of stream, once the trailing partial bucket has been decided), no
// partially filled bucket is ever live at a point where RecordPosition
// can observe it: the upstream position alone determines where to
// resume, so Bucket writes no frame of its own.
func Bucket[T any](b *Builder[T], n int, dropRemainder bool) *Builder[[]T] {
	return chain(b, func(ctx context.Context, up Source[T]) (Source[[]T], error) {
		if n <= 0 {
			return nil, &ConfigError{Op: "bucket", Message: "bucket size must be positive"}
		}
		return &bucketSource[T]{up: up, n: n, dropRemainder: dropRemainder}, nil
	})
}

type bucketSource[T any] struct {
	up            Source[T]
	n             int
	dropRemainder bool
}

func (s *bucketSource[T]) Next(ctx context.Context) ([]T, bool, error) {
	batch := make([]T, 0, s.n)
	for len(batch) < s.n {
		v, ok, err := s.up.Next(ctx)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			if len(batch) == 0 || s.dropRemainder {
				return nil, false, nil
			}
			return batch, true, nil
		}
		batch = append(batch, v)
	}
	return batch, true, nil
}

func (s *bucketSource[T]) Reset(ctx context.Context) error { return s.up.Reset(ctx) }
func (s *bucketSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	return s.up.RecordPosition(ctx, tape)
}
func (s *bucketSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	return s.up.ReloadPosition(ctx, tape)
}

// BucketSize pairs a length-class threshold with the batch size that
// class flushes at. MaxLen is the largest record length (as reported by
// a BucketByLength call's LengthFunc) this class accepts; BatchSize is
// how many records accumulate in that class before it is flushed as one
// bucket. The pairing is the point of bucket_by_length: short records
// are cheap to batch large, long records need a smaller batch to keep
// memory/compute per bucket roughly even, so BatchSize is chosen
// per class independently of MaxLen rather than reusing it.
type BucketSize struct {
	MaxLen    int
	BatchSize int
}

// BucketByLength routes each record to the first bucket class (from
// bucketSizes, ascending by MaxLen) whose MaxLen is >= lengthFn(record),
// flushing that class whenever it accumulates BatchSize records. A
// record longer than every class's MaxLen is dropped with a warning if
// warnOnly is set, or breaks the pipeline otherwise. Like Bucket, no
// partial bucket is ever observable at a checkpoint boundary from the
// caller's side — but BucketByLength holds multiple concurrent partial
// buckets (one per size class), and an emitted record can come from any
// of them out of upstream order, so the buffered-but-not-yet-flushed
// records of every other bucket ARE live state that must be
// checkpointed.
func BucketByLength[T any](b *Builder[T], bucketSizes []BucketSize, lengthFn LengthFunc[T], dropRemainder bool, warnOnly bool, codec Codec[T]) *Builder[[]T] {
	return chain(b, func(ctx context.Context, up Source[T]) (Source[[]T], error) {
		if len(bucketSizes) == 0 {
			return nil, &ConfigError{Op: "bucket_by_length", Message: "bucket_sizes must be non-empty"}
		}
		classes := make([]BucketSize, len(bucketSizes))
		copy(classes, bucketSizes)
		buckets := make([]deque.Deque[T], len(classes))
		return &bucketByLengthSource[T]{
			up: up, classes: classes, buckets: buckets, lengthFn: lengthFn,
			dropRemainder: dropRemainder, warnOnly: warnOnly, codec: codec,
		}, nil
	})
}

const opTagBucketByLength int64 = 7

type bucketByLengthSource[T any] struct {
	up            Source[T]
	classes       []BucketSize
	buckets       []deque.Deque[T]
	lengthFn      LengthFunc[T]
	dropRemainder bool
	warnOnly      bool
	codec         Codec[T]
	done          bool
}

func (s *bucketByLengthSource[T]) classOf(v T) (int, bool) {
	l := s.lengthFn(v)
	for i, class := range s.classes {
		if l <= class.MaxLen {
			return i, true
		}
	}
	return 0, false
}

func (s *bucketByLengthSource[T]) Next(ctx context.Context) ([]T, bool, error) {
	if s.done {
		return nil, false, nil
	}
	for {
		v, ok, err := s.up.Next(ctx)
		if !ok || err != nil {
			if err != nil {
				return nil, false, err
			}
			// End of stream: flush the first non-empty bucket we find, if
			// drop_remainder is unset; otherwise signal end immediately.
			if s.dropRemainder {
				s.done = true
				return nil, false, nil
			}
			for i := range s.buckets {
				if s.buckets[i].Len() > 0 {
					return s.drain(i), true, nil
				}
			}
			s.done = true
			return nil, false, nil
		}

		class, ok := s.classOf(v)
		if !ok {
			if s.warnOnly {
				Logger.Printf("datapipe: bucket_by_length: dropping record longer than every bucket size")
				continue
			}
			return nil, false, &OperatorError{Op: "bucket_by_length", Record: v, Cause: ErrRecordExceedsBucketSizes}
		}

		s.buckets[class].PushBack(v)
		if s.buckets[class].Len() >= s.classes[class].BatchSize {
			return s.drain(class), true, nil
		}
	}
}

func (s *bucketByLengthSource[T]) drain(class int) []T {
	d := &s.buckets[class]
	out := make([]T, 0, d.Len())
	for d.Len() > 0 {
		out = append(out, d.PopFront())
	}
	return out
}

func (s *bucketByLengthSource[T]) Reset(ctx context.Context) error {
	for i := range s.buckets {
		s.buckets[i].Clear()
	}
	s.done = false
	return s.up.Reset(ctx)
}

func (s *bucketByLengthSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.RecordPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.WriteOperatorTag(opTagBucketByLength); err != nil {
		return err
	}
	if err := tape.WriteInt(int64(len(s.buckets))); err != nil {
		return err
	}
	for i := range s.buckets {
		items := s.buckets[i].Len()
		if err := tape.WriteInt(int64(items)); err != nil {
			return err
		}
		for j := 0; j < items; j++ {
			v := s.buckets[i].At(j)
			raw, err := s.codec.EncodeRecord(v)
			if err != nil {
				return err
			}
			if err := tape.WriteRecordBytes(raw); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *bucketByLengthSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.ReloadPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.ReadOperatorTag(opTagBucketByLength); err != nil {
		return err
	}
	count, err := tape.ReadInt()
	if err != nil || int(count) != len(s.buckets) {
		return ErrCorruptedCheckpoint
	}
	for i := range s.buckets {
		s.buckets[i].Clear()
		items, err := tape.ReadInt()
		if err != nil {
			return ErrCorruptedCheckpoint
		}
		for j := int64(0); j < items; j++ {
			raw, err := tape.ReadRecordBytes()
			if err != nil {
				return ErrCorruptedCheckpoint
			}
			v, err := s.codec.DecodeRecord(raw)
			if err != nil {
				return ErrCorruptedCheckpoint
			}
			s.buckets[i].PushBack(v)
		}
	}
	s.done = false
	return nil
}

// ShuffleConfig configures Shuffle.
type ShuffleConfig[T any] struct {
	Window  int
	Strict  bool
	Enabled bool
	Codec   Codec[T]
	Seed    int64
	HasSeed bool
}

// ShuffleOption configures a Shuffle stage.
type ShuffleOption[T any] func(*ShuffleConfig[T])

// WithStrictShuffle captures and restores the PRNG state across a
// checkpoint so a resumed pipeline reproduces the exact same shuffled
// order as an uninterrupted run. Without it, a resumed run reseeds and
// only the windowing behavior (not the exact permutation) is preserved.
func WithStrictShuffle[T any]() ShuffleOption[T] {
	return func(c *ShuffleConfig[T]) { c.Strict = true }
}

// WithShuffleCodec overrides the codec used to checkpoint buffered
// records; it defaults to BSONCodec[T].
func WithShuffleCodec[T any](codec Codec[T]) ShuffleOption[T] {
	return func(c *ShuffleConfig[T]) { c.Codec = codec }
}

// WithShuffleSeed pins the initial PRNG seed instead of deriving it from
// the wall clock, for reproducible tests and deterministic reruns.
func WithShuffleSeed[T any](seed int64) ShuffleOption[T] {
	return func(c *ShuffleConfig[T]) { c.Seed = seed; c.HasSeed = true }
}

const opTagShuffle int64 = 8

// Shuffle maintains a reservoir of up to window records, each Next call
// swapping a uniformly random reservoir slot for the next upstream
// record and returning the evicted one. A window <= 1 disables shuffling
// (the operator becomes a pass-through with no frame of its own).
// WithStrictShuffle fills the full window before the first emission;
// without it, the first emission happens as soon as a single record is
// available and the reservoir grows to window size over the next few
// calls, trading some mixing quality up front for lower first-output
// latency.
func Shuffle[T any](b *Builder[T], window int, opts ...ShuffleOption[T]) *Builder[T] {
	cfg := ShuffleConfig[T]{Window: window, Enabled: window > 1, Codec: BSONCodec[T]{}}
	for _, o := range opts {
		o(&cfg)
	}
	return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
		if !cfg.Enabled {
			return up, nil
		}
		seed := newShuffleSeed()
		if cfg.HasSeed {
			seed = cfg.Seed
		}
		src := newSplitMix64(seed)
		return &shuffleSource[T]{
			up:     up,
			window: cfg.Window,
			strict: cfg.Strict,
			codec:  cfg.Codec,
			src:    src,
			rng:    rand.New(src),
			filled: false,
		}, nil
	})
}

type shuffleSource[T any] struct {
	up      Source[T]
	window  int
	strict  bool
	codec   Codec[T]
	src     *splitMix64
	rng     *rand.Rand
	reservoir []T
	filled  bool
	drained bool
}

// fillTarget is how large the reservoir must be before fill stops
// blocking: strict shuffle requires the full window up front, so its
// first checkpoint already captures a complete snapshot; non-strict
// only requires one record before the first emission, trading a
// smaller initial buffer for lower first-output latency, and grows the
// rest of the way to window opportunistically via grow below.
func (s *shuffleSource[T]) fillTarget() int {
	if s.strict {
		return s.window
	}
	return 1
}

func (s *shuffleSource[T]) fill(ctx context.Context) error {
	target := s.fillTarget()
	for len(s.reservoir) < target {
		v, ok, err := s.up.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		s.reservoir = append(s.reservoir, v)
	}
	s.filled = true
	return nil
}

// grow tops the reservoir up by one record, short of window capacity.
// It is a no-op once the reservoir reaches window (or in strict mode,
// where fill already brought it there), so a non-strict shuffle's
// buffer organically reaches full window size over its first window
// calls even though it began emitting after only one record.
func (s *shuffleSource[T]) grow(ctx context.Context) error {
	if s.strict || len(s.reservoir) >= s.window {
		return nil
	}
	v, ok, err := s.up.Next(ctx)
	if err != nil {
		return err
	}
	if ok {
		s.reservoir = append(s.reservoir, v)
	}
	return nil
}

func (s *shuffleSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if s.drained {
		return zero, false, nil
	}
	if !s.filled {
		if err := s.fill(ctx); err != nil {
			return zero, false, err
		}
	} else if err := s.grow(ctx); err != nil {
		return zero, false, err
	}
	if len(s.reservoir) == 0 {
		s.drained = true
		return zero, false, nil
	}

	idx := s.rng.Intn(len(s.reservoir))
	out := s.reservoir[idx]

	v, ok, err := s.up.Next(ctx)
	if err != nil {
		return zero, false, err
	}
	if ok {
		s.reservoir[idx] = v
	} else {
		last := len(s.reservoir) - 1
		s.reservoir[idx] = s.reservoir[last]
		s.reservoir = s.reservoir[:last]
	}
	return out, true, nil
}

func (s *shuffleSource[T]) Reset(ctx context.Context) error {
	s.reservoir = nil
	s.filled = false
	s.drained = false
	s.src = newSplitMix64(newShuffleSeed())
	s.rng = rand.New(s.src)
	return s.up.Reset(ctx)
}

func (s *shuffleSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.RecordPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.WriteOperatorTag(opTagShuffle); err != nil {
		return err
	}
	if err := tape.WriteInt(int64(len(s.reservoir))); err != nil {
		return err
	}
	for _, v := range s.reservoir {
		raw, err := s.codec.EncodeRecord(v)
		if err != nil {
			return err
		}
		if err := tape.WriteRecordBytes(raw); err != nil {
			return err
		}
	}
	if s.strict {
		if err := tape.WriteInt(int64(s.src.state)); err != nil {
			return err
		}
	}
	return nil
}

func (s *shuffleSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.ReloadPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.ReadOperatorTag(opTagShuffle); err != nil {
		return err
	}
	n, err := tape.ReadInt()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	reservoir := make([]T, 0, n)
	for i := int64(0); i < n; i++ {
		raw, err := tape.ReadRecordBytes()
		if err != nil {
			return ErrCorruptedCheckpoint
		}
		v, err := s.codec.DecodeRecord(raw)
		if err != nil {
			return ErrCorruptedCheckpoint
		}
		reservoir = append(reservoir, v)
	}
	s.reservoir = reservoir
	s.filled = true
	s.drained = false
	if s.strict {
		state, err := tape.ReadInt()
		if err != nil {
			return ErrCorruptedCheckpoint
		}
		s.src = &splitMix64{state: uint64(state)}
		s.rng = rand.New(s.src)
	}
	return nil
}
