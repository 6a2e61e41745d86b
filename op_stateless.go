package datapipe

import (
	"context"
	"log"
)

// Logger receives one-line diagnostics from warn_only operators that
// skip a record instead of breaking the pipeline. Callers may redirect
// it; it defaults to the standard library's default logger.
var Logger = log.Default()

// MapConfig configures Builder.Map.
type MapConfig struct {
	Parallelism int
	WarnOnly    bool
}

// MapOption configures a Map stage.
type MapOption func(*MapConfig)

// WithParallelism runs the map function across p background workers,
// preserving input order in the emitted sequence (see op_concurrent.go).
func WithParallelism(p int) MapOption {
	return func(c *MapConfig) { c.Parallelism = p }
}

// WithWarnOnly downgrades a map function failure to a logged skip
// instead of breaking the pipeline.
func WithWarnOnly() MapOption {
	return func(c *MapConfig) { c.WarnOnly = true }
}

func resolveMapConfig(opts []MapOption) MapConfig {
	cfg := MapConfig{Parallelism: 1}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// Map applies fn to each record. With Parallelism 1 (the default) this
// is a pure pass-through operator with no checkpoint state of its own
// (the upstream position carries all the state that matters). With
// Parallelism > 1 it becomes the concurrent stage described in
// op_concurrent.go.
func (b *Builder[T]) Map(fn MapFunc[T], opts ...MapOption) *Builder[T] {
	cfg := resolveMapConfig(opts)
	if cfg.Parallelism > 1 {
		return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
			return newParallelMapSource(up, fn, cfg), nil
		})
	}
	return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
		return &mapSource[T]{up: up, fn: fn, warnOnly: cfg.WarnOnly}, nil
	})
}

type mapSource[T any] struct {
	up       Source[T]
	fn       MapFunc[T]
	warnOnly bool
}

func (s *mapSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		v, ok, err := s.up.Next(ctx)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			return zero, false, nil
		}
		out, err := s.fn(v)
		if err != nil {
			if s.warnOnly {
				Logger.Printf("datapipe: map: skipping record after error: %v", err)
				continue
			}
			return zero, false, &OperatorError{Op: "map", Record: v, Cause: err}
		}
		return out, true, nil
	}
}

func (s *mapSource[T]) Reset(ctx context.Context) error { return s.up.Reset(ctx) }
func (s *mapSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	return s.up.RecordPosition(ctx, tape)
}
func (s *mapSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	return s.up.ReloadPosition(ctx, tape)
}

// Filter drops records for which pred returns false. It has no
// checkpoint state of its own.
func (b *Builder[T]) Filter(pred PredicateFunc[T]) *Builder[T] {
	return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
		return &filterSource[T]{up: up, pred: pred}, nil
	})
}

type filterSource[T any] struct {
	up   Source[T]
	pred PredicateFunc[T]
}

func (s *filterSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		v, ok, err := s.up.Next(ctx)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			return zero, false, nil
		}
		if s.pred(v) {
			return v, true, nil
		}
	}
}

func (s *filterSource[T]) Reset(ctx context.Context) error { return s.up.Reset(ctx) }
func (s *filterSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	return s.up.RecordPosition(ctx, tape)
}
func (s *filterSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	return s.up.ReloadPosition(ctx, tape)
}

const opTagSkip int64 = 4

// Skip consumes and discards the first n records of the remaining
// stream; subsequent pulls pass through unchanged. Its checkpoint is the
// remaining skip count.
func (b *Builder[T]) Skip(n int) *Builder[T] {
	return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
		return &skipSource[T]{up: up, initial: n, remaining: n}, nil
	})
}

type skipSource[T any] struct {
	up        Source[T]
	initial   int
	remaining int
}

func (s *skipSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for s.remaining > 0 {
		_, ok, err := s.up.Next(ctx)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			s.remaining = 0
			return zero, false, nil
		}
		s.remaining--
	}
	return s.up.Next(ctx)
}

func (s *skipSource[T]) Reset(ctx context.Context) error {
	if err := s.up.Reset(ctx); err != nil {
		return err
	}
	s.remaining = s.initial
	return nil
}

func (s *skipSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.RecordPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.WriteOperatorTag(opTagSkip); err != nil {
		return err
	}
	return tape.WriteInt(int64(s.remaining))
}

func (s *skipSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.ReloadPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.ReadOperatorTag(opTagSkip); err != nil {
		return err
	}
	remaining, err := tape.ReadInt()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	s.remaining = int(remaining)
	return nil
}

const opTagTake int64 = 5

// Take emits at most n records then ends. Its checkpoint is the
// remaining take count.
func (b *Builder[T]) Take(n int) *Builder[T] {
	return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
		return &takeSource[T]{up: up, initial: n, remaining: n}, nil
	})
}

type takeSource[T any] struct {
	up        Source[T]
	initial   int
	remaining int
}

func (s *takeSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if s.remaining <= 0 {
		return zero, false, nil
	}
	v, ok, err := s.up.Next(ctx)
	if err != nil {
		return zero, false, err
	}
	if !ok {
		s.remaining = 0
		return zero, false, nil
	}
	s.remaining--
	return v, true, nil
}

func (s *takeSource[T]) Reset(ctx context.Context) error {
	if err := s.up.Reset(ctx); err != nil {
		return err
	}
	s.remaining = s.initial
	return nil
}

func (s *takeSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.RecordPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.WriteOperatorTag(opTagTake); err != nil {
		return err
	}
	return tape.WriteInt(int64(s.remaining))
}

func (s *takeSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.ReloadPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.ReadOperatorTag(opTagTake); err != nil {
		return err
	}
	remaining, err := tape.ReadInt()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	s.remaining = int(remaining)
	return nil
}

// Shard emits records whose global index modulo k equals i. Each Next
// call consumes upstream in whole groups of k records and, after emitting
// the i-th record of a group, pulls the rest of that group, so between
// calls the upstream always sits on a group boundary. It therefore
// carries no state of its own beyond the upstream position: the index
// counter restarts at zero on Reset/ReloadPosition and the upstream's own
// checkpoint already determines which records remain to be indexed.
func (b *Builder[T]) Shard(i, k int) *Builder[T] {
	return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
		if k <= 0 || i < 0 || i >= k {
			return nil, &ConfigError{Op: "shard", Message: "shard index must satisfy 0 <= i < k"}
		}
		return &shardSource[T]{up: up, i: i, k: k}, nil
	})
}

type shardSource[T any] struct {
	up    Source[T]
	i, k  int
	index int
}

func (s *shardSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		v, ok, err := s.up.Next(ctx)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			return zero, false, nil
		}
		cur := s.index
		s.index++
		if cur%s.k == s.i {
			for s.index%s.k != 0 {
				_, more, err := s.up.Next(ctx)
				if err != nil {
					return zero, false, err
				}
				if !more {
					break
				}
				s.index++
			}
			s.index = 0
			return v, true, nil
		}
	}
}

func (s *shardSource[T]) Reset(ctx context.Context) error {
	s.index = 0
	return s.up.Reset(ctx)
}

func (s *shardSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	return s.up.RecordPosition(ctx, tape)
}

func (s *shardSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	s.index = 0
	return s.up.ReloadPosition(ctx, tape)
}

// YieldFromConfig configures Builder.YieldFrom.
type YieldFromConfig[T any] struct {
	Codec Codec[T]
}

// YieldFromOption configures a YieldFrom stage.
type YieldFromOption[T any] func(*YieldFromConfig[T])

// WithYieldFromCodec overrides the codec used to checkpoint the
// upstream record that produced an in-flight sub-pipeline, so a reload
// mid-sub-pipeline can re-derive it by re-calling g; it defaults to
// BSONCodec[T].
func WithYieldFromCodec[T any](codec Codec[T]) YieldFromOption[T] {
	return func(c *YieldFromConfig[T]) { c.Codec = codec }
}

const opTagYieldFrom int64 = 6

// YieldFrom calls g for each upstream record, streaming every record of
// the returned sub-pipeline before pulling the next upstream record. Its
// checkpoint is the upstream position plus the current sub-pipeline's
// position (recorded as idle when no sub-pipeline is in flight). A
// checkpoint taken mid-sub-pipeline also records the upstream record
// that produced it, so reload can re-derive the same sub-pipeline by
// re-calling g before replaying the sub-pipeline's own position onto it.
func (b *Builder[T]) YieldFrom(g YieldFunc[T], opts ...YieldFromOption[T]) *Builder[T] {
	cfg := YieldFromConfig[T]{Codec: BSONCodec[T]{}}
	for _, o := range opts {
		o(&cfg)
	}
	return b.wrap(func(ctx context.Context, up Source[T]) (Source[T], error) {
		return &yieldFromSource[T]{up: up, g: g, codec: cfg.Codec}, nil
	})
}

type yieldFromSource[T any] struct {
	up    Source[T]
	g     YieldFunc[T]
	codec Codec[T]
	sub   *Pipeline[T]
	// subFrom is the upstream record that produced sub, kept around
	// purely so a mid-sub-pipeline checkpoint can re-derive sub on
	// reload by re-calling g with the same input.
	subFrom T
}

func (s *yieldFromSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	for {
		if s.sub != nil {
			v, ok, err := s.sub.Next(ctx)
			if err != nil {
				return zero, false, &OperatorError{Op: "yield_from", Cause: err}
			}
			if ok {
				return v, true, nil
			}
			s.sub = nil
		}

		v, ok, err := s.up.Next(ctx)
		if err != nil {
			return zero, false, err
		}
		if !ok {
			return zero, false, nil
		}

		sub, err := s.g(v)
		if err != nil {
			return zero, false, &OperatorError{Op: "yield_from", Record: v, Cause: err}
		}
		s.sub = sub
		s.subFrom = v
	}
}

func (s *yieldFromSource[T]) Reset(ctx context.Context) error {
	s.sub = nil
	return s.up.Reset(ctx)
}

func (s *yieldFromSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.RecordPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.WriteOperatorTag(opTagYieldFrom); err != nil {
		return err
	}
	if s.sub == nil {
		return tape.WriteInt(0)
	}
	if err := tape.WriteInt(1); err != nil {
		return err
	}
	raw, err := s.codec.EncodeRecord(s.subFrom)
	if err != nil {
		return err
	}
	if err := tape.WriteRecordBytes(raw); err != nil {
		return err
	}
	return s.sub.RecordPosition(ctx, tape)
}

func (s *yieldFromSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := s.up.ReloadPosition(ctx, tape); err != nil {
		return err
	}
	if err := tape.ReadOperatorTag(opTagYieldFrom); err != nil {
		return err
	}
	active, err := tape.ReadInt()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	if active == 0 {
		s.sub = nil
		return nil
	}
	raw, err := tape.ReadRecordBytes()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	v, err := s.codec.DecodeRecord(raw)
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	sub, err := s.g(v)
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	if err := sub.ReloadPosition(ctx, tape); err != nil {
		return err
	}
	s.sub = sub
	s.subFrom = v
	return nil
}
