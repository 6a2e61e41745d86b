package datapipe

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// AsAny adapts a typed Pipeline into a Pipeline[any] so it can be used
// as a Zip child. The adaptation is a thin wrapper source that boxes
// every record into an interface value; it carries no state of its own,
// so its checkpoint is exactly its wrapped pipeline's.
func AsAny[T any](p *Pipeline[T]) *Pipeline[any] {
	return newPipeline(func(ctx context.Context) (Source[any], error) {
		return &anySource[T]{p: p}, nil
	})
}

type anySource[T any] struct {
	p *Pipeline[T]
}

func (s *anySource[T]) Next(ctx context.Context) (any, bool, error) {
	v, ok, err := s.p.Next(ctx)
	return v, ok, err
}

func (s *anySource[T]) Reset(ctx context.Context) error {
	return s.p.Reset(ctx)
}

func (s *anySource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	return s.p.RecordPosition(ctx, tape)
}

func (s *anySource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	return s.p.ReloadPosition(ctx, tape)
}

// RoundRobin interleaves records from every child pipeline, pulling one
// record from each in turn. When a child is exhausted it is reset and
// rejoins the rotation; RoundRobin itself ends only once every child
// produced zero records during one full pass since its last reset — the
// sentinel that distinguishes "temporarily out of records, about to
// recycle" from "genuinely done".
func RoundRobin[T any](pipelines []*Pipeline[T]) *Pipeline[T] {
	children := make([]*Pipeline[T], len(pipelines))
	copy(children, pipelines)
	return newPipeline(func(ctx context.Context) (Source[T], error) {
		return &roundRobinSource[T]{children: children}, nil
	})
}

const opTagRoundRobin int64 = 11

type roundRobinSource[T any] struct {
	children []*Pipeline[T]
	next     int
	// emptyStreak counts consecutive turns on which a child yielded
	// nothing even straight after its own reset. Once a full pass
	// (len(children) such turns in a row) completes with zero
	// production, every child is genuinely exhausted.
	emptyStreak int
}

func (s *roundRobinSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if len(s.children) == 0 {
		return zero, false, nil
	}
	for s.emptyStreak < len(s.children) {
		child := s.children[s.next]

		v, ok, err := child.Next(ctx)
		if err != nil {
			return zero, false, &OperatorError{Op: "round_robin", Cause: err}
		}
		if !ok {
			// Exhausted at its turn: recycle immediately and retry once
			// from the top of the same child before moving the rotation
			// on, so a shorter child keeps contributing on every one of
			// its turns instead of sitting out a cycle.
			if err := child.Reset(ctx); err != nil {
				return zero, false, &OperatorError{Op: "round_robin", Cause: err}
			}
			v, ok, err = child.Next(ctx)
			if err != nil {
				return zero, false, &OperatorError{Op: "round_robin", Cause: err}
			}
		}

		s.next = (s.next + 1) % len(s.children)
		if ok {
			s.emptyStreak = 0
			return v, true, nil
		}
		// Genuinely empty even fresh off a reset: count the miss and
		// let the next child take its turn.
		s.emptyStreak++
	}
	return zero, false, nil
}

func (s *roundRobinSource[T]) Reset(ctx context.Context) error {
	for _, c := range s.children {
		if err := c.Reset(ctx); err != nil {
			return err
		}
	}
	s.next = 0
	s.emptyStreak = 0
	return nil
}

func (s *roundRobinSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := tape.WriteOperatorTag(opTagRoundRobin); err != nil {
		return err
	}
	if err := tape.WriteInt(int64(s.next)); err != nil {
		return err
	}
	for _, c := range s.children {
		if err := c.RecordPosition(ctx, tape); err != nil {
			return err
		}
	}
	return nil
}

func (s *roundRobinSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := tape.ReadOperatorTag(opTagRoundRobin); err != nil {
		return err
	}
	next, err := tape.ReadInt()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	s.next = int(next)
	s.emptyStreak = 0
	for _, c := range s.children {
		if err := c.ReloadPosition(ctx, tape); err != nil {
			return err
		}
	}
	return nil
}

// ZipConfig configures Zip.
type ZipConfig struct {
	Names               []string
	Flatten             bool
	WarnOnly            bool
	DisableParallelism  bool
}

// ZipOption configures a Zip composition.
type ZipOption func(*ZipConfig)

// WithZipNames assigns each child a name other than its index, used as
// its key in the combined Map.
func WithZipNames(names ...string) ZipOption {
	return func(c *ZipConfig) { c.Names = names }
}

// WithZipFlatten merges every child's record into a single composite
// when every child record is the same shape (all maps, or all lists);
// a shape mismatch across children always fails loudly regardless of
// warn_only, since there is no reasonable merged value to produce.
func WithZipFlatten() ZipOption { return func(c *ZipConfig) { c.Flatten = true } }

// WithZipWarnOnly logs a warning, once, when Zip ends because one child
// ran out before the others. Zip always ends cleanly (no error) on such
// a mismatch regardless of this option; it only controls whether that
// case is reported.
func WithZipWarnOnly() ZipOption { return func(c *ZipConfig) { c.WarnOnly = true } }

// WithZipSequential disables concurrent child pulls, pulling each child
// in order instead. Useful when children share an underlying resource
// that is not safe for concurrent access.
func WithZipSequential() ZipOption { return func(c *ZipConfig) { c.DisableParallelism = true } }

const opTagZip int64 = 12

// Zip combines the children pipelines' records into one composite record
// per pull: a Map keyed by name (ZipConfig.Names, defaulting to "0",
// "1", ...) holding each child's record, or — with WithZipFlatten — the
// merged contents of every child's record when they are uniformly
// map-shaped or uniformly list-shaped. Zip ends as soon as its first
// child ends, the same as ordinary end-of-stream, even if other children
// still had records left; WithZipWarnOnly only controls whether that
// mismatch is logged, not whether it is an error.
//
// Zip is scoped to Pipeline[any] rather than a generic Pipeline[T]
// because flattening is inherently dynamic: whether a given pull's
// children are map-shaped or list-shaped can only be discovered at
// runtime by inspecting the records themselves, which Go's static
// generics cannot express as a single T.
func Zip(children []*Pipeline[any], opts ...ZipOption) *Pipeline[any] {
	cfg := ZipConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	names := make([]string, len(children))
	for i := range children {
		if i < len(cfg.Names) {
			names[i] = cfg.Names[i]
		} else {
			names[i] = itoa(i)
		}
	}
	kids := make([]*Pipeline[any], len(children))
	copy(kids, children)

	return newPipeline(func(ctx context.Context) (Source[any], error) {
		return &zipSource{children: kids, names: names, cfg: cfg}, nil
	})
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := []byte{}
	for i > 0 {
		digits = append([]byte{byte('0' + i%10)}, digits...)
		i /= 10
	}
	return string(digits)
}

type zipSource struct {
	children []*Pipeline[any]
	names    []string
	cfg      ZipConfig
	ended    bool
	mismatchWarned bool
}

type zipPull struct {
	v   any
	ok  bool
	err error
}

func (s *zipSource) pullAll(ctx context.Context) ([]zipPull, error) {
	results := make([]zipPull, len(s.children))

	if s.cfg.DisableParallelism {
		var errs error
		for i, c := range s.children {
			v, ok, err := c.Next(ctx)
			results[i] = zipPull{v: v, ok: ok, err: err}
			if err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		return results, errs
	}

	g, gctx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var errs error
	for i, c := range s.children {
		i, c := i, c
		g.Go(func() error {
			v, ok, err := c.Next(gctx)
			mu.Lock()
			results[i] = zipPull{v: v, ok: ok, err: err}
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results, errs
}

func (s *zipSource) Next(ctx context.Context) (any, bool, error) {
	if s.ended {
		return nil, false, nil
	}

	results, err := s.pullAll(ctx)
	if err != nil {
		s.ended = true
		return nil, false, &OperatorError{Op: "zip", Cause: err}
	}

	anyEnded := false
	allEnded := true
	for _, r := range results {
		if r.ok {
			allEnded = false
		} else {
			anyEnded = true
		}
	}
	if allEnded {
		s.ended = true
		return nil, false, nil
	}
	if anyEnded {
		s.ended = true
		if s.cfg.WarnOnly && !s.mismatchWarned {
			Logger.Printf("datapipe: zip: children produced unequal numbers of records")
			s.mismatchWarned = true
		}
		return nil, false, nil
	}

	if s.cfg.Flatten {
		return s.flatten(results)
	}

	out := Map{}
	for i, r := range results {
		out[s.names[i]] = r.v
	}
	return out, true, nil
}

func (s *zipSource) flatten(results []zipPull) (any, bool, error) {
	if len(results) == 0 {
		return Map{}, true, nil
	}
	if m, ok := results[0].v.(Map); ok {
		merged := Map{}
		for k, v := range m {
			merged[k] = v
		}
		for _, r := range results[1:] {
			child, ok := r.v.(Map)
			if !ok {
				return nil, false, &OperatorError{Op: "zip", Cause: ErrZipShapeMismatch}
			}
			for k, v := range child {
				if _, exists := merged[k]; exists {
					return nil, false, &OperatorError{Op: "zip", Cause: ErrZipKeyCollision}
				}
				merged[k] = v
			}
		}
		return merged, true, nil
	}
	if l, ok := results[0].v.(List); ok {
		merged := append(List{}, l...)
		for _, r := range results[1:] {
			child, ok := r.v.(List)
			if !ok {
				return nil, false, &OperatorError{Op: "zip", Cause: ErrZipShapeMismatch}
			}
			merged = append(merged, child...)
		}
		return merged, true, nil
	}
	return nil, false, &OperatorError{Op: "zip", Cause: ErrZipShapeMismatch}
}

func (s *zipSource) Reset(ctx context.Context) error {
	for _, c := range s.children {
		if err := c.Reset(ctx); err != nil {
			return err
		}
	}
	s.ended = false
	s.mismatchWarned = false
	return nil
}

func (s *zipSource) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := tape.WriteOperatorTag(opTagZip); err != nil {
		return err
	}
	for _, c := range s.children {
		if err := c.RecordPosition(ctx, tape); err != nil {
			return err
		}
	}
	return nil
}

func (s *zipSource) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := tape.ReadOperatorTag(opTagZip); err != nil {
		return err
	}
	for _, c := range s.children {
		if err := c.ReloadPosition(ctx, tape); err != nil {
			return err
		}
	}
	s.ended = false
	return nil
}
