package datapipe

import (
	"context"
	"sync"
)

// Source is the pull/reset/checkpoint capability every operator and leaf
// producer implements. Next returns (zero, false, nil) at end of stream;
// end of stream is never an error. Sources are single-owner and are not
// safe for concurrent use except where a concurrent operator documents
// otherwise.
type Source[T any] interface {
	Next(ctx context.Context) (T, bool, error)
	Reset(ctx context.Context) error
	RecordPosition(ctx context.Context, tape *Tape) error
	ReloadPosition(ctx context.Context, tape *Tape) error
}

// Factory is a deferred constructor for a chain's root source, invoked
// the first time a Pipeline built from it is pulled.
type Factory[T any] func(ctx context.Context) (Source[T], error)

// MapFunc transforms a record; it may fail.
type MapFunc[T any] func(T) (T, error)

// PredicateFunc reports whether a record should be kept. It must not
// mutate its argument.
type PredicateFunc[T any] func(T) bool

// LengthFunc returns a non-negative length used by BucketByLength to pick
// a bucket for a record.
type LengthFunc[T any] func(T) int

// YieldFunc expands a record into a sub-pipeline whose records are all
// streamed before the next upstream record is pulled. A mid-sub-pipeline
// checkpoint resumes by re-calling g with the same record, so g must be
// a pure function of its input for that resumption to reproduce the
// original sub-pipeline.
type YieldFunc[T any] func(T) (*Pipeline[T], error)

// Pipeline is the handle a caller pulls records from. It owns a factory,
// an optional materialized root source, and a sticky broken flag: once
// broken, every public operation but IsBroken fails with *BrokenError
// until Reset is called.
type Pipeline[T any] struct {
	mu        sync.Mutex
	factory   Factory[T]
	root      Source[T]
	broken    bool
	brokenErr error
}

func newPipeline[T any](factory Factory[T]) *Pipeline[T] {
	return &Pipeline[T]{factory: factory}
}

// ensureLocked materializes the root source via the factory if it has
// not been created yet. Caller must hold p.mu.
func (p *Pipeline[T]) ensureLocked(ctx context.Context) error {
	if p.root != nil {
		return nil
	}
	root, err := p.factory(ctx)
	if err != nil {
		p.markBrokenLocked(err)
		return err
	}
	p.root = root
	return nil
}

func (p *Pipeline[T]) markBrokenLocked(err error) {
	p.broken = true
	p.brokenErr = err
}

func (p *Pipeline[T]) brokenErrorLocked() error {
	return &BrokenError{Cause: p.brokenErr}
}

// Next pulls the next record from the root source, materializing it via
// the stored factory on first call. Any error raised by the source marks
// the handle broken and is re-raised; end of stream returns (zero,
// false, nil) without breaking the handle.
func (p *Pipeline[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken {
		return zero, false, p.brokenErrorLocked()
	}
	if err := p.ensureLocked(ctx); err != nil {
		return zero, false, err
	}

	v, ok, err := p.root.Next(ctx)
	if err != nil {
		p.markBrokenLocked(err)
		return zero, false, err
	}
	return v, ok, nil
}

// Reset clears the materialized source (or delegates to it, if it
// supports in-place reuse) and clears the broken flag. The factory is
// kept, so the next Next call re-materializes or reuses the root source.
func (p *Pipeline[T]) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.root != nil {
		if err := p.root.Reset(ctx); err != nil {
			return err
		}
	}
	p.broken = false
	p.brokenErr = nil
	return nil
}

// RecordPosition ensures the chain is initialized and delegates to the
// root source. A broken handle refuses.
func (p *Pipeline[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken {
		return p.brokenErrorLocked()
	}
	if err := p.ensureLocked(ctx); err != nil {
		return err
	}
	return p.root.RecordPosition(ctx, tape)
}

// ReloadPosition ensures the chain is initialized and delegates to the
// root source. A broken handle refuses.
func (p *Pipeline[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.broken {
		return p.brokenErrorLocked()
	}
	if err := p.ensureLocked(ctx); err != nil {
		return err
	}
	return p.root.ReloadPosition(ctx, tape)
}

// IsBroken reports the handle's sticky failure state. It never fails and
// is safe to call regardless of broken state.
func (p *Pipeline[T]) IsBroken() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.broken
}

// Builder is a single-use, move-only value accumulating a factory
// closure. Each operator method consumes the builder and returns a new
// one whose factory wraps the previous: invoking it constructs the
// upstream source and wraps it in the new operator. This keeps operator
// instantiation deferred, repeatable, and free of shared state across
// pipeline copies built from the same root builder.
type Builder[T any] struct {
	factory Factory[T]
}

func newBuilder[T any](factory Factory[T]) *Builder[T] {
	return &Builder[T]{factory: factory}
}

// AndReturn produces a Pipeline handle holding the builder's final
// factory.
func (b *Builder[T]) AndReturn() *Pipeline[T] {
	return newPipeline(b.factory)
}

func (b *Builder[T]) wrap(next func(ctx context.Context, up Source[T]) (Source[T], error)) *Builder[T] {
	prev := b.factory
	return newBuilder(func(ctx context.Context) (Source[T], error) {
		up, err := prev(ctx)
		if err != nil {
			return nil, err
		}
		return next(ctx, up)
	})
}
