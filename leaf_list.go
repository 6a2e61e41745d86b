package datapipe

import "context"

const opTagReadList int64 = 1

// ReadList builds a pipeline that emits the supplied records in order.
// Its checkpoint is the current index into the slice.
func ReadList[T any](records []T) *Builder[T] {
	cp := make([]T, len(records))
	copy(cp, records)
	return newBuilder(func(ctx context.Context) (Source[T], error) {
		return &readListSource[T]{records: cp}, nil
	})
}

type readListSource[T any] struct {
	records []T
	index   int
}

func (s *readListSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	if s.index >= len(s.records) {
		return zero, false, nil
	}
	v := s.records[s.index]
	s.index++
	return v, true, nil
}

func (s *readListSource[T]) Reset(ctx context.Context) error {
	s.index = 0
	return nil
}

func (s *readListSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := tape.WriteOperatorTag(opTagReadList); err != nil {
		return err
	}
	return tape.WriteInt(int64(s.index))
}

func (s *readListSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := tape.ReadOperatorTag(opTagReadList); err != nil {
		return err
	}
	idx, err := tape.ReadInt()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	s.index = int(idx)
	return nil
}
