package datapipe

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
)

const opTagListFiles int64 = 2

// ListFiles recursively enumerates root, optionally filtered by a glob
// pattern matched against each file's base name (pattern == "" means no
// filtering), and emits the matching paths as strings in lexicographic
// order. Its checkpoint is the number of paths already emitted, i.e. the
// index of the next path in that order.
//
// filepath.WalkDir already visits each directory's entries in
// lexicographic order on every platform Go supports; ListFiles collects
// the full listing once per materialized source, so the order is stable
// across Reset and ReloadPosition of that source. A freshly built
// pipeline lists the directory again.
func ListFiles(root string, pattern string) *Builder[string] {
	return newBuilder(func(ctx context.Context) (Source[string], error) {
		paths, err := enumerateFiles(root, pattern)
		if err != nil {
			return nil, &OperatorError{Op: "list_files", Cause: err}
		}
		return &listFilesSource{paths: paths}, nil
	})
}

func enumerateFiles(root, pattern string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if pattern != "" {
			matched, mErr := filepath.Match(pattern, filepath.Base(path))
			if mErr != nil {
				return mErr
			}
			if !matched {
				return nil
			}
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

type listFilesSource struct {
	paths []string
	index int
}

func (s *listFilesSource) Next(ctx context.Context) (string, bool, error) {
	if s.index >= len(s.paths) {
		return "", false, nil
	}
	v := s.paths[s.index]
	s.index++
	return v, true, nil
}

func (s *listFilesSource) Reset(ctx context.Context) error {
	s.index = 0
	return nil
}

func (s *listFilesSource) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := tape.WriteOperatorTag(opTagListFiles); err != nil {
		return err
	}
	return tape.WriteInt(int64(s.index))
}

func (s *listFilesSource) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := tape.ReadOperatorTag(opTagListFiles); err != nil {
		return err
	}
	idx, err := tape.ReadInt()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	s.index = int(idx)
	return nil
}
