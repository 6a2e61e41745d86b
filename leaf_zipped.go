package datapipe

import (
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

const opTagReadZippedRecords int64 = 3

// zrec framing: a sequence of [8-byte big-endian length][zstd frame]
// blocks. Each record is compressed independently, so any block
// boundary is a valid seek point and the checkpoint can simply be "byte
// offset of the next block" rather than a record index tied to a
// particular decompression state. This concrete archive format is this
// module's own choice; spec.md leaves the archive format explicitly out
// of scope.

// WriteZippedRecords encodes records into the zrec framing understood by
// ReadZippedRecords. It exists to build archives for tests and local
// tooling; the runtime itself only ever reads this format.
func WriteZippedRecords[T any](w io.Writer, codec Codec[T], records []T) error {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	defer enc.Close()

	for _, r := range records {
		raw, err := codec.EncodeRecord(r)
		if err != nil {
			return err
		}
		compressed := enc.EncodeAll(raw, nil)
		var lenBuf [8]byte
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(compressed)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(compressed); err != nil {
			return err
		}
	}
	return nil
}

// ReadZippedRecords streams records out of a zrec archive file, decoding
// each block with codec. Its checkpoint is the byte offset of the next
// block.
func ReadZippedRecords[T any](path string, codec Codec[T]) *Builder[T] {
	return newBuilder(func(ctx context.Context) (Source[T], error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, &OperatorError{Op: "read_zipped_records", Cause: err}
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			f.Close()
			return nil, &OperatorError{Op: "read_zipped_records", Cause: err}
		}
		return &zippedRecordsSource[T]{file: f, dec: dec, codec: codec}, nil
	})
}

type zippedRecordsSource[T any] struct {
	file   *os.File
	dec    *zstd.Decoder
	codec  Codec[T]
	offset int64
}

func (s *zippedRecordsSource[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T

	var lenBuf [8]byte
	n, err := io.ReadFull(s.file, lenBuf[:])
	if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, &OperatorError{Op: "read_zipped_records", Cause: err}
	}

	blockLen := binary.BigEndian.Uint64(lenBuf[:])
	compressed := make([]byte, blockLen)
	if _, err := io.ReadFull(s.file, compressed); err != nil {
		return zero, false, &OperatorError{Op: "read_zipped_records", Cause: err}
	}

	raw, err := s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return zero, false, &OperatorError{Op: "read_zipped_records", Cause: err}
	}

	v, err := s.codec.DecodeRecord(raw)
	if err != nil {
		return zero, false, &OperatorError{Op: "read_zipped_records", Cause: err}
	}

	s.offset += int64(len(lenBuf)) + int64(blockLen)
	return v, true, nil
}

func (s *zippedRecordsSource[T]) Reset(ctx context.Context) error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	s.offset = 0
	return nil
}

func (s *zippedRecordsSource[T]) RecordPosition(ctx context.Context, tape *Tape) error {
	if err := tape.WriteOperatorTag(opTagReadZippedRecords); err != nil {
		return err
	}
	return tape.WriteInt(s.offset)
}

func (s *zippedRecordsSource[T]) ReloadPosition(ctx context.Context, tape *Tape) error {
	if err := tape.ReadOperatorTag(opTagReadZippedRecords); err != nil {
		return err
	}
	offset, err := tape.ReadInt()
	if err != nil {
		return ErrCorruptedCheckpoint
	}
	if _, err := s.file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	s.offset = offset
	return nil
}

// Close releases the underlying file handle. Callers that build a
// pipeline directly from ReadZippedRecords and intend to drop it before
// reaching end of stream should materialize it and Close the file
// themselves via a type assertion, or simply let the process exit; the
// pipeline API has no explicit Close hook (spec.md's Source capability
// set is limited to next/reset/record/reload).
func (s *zippedRecordsSource[T]) Close() error {
	return s.file.Close()
}
