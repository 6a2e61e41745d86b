package datapipe

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// BrokenError is returned by every public operation except inspection
// once a pipeline has been poisoned by a prior error. Clearable only by
// Pipeline.Reset.
type BrokenError struct {
	Cause error
}

func (e *BrokenError) Error() string {
	if e.Cause == nil {
		return "datapipe: pipeline broken"
	}
	return fmt.Sprintf("datapipe: pipeline broken: %v", e.Cause)
}

func (e *BrokenError) Unwrap() error { return e.Cause }

// OperatorError wraps a failure raised by a user callback or a leaf
// source. Op names the operator that observed the failure ("map",
// "bucket_by_length", "zip", ...); Record carries the offending record
// when the operator knows it (nil otherwise).
type OperatorError struct {
	Op     string
	Record any
	Cause  error
}

func (e *OperatorError) Error() string {
	if e.Record != nil {
		return fmt.Sprintf("datapipe: %s: %v (record: %v)", e.Op, e.Cause, e.Record)
	}
	return fmt.Sprintf("datapipe: %s: %v", e.Op, e.Cause)
}

func (e *OperatorError) Unwrap() error { return e.Cause }

// NewOperatorError builds an OperatorError, folding multiple simultaneous
// causes (e.g. several zip children failing on the same pull) into a
// single *multierror.Error so none of them is silently dropped.
func NewOperatorError(op string, record any, causes ...error) *OperatorError {
	var merged error
	for _, c := range causes {
		if c == nil {
			continue
		}
		merged = multierror.Append(merged, c)
	}
	return &OperatorError{Op: op, Record: record, Cause: merged}
}

// ConfigError reports an invalid builder argument, e.g. a shard index
// greater than or equal to the shard count, or an empty bucket size
// table.
type ConfigError struct {
	Op      string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("datapipe: invalid configuration for %s: %s", e.Op, e.Message)
}

// Tape structural errors.
var (
	// ErrTapeTypeMismatch is raised when a typed read's requested tag
	// does not match the tag of the frame at the cursor.
	ErrTapeTypeMismatch = errors.New("datapipe: tape type mismatch")

	// ErrTapeExhausted is raised when a read is attempted past the last
	// recorded frame.
	ErrTapeExhausted = errors.New("datapipe: tape exhausted")

	// ErrCorruptedCheckpoint is raised when an operator's structural tag
	// does not match what the current operator graph expects on reload,
	// or a tape runs out mid-restore.
	ErrCorruptedCheckpoint = errors.New("datapipe: pipeline corrupted checkpoint")

	// ErrRecordExceedsBucketSizes is raised by bucket_by_length when a
	// record's length exceeds every configured bucket size and warn_only
	// is not set.
	ErrRecordExceedsBucketSizes = errors.New("datapipe: record exceeds every bucket size")

	// ErrZipShapeMismatch is raised when zip's flatten mode finds
	// children whose records are not uniformly map-shaped or uniformly
	// list-shaped.
	ErrZipShapeMismatch = errors.New("datapipe: zip flatten requires uniformly shaped child records")

	// ErrZipKeyCollision is raised when zip's flatten mode finds the same
	// map key produced by more than one child.
	ErrZipKeyCollision = errors.New("datapipe: zip flatten found a colliding key across children")

	// ErrLuaScriptNotMapShaped is raised when a LuaMapFunc script's return
	// value is not a table, so it cannot become a Map record.
	ErrLuaScriptNotMapShaped = errors.New("datapipe: lua map script did not return a table")
)

// isBroken reports whether err (or something it wraps) is a *BrokenError.
func isBroken(err error) bool {
	var b *BrokenError
	return errors.As(err, &b)
}
