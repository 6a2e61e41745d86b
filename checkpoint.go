package datapipe

import (
	"context"

	"github.com/homveloper/datapipe/internal/checkpointstore"
)

// CheckpointStore persists a pipeline's checkpoint tape under a caller
// chosen key. It is satisfied by checkpointstore.Memory,
// checkpointstore.Redis, and checkpointstore.SQLite.
type CheckpointStore = checkpointstore.Store

// Checkpoint records the pipeline's current position and saves it to
// store under key, overwriting any previous checkpoint at that key.
func (p *Pipeline[T]) Checkpoint(ctx context.Context, store CheckpointStore, key string) error {
	tape := NewTape()
	if err := p.RecordPosition(ctx, tape); err != nil {
		return err
	}
	data, err := tape.Bytes()
	if err != nil {
		return err
	}
	return store.Save(ctx, key, data)
}

// Resume loads the checkpoint saved under key and restores the
// pipeline's position from it. The pipeline must be freshly built from
// the same definition that produced the checkpoint; Resume does not
// validate that the chain shape matches, so a mismatched chain surfaces
// as ErrCorruptedCheckpoint or a silently wrong resume point.
func (p *Pipeline[T]) Resume(ctx context.Context, store CheckpointStore, key string) error {
	data, err := store.Load(ctx, key)
	if err != nil {
		return err
	}
	tape, err := TapeFromBytes(data)
	if err != nil {
		return err
	}
	return p.ReloadPosition(ctx, tape)
}
