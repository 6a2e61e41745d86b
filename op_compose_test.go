package datapipe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pullN pulls exactly n records from p, requiring each pull to succeed.
func pullN[T any](t *testing.T, p *Pipeline[T], n int) []T {
	t.Helper()
	ctx := context.Background()
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v, ok, err := p.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		out = append(out, v)
	}
	return out
}

// TestRoundRobin_InterleavesChildren tests that RoundRobin pulls one
// record from each child in turn. Equal-length non-empty children never
// report a full empty pass (a recycled child always has a fresh first
// record ready), so the rotation is sampled with a bounded number of
// pulls rather than run to exhaustion.
func TestRoundRobin_InterleavesChildren(t *testing.T) {
	a := ReadList([]int{1, 2}).AndReturn()
	b := ReadList([]int{10, 20}).AndReturn()

	p := RoundRobin([]*Pipeline[int]{a, b})
	assert.Equal(t, []int{1, 10, 2, 20}, pullN(t, p, 4))
}

// TestRoundRobin_RecyclesExhaustedChildImmediately tests that a child
// exhausted on its turn is reset and retried from the top within that
// same turn — so a short child keeps contributing on every one of its
// turns rather than sitting one out.
func TestRoundRobin_RecyclesExhaustedChildImmediately(t *testing.T) {
	short := ReadList([]int{1}).AndReturn()
	long := ReadList([]int{10, 20, 30}).AndReturn()

	p := RoundRobin([]*Pipeline[int]{short, long})
	got := pullN(t, p, 8)
	assert.Equal(t, []int{1, 10, 1, 20, 1, 30, 1, 10}, got)
}

// TestRoundRobin_EndsWhenAllChildrenAreGenuinelyEmpty tests that
// RoundRobin terminates immediately when every child is empty from the
// start (the one case where a reset-and-retry still yields nothing).
func TestRoundRobin_EndsWhenAllChildrenAreGenuinelyEmpty(t *testing.T) {
	a := ReadList([]int{}).AndReturn()
	b := ReadList([]int{}).AndReturn()

	p := RoundRobin([]*Pipeline[int]{a, b})
	assert.Empty(t, collect(t, p))
}

// TestRoundRobin_CheckpointResumesRotationAndChildPositions tests that a
// checkpoint preserves both the rotation index and each child's own
// position.
func TestRoundRobin_CheckpointResumesRotationAndChildPositions(t *testing.T) {
	ctx := context.Background()
	build := func() *Pipeline[int] {
		a := ReadList([]int{1, 2, 3}).AndReturn()
		b := ReadList([]int{10, 20, 30}).AndReturn()
		return RoundRobin([]*Pipeline[int]{a, b})
	}

	p := build()
	var got []int
	for i := 0; i < 3; i++ {
		v, ok, err := p.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got = append(got, v)
	}

	tape := NewTape()
	require.NoError(t, p.RecordPosition(ctx, tape))
	raw, err := tape.Bytes()
	require.NoError(t, err)

	resumed := build()
	reloaded, err := TapeFromBytes(raw)
	require.NoError(t, err)
	require.NoError(t, resumed.ReloadPosition(ctx, reloaded))

	got = append(got, pullN(t, resumed, 3)...)
	assert.Equal(t, []int{1, 10, 2, 20, 3, 30}, got)
}

// TestZip_CombinesChildrenIntoNamedMap tests that Zip, without flatten,
// produces one Map per pull keyed by each child's default name.
func TestZip_CombinesChildrenIntoNamedMap(t *testing.T) {
	a := AsAny(ReadList([]int{1, 2}).AndReturn())
	b := AsAny(ReadList([]string{"x", "y"}).AndReturn())

	p := Zip([]*Pipeline[any]{a, b})
	got := collect(t, p)

	require.Len(t, got, 2)
	assert.Equal(t, Map{"0": 1, "1": "x"}, got[0])
	assert.Equal(t, Map{"0": 2, "1": "y"}, got[1])
}

// TestZip_FlattenMergesUniformlyMapShapedChildren tests that
// WithZipFlatten merges map-shaped child records into one composite map.
func TestZip_FlattenMergesUniformlyMapShapedChildren(t *testing.T) {
	a := AsAny(ReadList([]Map{{"id": 1}, {"id": 2}}).AndReturn())
	b := AsAny(ReadList([]Map{{"name": "a"}, {"name": "b"}}).AndReturn())

	p := Zip([]*Pipeline[any]{a, b}, WithZipFlatten())
	got := collect(t, p)

	require.Len(t, got, 2)
	assert.Equal(t, Map{"id": 1, "name": "a"}, got[0])
	assert.Equal(t, Map{"id": 2, "name": "b"}, got[1])
}

// TestZip_FlattenFailsOnShapeMismatch tests that flattening a map-shaped
// record against a list-shaped record always breaks the pipeline, even
// under warn_only.
func TestZip_FlattenFailsOnShapeMismatch(t *testing.T) {
	ctx := context.Background()
	a := AsAny(ReadList([]Map{{"id": 1}}).AndReturn())
	b := AsAny(ReadList([]List{{1, 2}}).AndReturn())

	p := Zip([]*Pipeline[any]{a, b}, WithZipFlatten(), WithZipWarnOnly())
	_, _, err := p.Next(ctx)
	assert.Error(t, err)
	assert.True(t, p.IsBroken())
}

// TestZip_FlattenFailsOnKeyCollision tests that two map-shaped children
// sharing a key is a hard failure rather than a silent overwrite.
func TestZip_FlattenFailsOnKeyCollision(t *testing.T) {
	ctx := context.Background()
	a := AsAny(ReadList([]Map{{"id": 1}}).AndReturn())
	b := AsAny(ReadList([]Map{{"id": 2}}).AndReturn())

	p := Zip([]*Pipeline[any]{a, b}, WithZipFlatten())
	_, _, err := p.Next(ctx)
	assert.Error(t, err)
}

// TestZip_LengthMismatchEndsCleanlyByDefault tests that, with no
// options, one child ending before the others ends the zip the same as
// ordinary end-of-stream — no error, pipeline not broken.
func TestZip_LengthMismatchEndsCleanlyByDefault(t *testing.T) {
	ctx := context.Background()
	a := AsAny(ReadList([]int{1}).AndReturn())
	b := AsAny(ReadList([]int{10, 20}).AndReturn())

	p := Zip([]*Pipeline[any]{a, b})

	v, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Map{"0": 1, "1": 10}, v)

	_, ok, err = p.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, p.IsBroken())
}

// TestZip_WarnOnlyOnlyAffectsLogging tests that WithZipWarnOnly changes
// nothing about Zip's behavior on a length mismatch — it still ends
// cleanly with no error — and exists purely to opt into a logged
// warning.
func TestZip_WarnOnlyOnlyAffectsLogging(t *testing.T) {
	ctx := context.Background()
	a := AsAny(ReadList([]int{1}).AndReturn())
	b := AsAny(ReadList([]int{10, 20}).AndReturn())

	p := Zip([]*Pipeline[any]{a, b}, WithZipWarnOnly())

	v, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Map{"0": 1, "1": 10}, v)

	_, ok, err = p.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, p.IsBroken())
}

// TestZip_SequentialModeMatchesParallelOutput tests that
// WithZipSequential produces the same combined output as the default
// concurrent pull path.
func TestZip_SequentialModeMatchesParallelOutput(t *testing.T) {
	a := AsAny(ReadList([]int{1, 2}).AndReturn())
	b := AsAny(ReadList([]int{10, 20}).AndReturn())

	p := Zip([]*Pipeline[any]{a, b}, WithZipSequential())
	got := collect(t, p)

	require.Len(t, got, 2)
	assert.Equal(t, Map{"0": 1, "1": 10}, got[0])
	assert.Equal(t, Map{"0": 2, "1": 20}, got[1])
}

// TestZip_CheckpointResumesEachChildPosition tests that Zip's checkpoint
// is exactly the concatenation of its children's positions.
func TestZip_CheckpointResumesEachChildPosition(t *testing.T) {
	ctx := context.Background()
	build := func() *Pipeline[any] {
		a := AsAny(ReadList([]int{1, 2, 3}).AndReturn())
		b := AsAny(ReadList([]int{10, 20, 30}).AndReturn())
		return Zip([]*Pipeline[any]{a, b})
	}

	p := build()
	_, _, err := p.Next(ctx)
	require.NoError(t, err)

	tape := NewTape()
	require.NoError(t, p.RecordPosition(ctx, tape))
	raw, err := tape.Bytes()
	require.NoError(t, err)

	resumed := build()
	reloaded, err := TapeFromBytes(raw)
	require.NoError(t, err)
	require.NoError(t, resumed.ReloadPosition(ctx, reloaded))

	got := collect(t, resumed)
	require.Len(t, got, 2)
	assert.Equal(t, Map{"0": 2, "1": 20}, got[0])
	assert.Equal(t, Map{"0": 3, "1": 30}, got[1])
}
