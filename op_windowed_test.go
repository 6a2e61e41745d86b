package datapipe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestBucket_GroupsIntoFixedSizeSlices tests that Bucket groups upstream
// records into slices of the configured size.
func TestBucket_GroupsIntoFixedSizeSlices(t *testing.T) {
	p := Bucket(ReadList([]int{1, 2, 3, 4, 5, 6}), 2, false).AndReturn()
	got := collect(t, p)
	assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5, 6}}, got)
}

// TestBucket_DropRemainder tests that a trailing partial bucket is
// dropped when dropRemainder is set, and kept otherwise.
func TestBucket_DropRemainder(t *testing.T) {
	t.Run("dropped", func(t *testing.T) {
		p := Bucket(ReadList([]int{1, 2, 3, 4, 5}), 2, true).AndReturn()
		assert.Equal(t, [][]int{{1, 2}, {3, 4}}, collect(t, p))
	})

	t.Run("kept", func(t *testing.T) {
		p := Bucket(ReadList([]int{1, 2, 3, 4, 5}), 2, false).AndReturn()
		assert.Equal(t, [][]int{{1, 2}, {3, 4}, {5}}, collect(t, p))
	})
}

// TestBucket_ChecksPointAsPureDelegation tests that Bucket's checkpoint
// is identical to its bare upstream's, since no partial bucket is ever
// observable between two Next calls.
func TestBucket_ChecksPointAsPureDelegation(t *testing.T) {
	ctx := context.Background()

	bare := ReadList([]int{1, 2, 3, 4}).AndReturn()
	bucketed := Bucket(ReadList([]int{1, 2, 3, 4}), 2, false).AndReturn()

	_, _, err := bare.Next(ctx)
	require.NoError(t, err)
	_, _, err = bare.Next(ctx)
	require.NoError(t, err)

	_, _, err = bucketed.Next(ctx)
	require.NoError(t, err)

	bareTape, bucketedTape := NewTape(), NewTape()
	require.NoError(t, bare.RecordPosition(ctx, bareTape))
	require.NoError(t, bucketed.RecordPosition(ctx, bucketedTape))

	bareRaw, err := bareTape.Bytes()
	require.NoError(t, err)
	bucketedRaw, err := bucketedTape.Bytes()
	require.NoError(t, err)
	assert.Equal(t, bareRaw, bucketedRaw)
}

// TestBucketByLength_RoutesToFirstFittingBucket tests that records are
// grouped by the smallest MaxLen class that can hold their length, each
// class flushing once it accumulates its own BatchSize — short records
// (MaxLen 1) batched large, 3 per bucket, while long records (MaxLen 3)
// are flushed singly, independent of the MaxLen thresholds that route
// them.
func TestBucketByLength_RoutesToFirstFittingBucket(t *testing.T) {
	words := []string{"a", "xxx", "b", "c"}
	lengthFn := func(s string) int { return len(s) }
	sizes := []BucketSize{{MaxLen: 1, BatchSize: 3}, {MaxLen: 3, BatchSize: 1}}

	p := BucketByLength(ReadList(words), sizes, lengthFn, false, false, BSONCodec[string]{}).AndReturn()

	got := collect(t, p)
	assert.Equal(t, [][]string{{"xxx"}, {"a", "b", "c"}}, got)
}

// TestBucketByLength_WarnOnlyDropsOversizedRecords tests that a record
// longer than every class's MaxLen is dropped under warn_only instead of
// breaking the pipeline.
func TestBucketByLength_WarnOnlyDropsOversizedRecords(t *testing.T) {
	words := []string{"a", "toolong"}
	lengthFn := func(s string) int { return len(s) }
	sizes := []BucketSize{{MaxLen: 2, BatchSize: 1}}

	p := BucketByLength(ReadList(words), sizes, lengthFn, true, true, BSONCodec[string]{}).AndReturn()
	assert.Equal(t, [][]string{{"a"}}, collect(t, p))
}

// TestBucketByLength_CheckpointPreservesPartialBuckets tests that a
// record sitting in a not-yet-full bucket survives a checkpoint and is
// flushed correctly once the (now re-exhausted) upstream ends again.
func TestBucketByLength_CheckpointPreservesPartialBuckets(t *testing.T) {
	ctx := context.Background()
	lengthFn := func(s string) int { return len(s) }
	words := []string{"a", "bb", "d"}
	sizes := []BucketSize{{MaxLen: 1, BatchSize: 1}, {MaxLen: 2, BatchSize: 2}}

	build := func() *Pipeline[[]string] {
		return BucketByLength(ReadList(words), sizes, lengthFn, false, false, BSONCodec[string]{}).AndReturn()
	}

	p := build()
	// "a" flushes its MaxLen-1 bucket (BatchSize 1) immediately.
	_, _, err := p.Next(ctx) // ["a"]
	require.NoError(t, err)
	// "bb" goes into the MaxLen-2 bucket (BatchSize 2) but does not fill
	// it; "d" flushes the MaxLen-1 bucket again. "bb" is left buffered,
	// unflushed.
	_, _, err = p.Next(ctx) // ["d"]
	require.NoError(t, err)

	tape := NewTape()
	require.NoError(t, p.RecordPosition(ctx, tape))
	raw, err := tape.Bytes()
	require.NoError(t, err)

	resumed := build()
	reloaded, err := TapeFromBytes(raw)
	require.NoError(t, err)
	require.NoError(t, resumed.ReloadPosition(ctx, reloaded))

	assert.Equal(t, [][]string{{"bb"}}, collect(t, resumed))
}

// TestShuffle_PreservesMultiset tests that Shuffle reorders but never
// drops or duplicates records.
func TestShuffle_PreservesMultiset(t *testing.T) {
	p := Shuffle(ReadList([]int{1, 2, 3, 4, 5, 6, 7, 8}), 4).AndReturn()
	got := collect(t, p)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, got)
}

// TestShuffle_DisabledBelowWindowTwo tests that a window of 1 or less
// disables shuffling entirely (pure pass-through).
func TestShuffle_DisabledBelowWindowTwo(t *testing.T) {
	p := Shuffle(ReadList([]int{1, 2, 3}), 1).AndReturn()
	assert.Equal(t, []int{1, 2, 3}, collect(t, p))
}

// countingIntSource is a minimal Source[int] that counts how many
// records it has actually produced, so a test can observe how far a
// wrapping operator pulled ahead before its first emission.
type countingIntSource struct {
	records []int
	index   int
	pulls   int
}

func (s *countingIntSource) Next(ctx context.Context) (int, bool, error) {
	if s.index >= len(s.records) {
		return 0, false, nil
	}
	v := s.records[s.index]
	s.index++
	s.pulls++
	return v, true, nil
}

func (s *countingIntSource) Reset(ctx context.Context) error {
	s.index = 0
	s.pulls = 0
	return nil
}

func (s *countingIntSource) RecordPosition(ctx context.Context, tape *Tape) error { return nil }
func (s *countingIntSource) ReloadPosition(ctx context.Context, tape *Tape) error { return nil }

// TestShuffle_NonStrictEmitsBeforeReservoirFills tests that, without
// WithStrictShuffle, the first record is emitted long before the
// reservoir reaches the full window size — far fewer upstream pulls
// than window — rather than blocking to fill it first.
func TestShuffle_NonStrictEmitsBeforeReservoirFills(t *testing.T) {
	ctx := context.Background()
	records := make([]int, 50)
	for i := range records {
		records[i] = i
	}
	src := &countingIntSource{records: records}
	b := newBuilder(func(ctx context.Context) (Source[int], error) { return src, nil })

	p := Shuffle(b, 20).AndReturn()

	v, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, src.pulls, 20)

	rest := collect(t, p)
	assert.ElementsMatch(t, records, append([]int{v}, rest...))
}

// TestShuffle_StrictFillsReservoirBeforeFirstEmission tests that
// WithStrictShuffle pulls the full window upstream before its first
// emission, the opposite latency tradeoff from the non-strict default.
func TestShuffle_StrictFillsReservoirBeforeFirstEmission(t *testing.T) {
	ctx := context.Background()
	records := make([]int, 50)
	for i := range records {
		records[i] = i
	}
	src := &countingIntSource{records: records}
	b := newBuilder(func(ctx context.Context) (Source[int], error) { return src, nil })

	p := Shuffle(b, 20, WithStrictShuffle[int]()).AndReturn()

	_, ok, err := p.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, src.pulls, 20)
}

// TestShuffle_StrictReplaysIdenticalOrderAfterCheckpoint tests that
// WithStrictShuffle captures and restores PRNG state so a resumed
// pipeline reproduces the same order as if it had never stopped.
func TestShuffle_StrictReplaysIdenticalOrderAfterCheckpoint(t *testing.T) {
	ctx := context.Background()
	records := []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	build := func() *Pipeline[int] {
		return Shuffle(ReadList(records), 3, WithStrictShuffle[int](), WithShuffleSeed[int](42)).AndReturn()
	}

	uninterrupted := build()
	want := collect(t, uninterrupted)

	p := build()
	var got []int
	for i := 0; i < 4; i++ {
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

	got = append(got, collect(t, resumed)...)
	assert.Equal(t, want, got)
}
