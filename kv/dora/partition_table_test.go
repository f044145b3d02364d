package dora

import (
	"math"
	"testing"

	"github.com/dgryski/go-farm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionCount(t *testing.T) {
	assert.Equal(t, 8, PartitionCount(0, 4, 2))
	assert.Equal(t, 3, PartitionCount(3, 4, 2))
	assert.Equal(t, 2, PartitionCount(100, 3, 0.5))
	assert.Equal(t, 1, PartitionCount(100, 1, 0.1))
}

func TestSplitBoundaries(t *testing.T) {
	assert.Equal(t, []Key{NewKey(0), NewKey(25), NewKey(50), NewKey(75)}, SplitBoundaries(0, 100, 4))
	assert.Equal(t, []Key{NewKey(10), NewKey(11)}, SplitBoundaries(10, 12, 4))
	assert.Equal(t, []Key{NewKey(7)}, SplitBoundaries(7, 7, 4))
	assert.Equal(t, []Key{NewKey(7)}, SplitBoundaries(7, 3, 4))

	// Spans wider than int64 must neither wrap nor collapse.
	for _, c := range []struct{ min, max int64 }{
		{0, math.MaxInt64},
		{-100, math.MaxInt64},
		{math.MinInt64, math.MaxInt64},
		{math.MinInt64, 0},
	} {
		bounds := SplitBoundaries(c.min, c.max, 4)
		require.Len(t, bounds, 4, "[%d, %d)", c.min, c.max)
		assert.Equal(t, NewKey(c.min), bounds[0])
		for i := 1; i < len(bounds); i++ {
			assert.Equal(t, -1, bounds[i-1].Compare(bounds[i]), "[%d, %d) at %d", c.min, c.max, i)
		}
	}
	assert.Equal(t, []Key{NewKey(math.MinInt64), NewKey(-1<<62 - 1), NewKey(-1), NewKey(1<<62 - 1)},
		SplitBoundaries(math.MinInt64, math.MaxInt64, 4))
}

func TestDecidePartWideRange(t *testing.T) {
	tbl := newPartitionTable(TableDesc{Name: "t", MinKey: math.MinInt64, MaxKey: math.MaxInt64}, 0, farm.Fingerprint64)
	tbl.configure(4, 1)
	require.Equal(t, 4, tbl.Len())
	cases := map[int64]int{math.MinInt64: 0, -1 << 62: 1, -2: 1, -1: 2, 0: 2, 1 << 62: 3, math.MaxInt64: 3}
	for k, want := range cases {
		got, err := tbl.DecidePart(NewKey(k))
		require.Nil(t, err)
		assert.Equal(t, want, got, "key %d", k)
	}
}

func TestDecidePartRange(t *testing.T) {
	tbl := newPartitionTable(TableDesc{Name: "t", MinKey: 0, MaxKey: 100}, 0, farm.Fingerprint64)
	_, err := tbl.DecidePart(NewKey(1))
	assert.Equal(t, ErrTableNotReady, err)

	tbl.configure(4, 1)
	require.Equal(t, 4, tbl.Len())
	cases := map[int64]int{-5: 0, 0: 0, 24: 0, 25: 1, 26: 1, 74: 2, 75: 3, 99: 3, 1000: 3}
	for k, want := range cases {
		got, err := tbl.DecidePart(NewKey(k))
		require.Nil(t, err)
		assert.Equal(t, want, got, "key %d", k)
	}
	// Composite keys route on their leading fields.
	got, _ := tbl.DecidePart(NewKey(25, -1))
	assert.Equal(t, 1, got)
	got, _ = tbl.DecidePart(NewKey(24, 1000))
	assert.Equal(t, 0, got)

	_, err = tbl.DecidePart(nil)
	assert.Equal(t, ErrEmptyKey, err)

	lower, upper := tbl.partitionRange(1)
	assert.Equal(t, NewKey(25), lower)
	assert.Equal(t, NewKey(50), upper)
	_, upper = tbl.partitionRange(3)
	assert.Nil(t, upper)
}

func TestDecidePartHash(t *testing.T) {
	for _, name := range []string{"farm", "murmur3", "city"} {
		h, err := hashFunc(name)
		require.Nil(t, err)
		tbl := newPartitionTable(TableDesc{Name: "t", Policy: PolicyHash}, 0, h)
		tbl.configure(4, 2)
		require.Equal(t, 8, tbl.Len())
		assert.Nil(t, tbl.Boundaries())
		seen := make(map[int]bool)
		for k := int64(0); k < 200; k++ {
			a, err := tbl.DecidePart(NewKey(k))
			require.Nil(t, err)
			b, _ := tbl.DecidePart(NewKey(k))
			assert.Equal(t, a, b)
			assert.True(t, a >= 0 && a < 8)
			seen[a] = true
		}
		assert.True(t, len(seen) > 1, name)
	}
	_, err := hashFunc("md5")
	assert.NotNil(t, err)
}

func TestDecidePartPrefix(t *testing.T) {
	tbl := newPartitionTable(TableDesc{Name: "t", Policy: PolicyPrefix, PrefixLen: 1}, 0, farm.Fingerprint64)
	require.Nil(t, tbl.setBoundaries([]Key{NewKey(0), NewKey(10), NewKey(20)}))
	tbl.configure(16, 1)
	require.Equal(t, 3, tbl.Len())
	got, _ := tbl.DecidePart(NewKey(10, -100))
	assert.Equal(t, 1, got)
	got, _ = tbl.DecidePart(NewKey(19, 100))
	assert.Equal(t, 1, got)
	got, _ = tbl.DecidePart(NewKey(20, -1))
	assert.Equal(t, 2, got)
}

func TestSetBoundaries(t *testing.T) {
	tbl := newPartitionTable(TableDesc{Name: "t", MinKey: 0, MaxKey: 100}, 0, farm.Fingerprint64)
	assert.NotNil(t, tbl.setBoundaries([]Key{NewKey(5), NewKey(5)}))
	require.Nil(t, tbl.setBoundaries([]Key{NewKey(0), NewKey(90)}))
	tbl.configure(4, 1)
	assert.Equal(t, 2, tbl.Len())

	require.Nil(t, tbl.setBoundaries(nil))
	tbl.configure(4, 1)
	assert.Equal(t, 4, tbl.Len())

	hashed := newPartitionTable(TableDesc{Name: "h", Policy: PolicyHash}, 0, farm.Fingerprint64)
	assert.NotNil(t, hashed.setBoundaries([]Key{NewKey(1)}))
}

func TestGroupKeys(t *testing.T) {
	tbl := newPartitionTable(TableDesc{Name: "t", MinKey: 0, MaxKey: 100}, 0, farm.Fingerprint64)
	tbl.configure(4, 1)
	groups, err := tbl.GroupKeys([]Key{NewKey(80), NewKey(1), NewKey(30), NewKey(2), NewKey(81)})
	require.Nil(t, err)
	assert.Equal(t, [][]Key{
		{NewKey(1), NewKey(2)},
		{NewKey(30)},
		{NewKey(80), NewKey(81)},
	}, groups)
}
