package dora

import (
	"math"
	"sort"

	"github.com/dgryski/go-farm"
	"github.com/go-faster/city"
	"github.com/pingcap-incubator/tinydora/kv/config"
	"github.com/pingcap/errors"
	"github.com/spaolacci/murmur3"
)

type Policy int

const (
	// PolicyRange routes by binary search over the ordered lower boundaries of the partitions.
	PolicyRange Policy = iota
	// PolicyHash routes by a hash of the encoded key.
	PolicyHash
	// PolicyPrefix is PolicyRange applied to the first PrefixLen fields of the key.
	PolicyPrefix
)

func (p Policy) String() string {
	switch p {
	case PolicyRange:
		return "range"
	case PolicyHash:
		return "hash"
	case PolicyPrefix:
		return "prefix"
	}
	return "unknown"
}

// TableDesc describes how a table is partitioned.
type TableDesc struct {
	Name string
	// KeyEstimate bounds the number of partitions, 0 means no bound.
	KeyEstimate int
	// The first key field of the table lies in [MinKey, MaxKey).
	MinKey int64
	MaxKey int64
	// Ratio overrides the configured partitions per CPU of the table.
	Ratio     float64
	Policy    Policy
	PrefixLen int
}

type HashFunc func([]byte) uint64

func hashFunc(name string) (HashFunc, error) {
	switch name {
	case config.HashFarm, "":
		return farm.Fingerprint64, nil
	case config.HashMurmur:
		return murmur3.Sum64, nil
	case config.HashCity:
		return city.Hash64, nil
	}
	return nil, errors.Errorf("unknown hash function %q", name)
}

// PartitionCount returns min(keyEstimate, ceil(activeCPUs*ratio)), at least 1.
func PartitionCount(keyEstimate, activeCPUs int, ratio float64) int {
	n := int(math.Ceil(float64(activeCPUs) * ratio))
	if keyEstimate > 0 && keyEstimate < n {
		n = keyEstimate
	}
	if n < 1 {
		n = 1
	}
	return n
}

// SplitBoundaries splits [min, max) evenly into at most n ranges and returns their lower boundaries.
func SplitBoundaries(min, max int64, n int) []Key {
	if max <= min || n < 1 {
		return []Key{NewKey(min)}
	}
	// The span of any int64 range fits in a uint64.
	span := uint64(max) - uint64(min)
	if uint64(n) > span {
		n = int(span)
	}
	step, rem := span/uint64(n), span%uint64(n)
	bounds := make([]Key, 0, n)
	for i := uint64(0); i < uint64(n); i++ {
		off := step*i + rem*i/uint64(n)
		bounds = append(bounds, NewKey(int64(uint64(min)+off)))
	}
	return bounds
}

// PartitionTable routes the keys of one table to its partitions. The boundaries must not change while the
// partitions are running.
type PartitionTable struct {
	desc  TableDesc
	idx   int
	hash  HashFunc
	count int
	// Lower boundaries of the partitions in ascending order, range and prefix policies only.
	bounds   []Key
	explicit bool

	parts []*Partition
}

func newPartitionTable(desc TableDesc, idx int, hash HashFunc) *PartitionTable {
	return &PartitionTable{desc: desc, idx: idx, hash: hash}
}

func (t *PartitionTable) Name() string {
	return t.desc.Name
}

func (t *PartitionTable) Desc() TableDesc {
	return t.desc
}

func (t *PartitionTable) Policy() Policy {
	return t.desc.Policy
}

// Len returns the configured number of partitions.
func (t *PartitionTable) Len() int {
	return t.count
}

func (t *PartitionTable) Boundaries() []Key {
	return t.bounds
}

// Partition returns the running partition i, nil when the table is stopped.
func (t *PartitionTable) Partition(i int) *Partition {
	if i < 0 || i >= len(t.parts) {
		return nil
	}
	return t.parts[i]
}

func (t *PartitionTable) Partitions() []*Partition {
	return t.parts
}

// configure computes the partitioning for activeCPUs. Boundaries set through setBoundaries are kept.
func (t *PartitionTable) configure(activeCPUs int, ratio float64) {
	if t.explicit {
		t.count = len(t.bounds)
		return
	}
	n := PartitionCount(t.desc.KeyEstimate, activeCPUs, ratio)
	if t.desc.Policy == PolicyHash {
		t.bounds = nil
		t.count = n
		return
	}
	t.bounds = SplitBoundaries(t.desc.MinKey, t.desc.MaxKey, n)
	t.count = len(t.bounds)
}

func (t *PartitionTable) setBoundaries(bounds []Key) error {
	if t.desc.Policy == PolicyHash {
		return errors.Errorf("table %s is hash partitioned", t.desc.Name)
	}
	if len(bounds) == 0 {
		t.explicit = false
		t.bounds = nil
		return nil
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i-1].Compare(bounds[i]) >= 0 {
			return errors.Errorf("boundaries of table %s are not ascending at %d", t.desc.Name, i)
		}
	}
	t.bounds = make([]Key, len(bounds))
	for i, b := range bounds {
		t.bounds[i] = b.Clone()
	}
	t.explicit = true
	t.count = len(t.bounds)
	return nil
}

// DecidePart returns the index of the partition owning key.
func (t *PartitionTable) DecidePart(key Key) (int, error) {
	if len(key) == 0 {
		return 0, ErrEmptyKey
	}
	if t.count == 0 {
		return 0, ErrTableNotReady
	}
	switch t.desc.Policy {
	case PolicyHash:
		return int(t.hash(key.Encode()) % uint64(t.count)), nil
	case PolicyPrefix:
		return t.searchRange(key.Prefix(t.desc.PrefixLen)), nil
	default:
		return t.searchRange(key), nil
	}
}

// searchRange finds the last boundary not greater than key. Keys on a boundary belong to the partition starting
// there, keys below the first boundary to partition 0.
func (t *PartitionTable) searchRange(key Key) int {
	i := sort.Search(len(t.bounds), func(i int) bool {
		return t.bounds[i].Compare(key) > 0
	}) - 1
	if i < 0 {
		i = 0
	}
	return i
}

// GroupKeys splits keys by owning partition, groups ordered by partition index.
func (t *PartitionTable) GroupKeys(keys []Key) ([][]Key, error) {
	byPart := make(map[int][]Key)
	var order []int
	for _, k := range keys {
		i, err := t.DecidePart(k)
		if err != nil {
			return nil, err
		}
		if _, ok := byPart[i]; !ok {
			order = append(order, i)
		}
		byPart[i] = append(byPart[i], k)
	}
	sort.Ints(order)
	groups := make([][]Key, 0, len(order))
	for _, i := range order {
		groups = append(groups, byPart[i])
	}
	return groups, nil
}

// partitionRange returns the boundaries of partition i.
func (t *PartitionTable) partitionRange(i int) (Key, Key) {
	if t.desc.Policy == PolicyHash || len(t.bounds) == 0 {
		return nil, nil
	}
	var upper Key
	if i+1 < len(t.bounds) {
		upper = t.bounds[i+1]
	}
	return t.bounds[i], upper
}
