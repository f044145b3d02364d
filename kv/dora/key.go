package dora

import (
	"strconv"
	"strings"

	"github.com/pingcap-incubator/tinydora/kv/util/codec"
	"github.com/pingcap/errors"
)

// Key is the routing key of an action: an ordered tuple of integer fields compared field by field. A key that is a
// prefix of another one sorts first.
type Key []int64

func NewKey(fields ...int64) Key {
	return Key(fields)
}

func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		switch {
		case k[i] < o[i]:
			return -1
		case k[i] > o[i]:
			return 1
		}
	}
	switch {
	case len(k) < len(o):
		return -1
	case len(k) > len(o):
		return 1
	}
	return 0
}

func (k Key) Equal(o Key) bool {
	return k.Compare(o) == 0
}

// Encode returns the memcomparable form of k, bytes.Compare on two encoded keys agrees with Compare.
func (k Key) Encode() []byte {
	return codec.EncodeInts(k)
}

func DecodeKey(b []byte) (Key, error) {
	vals, err := codec.DecodeInts(b)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return Key(vals), nil
}

// Prefix returns the first n fields of k, or k itself when it is shorter.
func (k Key) Prefix(n int) Key {
	if n >= len(k) || n <= 0 {
		return k
	}
	return k[:n]
}

func (k Key) Clone() Key {
	c := make(Key, len(k))
	copy(c, k)
	return c
}

func (k Key) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, f := range k {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatInt(f, 10))
	}
	sb.WriteByte(')')
	return sb.String()
}

// KeyRange is the half open range [Start, End). Start and End have the same length and differ in the last field only.
type KeyRange struct {
	Start Key
	End   Key
}

func NewKeyRange(start, end Key) (KeyRange, error) {
	if len(start) == 0 || len(start) != len(end) {
		return KeyRange{}, errors.Errorf("invalid key range %v - %v", start, end)
	}
	last := len(start) - 1
	if !start[:last].Equal(end[:last]) {
		return KeyRange{}, errors.Errorf("key range %v - %v differs before the last field", start, end)
	}
	if start[last] > end[last] {
		return KeyRange{}, errors.Errorf("key range %v - %v is reversed", start, end)
	}
	return KeyRange{Start: start, End: end}, nil
}

func (r KeyRange) Len() int {
	if len(r.Start) == 0 {
		return 0
	}
	last := len(r.Start) - 1
	return int(r.End[last] - r.Start[last])
}

func (r KeyRange) Contains(k Key) bool {
	return r.Start.Compare(k) <= 0 && k.Compare(r.End) < 0
}

// Keys expands the range into its ordered keys.
func (r KeyRange) Keys() []Key {
	n := r.Len()
	if n <= 0 {
		return nil
	}
	last := len(r.Start) - 1
	keys := make([]Key, 0, n)
	for v := r.Start[last]; v < r.End[last]; v++ {
		k := r.Start.Clone()
		k[last] = v
		keys = append(keys, k)
	}
	return keys
}

func (r KeyRange) String() string {
	return "[" + r.Start.String() + ", " + r.End.String() + ")"
}
