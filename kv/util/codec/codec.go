package codec

import (
	"encoding/binary"

	"github.com/pingcap/errors"
)

const (
	signMask uint64 = 0x8000000000000000

	intSize = 8

	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x0)
)

var pads = make([]byte, encGroupSize)

// EncodeInt appends the memcomparable form of v to b. Flipping the sign bit makes negative values sort before
// positive ones when compared as big endian bytes.
func EncodeInt(b []byte, v int64) []byte {
	var data [intSize]byte
	binary.BigEndian.PutUint64(data[:], uint64(v)^signMask)
	return append(b, data[:]...)
}

// DecodeInt decodes a value written by EncodeInt and returns the leftover bytes.
func DecodeInt(b []byte) ([]byte, int64, error) {
	if len(b) < intSize {
		return nil, 0, errors.New("insufficient bytes to decode value")
	}
	u := binary.BigEndian.Uint64(b[:intSize])
	return b[intSize:], int64(u ^ signMask), nil
}

// EncodeInts encodes a tuple of ints. Since every field has a fixed width, a tuple that is a prefix of another sorts
// before it.
func EncodeInts(vals []int64) []byte {
	b := make([]byte, 0, len(vals)*intSize)
	for _, v := range vals {
		b = EncodeInt(b, v)
	}
	return b
}

// DecodeInts is the inverse of EncodeInts.
func DecodeInts(b []byte) ([]int64, error) {
	if len(b)%intSize != 0 {
		return nil, errors.Errorf("invalid int tuple length %d", len(b))
	}
	vals := make([]int64, 0, len(b)/intSize)
	for len(b) > 0 {
		var (
			v   int64
			err error
		)
		b, v, err = DecodeInt(b)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

// EncodeBytes guarantees the encoded value is in ascending order for comparison,
// encoding with the following rule:
//  [group1][marker1]...[groupN][markerN]
//  group is 8 bytes slice which is padding with 0.
//  marker is `0xFF - padding 0 count`
// For example:
//   [] -> [0, 0, 0, 0, 0, 0, 0, 0, 247]
//   [1, 2, 3] -> [1, 2, 3, 0, 0, 0, 0, 0, 250]
//   [1, 2, 3, 0] -> [1, 2, 3, 0, 0, 0, 0, 0, 251]
// Refer: https://github.com/facebook/mysql-5.6/wiki/MyRocks-record-format#memcomparable-format
func EncodeBytes(data []byte) []byte {
	dLen := len(data)
	result := make([]byte, 0, (dLen/encGroupSize+1)*(encGroupSize+1))
	for idx := 0; idx <= dLen; idx += encGroupSize {
		remain := dLen - idx
		padCount := 0
		if remain >= encGroupSize {
			result = append(result, data[idx:idx+encGroupSize]...)
		} else {
			padCount = encGroupSize - remain
			result = append(result, data[idx:]...)
			result = append(result, pads[:padCount]...)
		}

		marker := encMarker - byte(padCount)
		result = append(result, marker)
	}
	return result
}

// DecodeBytes decodes bytes which is encoded by EncodeBytes before,
// returns the leftover bytes and decoded value if no error.
func DecodeBytes(b []byte) ([]byte, []byte, error) {
	data := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, errors.New("insufficient bytes to decode value")
		}

		group := b[:encGroupSize]
		marker := b[encGroupSize]

		padCount := encMarker - marker
		if padCount > encGroupSize {
			return nil, nil, errors.Errorf("invalid marker byte, group bytes %q", b[:encGroupSize+1])
		}

		realGroupSize := encGroupSize - padCount
		data = append(data, group[:realGroupSize]...)
		b = b[encGroupSize+1:]

		if padCount != 0 {
			for _, v := range group[realGroupSize:] {
				if v != encPad {
					return nil, nil, errors.Errorf("invalid padding byte, group bytes %q", group)
				}
			}
			break
		}
	}
	return b, data, nil
}
