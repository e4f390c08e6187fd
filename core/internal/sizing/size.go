// Package sizing provides safe size arithmetic and conversions to prevent overflow.
package sizing

import (
	"io"
	"math"
)

// MegaByte is the unit used for container capacity configuration.
const MegaByte int64 = 1 << 20

// ToUint64 converts a non-negative int64 to uint64, returning overflowErr
// for negative values.
func ToUint64(size int64, overflowErr error) (uint64, error) {
	if size < 0 {
		return 0, overflowErr
	}
	return uint64(size), nil
}

// AddInt64 adds two non-negative int64 values, returning (result, false) on
// overflow or when either operand is negative.
func AddInt64(a, b int64) (int64, bool) {
	if a < 0 || b < 0 {
		return 0, false
	}
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// CapacityBytes converts a capacity in megabytes to bytes.
// Returns (0, false) when the value is not positive or overflows.
func CapacityBytes(megabytes int) (int64, bool) {
	if megabytes <= 0 {
		return 0, false
	}
	if int64(megabytes) > math.MaxInt64/MegaByte {
		return 0, false
	}
	return int64(megabytes) * MegaByte, true
}

// ReadAllWithLimit reads up to maxSize bytes from r.
// Returns overflowErr if more than maxSize bytes are available.
func ReadAllWithLimit(r io.Reader, maxSize uint64, overflowErr error) ([]byte, error) {
	if maxSize > uint64(math.MaxInt-1) {
		return nil, overflowErr
	}
	limit := int64(maxSize) + 1 //nolint:gosec // checked above
	lr := &io.LimitedReader{R: r, N: limit}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) > maxSize { //nolint:gosec // len is always non-negative
		return nil, overflowErr
	}
	return data, nil
}
