// Package memsize provides a byte-count value type with the size grammar
// used across cirrus: plain digits with an optional binary unit suffix.
package memsize

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// B is one byte.
	B Size = 1
	// K is one kibibyte.
	K = 1024 * B
	// M is one mebibyte.
	M = 1024 * K
	// G is one gibibyte.
	G = 1024 * M
	// T is one tebibyte.
	T = 1024 * G
)

// Size is a non-negative number of bytes.
type Size uint64

// Parse converts a size string into a Size. The accepted grammar is a
// decimal integer followed by an optional unit suffix out of
// B/K/KB/M/MB/G/GB/T/TB, case-insensitive. A bare number is bytes.
func Parse(s string) (Size, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid memory size format: %q", s)
	}

	unit := Size(1)
	num := s
	upper := strings.ToUpper(s)
	if strings.HasSuffix(upper, "B") && len(upper) > 1 {
		upper = upper[:len(upper)-1]
		num = num[:len(num)-1]
	}
	switch {
	case strings.HasSuffix(upper, "K"):
		unit = K
	case strings.HasSuffix(upper, "M"):
		unit = M
	case strings.HasSuffix(upper, "G"):
		unit = G
	case strings.HasSuffix(upper, "T"):
		unit = T
	}
	if unit != 1 {
		num = num[:len(num)-1]
	}

	n, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size format: %q", s)
	}
	return Size(n) * unit, nil
}

// MustParse is Parse for trusted literals; it panics on error.
func MustParse(s string) Size {
	sz, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sz
}

// Bytes returns the size as a plain byte count.
func (s Size) Bytes() uint64 {
	return uint64(s)
}

// String renders the size in the largest unit that divides it exactly,
// so values survive a parse/format round trip unchanged.
func (s Size) String() string {
	switch {
	case s == 0:
		return "0B"
	case s%T == 0:
		return fmt.Sprintf("%dT", s/T)
	case s%G == 0:
		return fmt.Sprintf("%dG", s/G)
	case s%M == 0:
		return fmt.Sprintf("%dM", s/M)
	case s%K == 0:
		return fmt.Sprintf("%dK", s/K)
	default:
		return fmt.Sprintf("%dB", uint64(s))
	}
}
