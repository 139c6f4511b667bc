// Package bytesize parses human-readable byte sizes such as "100MB" or "16Mi".
package bytesize

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes.
type ByteSize int64

const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB

	KiB ByteSize = 1 << 10
	MiB ByteSize = 1 << 20
	GiB ByteSize = 1 << 30
)

var ErrInvalid = errors.New("bytesize: invalid size")

var units = map[string]ByteSize{
	"":    B,
	"b":   B,
	"k":   KB,
	"kb":  KB,
	"m":   MB,
	"mb":  MB,
	"g":   GB,
	"gb":  GB,
	"ki":  KiB,
	"kib": KiB,
	"mi":  MiB,
	"mib": MiB,
	"gi":  GiB,
	"gib": GiB,
}

// Parse accepts a decimal number with an optional unit: decimal (K, MB, ...)
// or binary (Ki, MiB, ...). Units are case-insensitive.
func Parse(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool { return (r < '0' || r > '9') && r != '.' })
	if i < 0 {
		i = len(s)
	}
	number, unit := s[:i], strings.ToLower(strings.TrimSpace(s[i:]))
	multiplier, ok := units[unit]
	if number == "" || !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if n, err := strconv.ParseInt(number, 10, 64); err == nil {
		if n > math.MaxInt64/int64(multiplier) {
			return 0, fmt.Errorf("%w: %q overflows", ErrInvalid, s)
		}
		return ByteSize(n) * multiplier, nil
	}
	f, err := strconv.ParseFloat(number, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	f *= float64(multiplier)
	if f >= math.MaxInt64 {
		return 0, fmt.Errorf("%w: %q overflows", ErrInvalid, s)
	}
	return ByteSize(f), nil
}

func (b ByteSize) Int64() int64 { return int64(b) }

// String picks the largest binary unit that divides b exactly.
func (b ByteSize) String() string {
	for _, u := range []struct {
		size ByteSize
		name string
	}{{GiB, "Gi"}, {MiB, "Mi"}, {KiB, "Ki"}} {
		if b != 0 && b%u.size == 0 {
			return strconv.FormatInt(int64(b/u.size), 10) + u.name
		}
	}
	return strconv.FormatInt(int64(b), 10)
}

func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := Parse(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}
