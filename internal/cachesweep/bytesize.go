package cachesweep

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

var sizeUnits = []struct {
	suffix string
	mult   float64
}{
	{"k", 1 << 10},
	{"m", 1 << 20},
	{"g", 1 << 30},
}

// parseBytes reads a cache budget such as "512m" or "1.5gb". Suffixes are
// binary multiples; a bare number or a trailing "b" is bytes.
func parseBytes(s string) (int64, error) {
	in := s
	s = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(s)), "b")
	mult := float64(1)
	for _, u := range sizeUnits {
		if rest, ok := strings.CutSuffix(s, u.suffix); ok {
			s, mult = rest, u.mult
			break
		}
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", in)
	}
	n := v * mult
	if !(n >= 0 && n < math.MaxInt64) {
		return 0, fmt.Errorf("size %q out of range", in)
	}
	return int64(n), nil
}

func formatBytes(b int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < 0 {
		return "-" + formatBytes(-b)
	}
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
