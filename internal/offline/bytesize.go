package offline

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// parseBytes parses sizes like "512", "64kb", "1.5m" or "2GiB" (binary units).
func parseBytes(s string) (int64, error) {
	orig := s
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, errors.New("empty size")
	}
	s = strings.TrimSuffix(s, "ib")
	s = strings.TrimSuffix(s, "b")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Errorf("invalid size %q", orig)
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k':
		mult = 1 << 10
	case 'm':
		mult = 1 << 20
	case 'g':
		mult = 1 << 30
	}
	if mult > 1 {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Errorf("invalid size %q", orig)
	}
	if v < 0 {
		return 0, errors.Errorf("negative size %q", orig)
	}
	return int64(v * float64(mult)), nil
}
