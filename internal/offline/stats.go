package offline

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

type statsCollector struct {
	hits      atomic.Uint64
	misses    atomic.Uint64
	fallbacks atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

// Observe records one served response of the given fetch kind.
func (s *statsCollector) Observe(kind string, respBytes int) {
	switch kind {
	case KindHit:
		s.hits.Add(1)
	case KindMiss, KindNoCache:
		s.misses.Add(1)
	case KindFallback:
		s.fallbacks.Add(1)
	}
	n := uint64(max(respBytes, 0))
	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)
	swapIf(&s.minRespBytes, n, func(n, cur uint64) bool { return n < cur })
	swapIf(&s.maxRespBytes, n, func(n, cur uint64) bool { return n > cur })
}

func swapIf(v *atomic.Uint64, n uint64, better func(n, cur uint64) bool) {
	for cur := v.Load(); better(n, cur); cur = v.Load() {
		if v.CompareAndSwap(cur, n) {
			return
		}
	}
}

type statsSnapshot struct {
	Hits      uint64
	Misses    uint64
	Fallbacks uint64

	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	out := statsSnapshot{
		Hits:           s.hits.Load(),
		Misses:         s.misses.Load(),
		Fallbacks:      s.fallbacks.Load(),
		TotalResponses: s.totalResponses.Load(),
		TotalRespBytes: s.totalRespBytes.Load(),
	}
	if out.TotalResponses == 0 {
		return out
	}
	out.MinRespBytes = s.minRespBytes.Load()
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / out.TotalResponses
	return out
}

// HitRatio is hits over cache-policy responses, 0 when nothing was served.
func (s statsSnapshot) HitRatio() float64 {
	n := s.Hits + s.Misses + s.Fallbacks
	if n == 0 {
		return 0
	}
	return float64(s.Hits) / float64(n)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
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
