package offline

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type rateLimitedLogger struct {
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

// Warnf logs at most once per interval and reports how many lines were
// suppressed since the last one.
func (l *rateLimitedLogger) Warnf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		return
	}
	l.lastAt = now
	entry := log.NewEntry(log.StandardLogger())
	if l.dropped > 0 {
		entry = entry.WithField("suppressed", l.dropped)
		l.dropped = 0
	}
	entry.Warnf(format, args...)
}
