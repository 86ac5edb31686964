package cachesweep

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger emits at most one warning per interval and counts the
// ones it swallowed in between.
type rateLimitedLogger struct {
	log *zap.Logger

	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(logger *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: logger, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return
	}
	if l.suppressed > 0 {
		fields = append(fields, zap.Int("suppressed", l.suppressed))
	}
	l.lastAt = now
	l.suppressed = 0
	l.log.Warn(msg, fields...)
}
