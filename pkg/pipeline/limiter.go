package pipeline

import (
	"math"
	"sync"
	"time"

	"github.com/agile-defense/firegrid/pkg/messages"
)

// AlertLimiter forwards an alert only when the location moved more than
// MinMove degrees on either axis or MinInterval passed since the last
// forwarded alert.
type AlertLimiter struct {
	MinMove     float64
	MinInterval time.Duration

	mu      sync.Mutex
	last    messages.Position
	lastAt  time.Time
	started bool
}

// NewAlertLimiter creates a limiter
func NewAlertLimiter(minMove float64, minInterval time.Duration) *AlertLimiter {
	return &AlertLimiter{MinMove: minMove, MinInterval: minInterval}
}

// Allow reports whether an alert at p and time now should be forwarded and
// records it if so
func (l *AlertLimiter) Allow(p messages.Position, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started &&
		math.Abs(p.Lat-l.last.Lat) <= l.MinMove &&
		math.Abs(p.Lon-l.last.Lon) <= l.MinMove &&
		now.Sub(l.lastAt) <= l.MinInterval {
		return false
	}

	l.last = p
	l.lastAt = now
	l.started = true
	return true
}
