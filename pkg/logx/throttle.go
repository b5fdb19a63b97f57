package logx

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Throttle rate-limits log lines per key. Tick loops can hit the same
// condition thousands of times a second; Throttle lets one line through per
// burst window and counts the rest, reporting them on the next line emitted
// for that key.
type Throttle struct {
	log   Logger
	every time.Duration
	burst int

	mu   sync.Mutex
	keys map[string]*throttleKey
}

type throttleKey struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewThrottle allows burst lines per key, refilling one every `every`.
// every <= 0 disables throttling.
func NewThrottle(log Logger, every time.Duration, burst int) *Throttle {
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{log: log, every: every, burst: burst, keys: map[string]*throttleKey{}}
}

func (t *Throttle) limiter(key string) *throttleKey {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := t.keys[key]
	if k == nil {
		k = &throttleKey{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.keys[key] = k
	}
	return k
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	if t == nil || t.every <= 0 {
		return true
	}
	k := t.limiter(key)
	if k.lim.Allow() {
		return true
	}
	k.suppressed.Add(1)
	return false
}

// Suppressed returns how many lines were dropped for key since the last
// emitted one.
func (t *Throttle) Suppressed(key string) uint64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	k := t.keys[key]
	t.mu.Unlock()
	if k == nil {
		return 0
	}
	return k.suppressed.Load()
}

func (t *Throttle) Warn(key, msg string, fields ...Field) {
	t.emit(LevelWarn, key, msg, fields...)
}

func (t *Throttle) Error(key, msg string, fields ...Field) {
	t.emit(LevelError, key, msg, fields...)
}

func (t *Throttle) Info(key, msg string, fields ...Field) {
	t.emit(LevelInfo, key, msg, fields...)
}

func (t *Throttle) emit(level Level, key, msg string, fields ...Field) {
	if t == nil || !t.log.Enabled(level) || !t.Allow(key) {
		return
	}
	var dropped uint64
	if t.every > 0 {
		dropped = t.limiter(key).suppressed.Swap(0)
	}
	if dropped > 0 {
		fields = append(fields, Uint64("suppressed", dropped))
	}
	t.log.logDepth(level, 4, msg, fields...)
}
