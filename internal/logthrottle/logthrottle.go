// Package logthrottle implements a progressive-backoff log rate limiter
// keyed by a normalized message pattern, so a single misbehaving subprocess
// or flaky camera link cannot flood the log at full frame rate.
package logthrottle

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"
)

// Profile configures the four throttling phases for a class of messages.
// First phase logs every occurrence; medium and large phases log every
// Nth occurrence within a window of Count further occurrences; terminal
// phase logs at most once per Terminal.
type Profile struct {
	Name        string
	First       int64
	MediumEvery int64
	MediumCount int64
	LargeEvery  int64
	LargeCount  int64
	Terminal    time.Duration
}

// General is the default profile: quick to settle, for ordinary application
// log lines.
var General = Profile{
	Name:        "general",
	First:       5,
	MediumEvery: 20,
	MediumCount: 20,
	LargeEvery:  100,
	LargeCount:  100,
	Terminal:    24 * time.Hour,
}

// FFmpegish is for parsing subprocess stderr, which can repeat a single
// warning line thousands of times per second under sustained decode errors.
var FFmpegish = Profile{
	Name:        "ffmpeg-ish",
	First:       1,
	MediumEvery: 100,
	MediumCount: 1000,
	LargeEvery:  1000,
	LargeCount:  100000,
	Terminal:    1 * time.Hour,
}

var numericRun = regexp.MustCompile(`[0-9]+`)

// normalizePattern collapses runs of digits to '#' and truncates to 100
// characters, so "frame 1042 dropped" and "frame 1043 dropped" share a key.
func normalizePattern(msg string) string {
	p := numericRun.ReplaceAllString(msg, "#")
	if len(p) > 100 {
		p = p[:100]
	}
	return p
}

type keyState struct {
	count      int64
	lastLogged time.Time
}

// Throttler gates repeated log lines according to a Profile. Safe for
// concurrent use.
type Throttler struct {
	profile Profile
	log     *slog.Logger

	mu    sync.Mutex
	state map[string]*keyState
}

// New creates a Throttler using profile, logging through log.
func New(profile Profile, log *slog.Logger) *Throttler {
	if log == nil {
		log = slog.Default()
	}
	return &Throttler{
		profile: profile,
		log:     log,
		state:   make(map[string]*keyState),
	}
}

// Reset clears throttling state for the pattern derived from msg, so the
// next occurrence is treated as the first again. Useful when a caller knows
// a condition that was producing a repeated message has cleared.
func (t *Throttler) Reset(msg string) {
	key := normalizePattern(msg)
	t.mu.Lock()
	delete(t.state, key)
	t.mu.Unlock()
}

// Log conditionally emits msg at level, applying the configured backoff. It
// returns true if the message was actually logged.
func (t *Throttler) Log(ctx context.Context, level slog.Level, msg string, args ...any) bool {
	key := normalizePattern(msg)
	now := time.Now()

	t.mu.Lock()
	st, ok := t.state[key]
	if !ok {
		st = &keyState{}
		t.state[key] = st
	}
	st.count++
	count := st.count

	logNow, repeated := t.shouldLog(count, now, st)
	if logNow {
		st.lastLogged = now
	}
	t.mu.Unlock()

	if !logNow {
		return false
	}

	if repeated > 0 {
		msg = msg + " (repeated " + strconv.FormatInt(repeated, 10) + " times)"
	}
	t.log.Log(ctx, level, msg, args...)
	return true
}

// shouldLog implements the four-phase decision. Caller holds t.mu.
func (t *Throttler) shouldLog(count int64, now time.Time, st *keyState) (logNow bool, repeated int64) {
	p := t.profile
	firstEnd := p.First
	mediumEnd := firstEnd + p.MediumCount
	largeEnd := mediumEnd + p.LargeCount

	switch {
	case count <= firstEnd:
		return true, 0
	case count <= mediumEnd:
		offset := count - firstEnd
		if offset%p.MediumEvery == 0 {
			return true, offset
		}
		return false, 0
	case count <= largeEnd:
		offset := count - mediumEnd
		if offset%p.LargeEvery == 0 {
			return true, offset
		}
		return false, 0
	default:
		if st.lastLogged.IsZero() || now.Sub(st.lastLogged) >= p.Terminal {
			return true, count - largeEnd
		}
		return false, 0
	}
}

