package hls

import "time"

// Config holds the tunables for the HLS engine. Derived fields are
// computed by Config.normalize.
type Config struct {
	WindowSeconds       float64 // 2-60, default 10
	SegmentTargetMs     float64 // default 800
	PartTargetMs        float64 // 100-500, default 200
	BlockingTimeout     time.Duration

	// StrictPTSDurationMatch, when true, forces HLS segment duration math
	// to use the same 90_000/fps PTS delta the TS muxer uses internally
	// instead of frame_count/fps. Default false preserves the upstream
	// split described in SPEC_FULL.md §11: the muxer's PTS and the HLS
	// engine's duration arithmetic are allowed to diverge under FPS
	// change, because changing this silently would break continuity for
	// existing clients.
	StrictPTSDurationMatch bool

	// PartsPerSegment and MaxSegments are derived but may be overridden
	// directly by tests.
	PartsPerSegment int
	MaxSegments     int
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	c := Config{
		WindowSeconds:   10,
		SegmentTargetMs: 800,
		PartTargetMs:    200,
		BlockingTimeout: 30 * time.Second,
	}
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.WindowSeconds < 2 {
		c.WindowSeconds = 2
	}
	if c.WindowSeconds > 60 {
		c.WindowSeconds = 60
	}
	if c.SegmentTargetMs <= 0 {
		c.SegmentTargetMs = 800
	}
	if c.PartTargetMs < 100 {
		c.PartTargetMs = 100
	}
	if c.PartTargetMs > 500 {
		c.PartTargetMs = 500
	}
	if c.BlockingTimeout <= 0 {
		c.BlockingTimeout = 30 * time.Second
	}

	if c.PartsPerSegment == 0 {
		pps := int(c.SegmentTargetMs / c.PartTargetMs)
		if pps < 2 {
			pps = 2
		}
		if pps > 10 {
			pps = 10
		}
		c.PartsPerSegment = pps
	}
	if c.MaxSegments == 0 {
		c.MaxSegments = int(c.WindowSeconds*1000/c.SegmentTargetMs) + 1
	}
}

// minFramesPerPart is the floor on frames-per-part used to decide when a
// part is finalized: max(2, min(5, floor(fps * partTargetMs / 1000))).
func minFramesPerPart(fps, partTargetMs float64) int {
	n := int(fps * partTargetMs / 1000)
	if n > 5 {
		n = 5
	}
	if n < 2 {
		n = 2
	}
	return n
}

func clampMs(ms, lo, hi float64) float64 {
	if ms < lo {
		return lo
	}
	if ms > hi {
		return hi
	}
	return ms
}
