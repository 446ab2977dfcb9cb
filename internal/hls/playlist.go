package hls

import (
	"fmt"
	"math"
	"strings"
)

// PlaylistModern renders the LL-HLS media playlist: EXT-X-VERSION:6,
// part-inf/server-control, EXT-X-PART lines per segment plus the
// currently-building segment's parts, and a trailing EXT-X-PRELOAD-HINT.
func (e *Engine) PlaylistModern() (string, error) {
	segs, current, base, sessionID, _, ready := e.snapshot()
	if !ready {
		return "", ErrNotReady
	}

	skipOldest := int64(0)
	if n := int64(len(segs)) - 1; n > 0 {
		if n < 2 {
			skipOldest = n
		} else {
			skipOldest = 2
		}
	}
	mediaSequence := base + skipOldest

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:6\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(e.cfg.SegmentTargetMs/1000)))
	fmt.Fprintf(&b, "#EXT-X-PART-INF:PART-TARGET=%.3f\n", e.cfg.PartTargetMs/1000)
	fmt.Fprintf(&b, "#EXT-X-SERVER-CONTROL:CAN-BLOCK-RELOAD=YES,PART-HOLD-BACK=%.3f,HOLD-BACK=%.3f\n",
		4*e.cfg.PartTargetMs/1000, 3*e.cfg.SegmentTargetMs/1000)
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)

	for _, s := range segs {
		if s.MSN < mediaSequence {
			continue
		}
		for _, p := range s.Parts {
			writePartLine(&b, sessionID, s.MSN, p)
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.DurationMs/1000)
		fmt.Fprintf(&b, "segment-%d-%d.ts\n", sessionID, s.MSN)
	}

	nextPartIndex := 0
	if current != nil {
		for _, p := range current.Parts {
			writePartLine(&b, sessionID, current.MSN, p)
		}
		nextPartIndex = len(current.Parts)
		fmt.Fprintf(&b, "#EXT-X-PRELOAD-HINT:TYPE=PART,URI=\"part-%d-%d.%d.ts\"\n",
			sessionID, current.MSN, nextPartIndex)
	}

	return b.String(), nil
}

func writePartLine(b *strings.Builder, sessionID, msn int64, p Part) {
	fmt.Fprintf(b, "#EXT-X-PART:DURATION=%.3f,URI=\"part-%d-%d.%d.ts\"", p.DurationMs/1000, sessionID, msn, p.Index)
	if p.Independent {
		b.WriteString(",INDEPENDENT=YES")
	}
	b.WriteString("\n")
}

// PlaylistLegacy renders the v3 playlist. EXT-X-DISCONTINUITY-SEQUENCE is
// deliberately set equal to EXT-X-MEDIA-SEQUENCE: this is nonstandard but
// preserved and flagged per SPEC_FULL.md §11 item 2. Segment URIs use the
// legacy-segment prefix so the server applies the PTS adjustment in
// GetLegacySegment.
func (e *Engine) PlaylistLegacy() (string, error) {
	segs, _, base, sessionID, _, ready := e.snapshot()
	if !ready {
		return "", ErrNotReady
	}

	skipOldest := int64(0)
	if n := int64(len(segs)) - 1; n > 0 {
		if n < 2 {
			skipOldest = n
		} else {
			skipOldest = 2
		}
	}
	mediaSequence := base + skipOldest

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", int(math.Ceil(e.cfg.SegmentTargetMs/1000)))
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	// NONSTANDARD: upstream sets discontinuity-sequence equal to
	// media-sequence. Preserved verbatim, not corrected.
	fmt.Fprintf(&b, "#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", mediaSequence)

	for _, s := range segs {
		if s.MSN < mediaSequence {
			continue
		}
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", s.DurationMs/1000)
		fmt.Fprintf(&b, "legacy-segment-%d-%d.ts\n", sessionID, s.MSN)
	}

	return b.String(), nil
}
