package hls

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nozzlecam/camproxy/internal/media"
	"github.com/nozzlecam/camproxy/internal/tsmux"
)

// Engine assembles TS segments into a sliding window and serves LL-HLS
// playlists, segments, and partial segments. Grounded on
// internal/pipeline/pipeline.go for the single-writer delivery discipline
// and distribution/relay.go for the "copy on read, never hold the lock
// during I/O" rule from SPEC_FULL.md §7.
type Engine struct {
	log    *slog.Logger
	cfg    Config
	muxer  *tsmux.Muxer

	sessionID int64

	mu sync.Mutex

	waitingForKeyframe bool
	ps                  media.ParameterSet

	segments          []*Segment
	baseMediaSequence int64
	nextMSN           int64
	legacyPTSOffset   int64

	current *Segment

	fps            float64
	lastFrameAt    time.Time
	segmentOpenAt  time.Time
	lastFrameIsKey bool

	waiterMu sync.Mutex
	waiters  map[partKey][]*waiter
}

// NewEngine creates an Engine. The session identifier is derived once
// from a UUID's random bits, per SPEC_FULL.md §6.4.
func NewEngine(cfg Config, log *slog.Logger) *Engine {
	cfg.normalize()
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:                log.With("component", "hls-engine"),
		cfg:                cfg,
		muxer:              tsmux.NewMuxer(),
		sessionID:          int64(uuid.New().ID()),
		waitingForKeyframe: true,
		fps:                25,
		waiters:            make(map[partKey][]*waiter),
	}
}

// SessionID returns the process-lifetime session identifier embedded in
// segment and part URIs.
func (e *Engine) SessionID() int64 { return e.sessionID }

// SetParameterSet installs a new SPS/PPS/length-size triple. Consumers
// pick it up before their next keyframe emission.
func (e *Engine) SetParameterSet(ps media.ParameterSet) {
	e.mu.Lock()
	e.ps = ps
	e.mu.Unlock()
}

// Reset drops all segments and waiters, rearms waiting-for-keyframe, and
// resets the muxer's CCs/PTS. Called on ingest reconnect.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.segments = nil
	e.current = nil
	e.baseMediaSequence = 0
	e.nextMSN = 0
	e.legacyPTSOffset = 0
	e.waitingForKeyframe = true
	e.muxer.Reset()
	e.mu.Unlock()

	e.releaseAllWaiters(outcomeCancelled)
}

// PushFrame hands one H.264 packet to the engine. Packets are dropped
// until the first keyframe arrives.
func (e *Engine) PushFrame(pkt media.H264Packet) {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.updateFPS(now, pkt)

	if e.waitingForKeyframe {
		if !pkt.IsKeyframe {
			return
		}
		e.waitingForKeyframe = false
		e.openSegment(now)
	}

	if e.current == nil {
		e.openSegment(now)
	} else if pkt.IsKeyframe && float64(now.Sub(e.segmentOpenAt).Milliseconds()) >= e.cfg.SegmentTargetMs {
		e.closeSegment(now, true)
		e.openSegment(now)
	}

	isSegmentStart := e.current.frameCountSinceSegmentStart == 0
	if isSegmentStart {
		e.current.BasePTSTicks = e.muxer.CurrentPTSTicks()
	}

	e.muxer.SetFPS(e.fps)
	result, err := e.muxer.WriteFrame(pkt, e.ps, isSegmentStart)
	if err != nil || result.Truncated {
		e.log.Warn("frame truncated or malformed", "err", err)
	}

	e.current.Buffer = append(e.current.Buffer, result.Packets...)
	e.current.frameCountSinceSegmentStart++
	e.current.frameCountSinceLastPart++

	if len(e.current.Buffer) > 4*1024*1024 {
		e.log.Warn("segment exceeded 4 MiB, closing early", "msn", e.current.MSN)
		e.closeSegment(now, pkt.IsKeyframe)
		return
	}

	e.maybeFinalizePart(now)
}

// PushJPEG is a no-op on the HLS engine: MJPEG source mode bypasses C1-C4
// entirely per SPEC_FULL.md §4 / spec.md §2.
func (e *Engine) PushJPEG(media.JPEGFrame) {}

func (e *Engine) updateFPS(now time.Time, pkt media.H264Packet) {
	if e.lastFrameAt.IsZero() {
		e.lastFrameAt = now
		return
	}
	delta := now.Sub(e.lastFrameAt)
	e.lastFrameAt = now

	deltaMs := float64(delta.Milliseconds())
	if deltaMs < 1 {
		deltaMs = 1
	}
	if deltaMs > 1000 {
		deltaMs = 1000
	}

	instFPS := 1000 / deltaMs
	const alpha = 0.5
	e.fps = alpha*instFPS + (1-alpha)*e.fps
}

func (e *Engine) openSegment(now time.Time) {
	e.current = &Segment{
		MSN:       e.nextMSN,
		StartedAt: now,
	}
	e.nextMSN++
	e.segmentOpenAt = now
}

func (e *Engine) maybeFinalizePart(now time.Time) {
	threshold := minFramesPerPart(e.fps, e.cfg.PartTargetMs)
	if e.current.frameCountSinceLastPart < threshold {
		return
	}

	durationMs := clampMs(float64(e.current.frameCountSinceLastPart)/e.fps*1000, 50, 2000)
	idx := len(e.current.Parts)
	part := Part{
		Index:       idx,
		Start:       e.current.partStartByte,
		End:         len(e.current.Buffer),
		DurationMs:  durationMs,
		Independent: idx == 0, // first part of a segment always starts at the forced IDR
	}
	e.current.Parts = append(e.current.Parts, part)
	e.current.partStartByte = len(e.current.Buffer)
	e.current.frameCountSinceLastPart = 0

	e.releaseWaitersUpTo(e.current.MSN, idx)
}

func (e *Engine) closeSegment(now time.Time, isKeyframeBoundary bool) {
	if e.current.frameCountSinceLastPart > 0 {
		e.maybeFinalizePartForced(now)
	}

	// Duration is the sum of part durations when LL-HLS parts cover the
	// segment; otherwise frame_count/fps. This is independent of the
	// muxer's own 90_000/fps PTS advance — see SPEC_FULL.md §11 item 1 for
	// why that split is preserved rather than unified. StrictPTSDurationMatch
	// opts a deployment into using the muxer's own PTS delta instead, at
	// the cost of diverging from upstream's historical behavior under FPS
	// change.
	var durationMs float64
	switch {
	case e.cfg.StrictPTSDurationMatch:
		deltaTicks := e.muxer.CurrentPTSTicks() - e.current.BasePTSTicks
		durationMs = float64(deltaTicks) / tsmux.ClockHz * 1000
	case len(e.current.Parts) > 0:
		var sum float64
		for _, p := range e.current.Parts {
			sum += p.DurationMs
		}
		durationMs = sum
	default:
		durationMs = float64(e.current.frameCountSinceSegmentStart) / e.fps * 1000
	}
	e.current.DurationMs = clampMs(durationMs, 100, 5000)
	e.current.Finalized = true

	e.segments = append(e.segments, e.current)
	e.evictIfNeeded()

	e.current = nil
}

func (e *Engine) maybeFinalizePartForced(now time.Time) {
	durationMs := clampMs(float64(e.current.frameCountSinceLastPart)/e.fps*1000, 50, 2000)
	idx := len(e.current.Parts)
	part := Part{
		Index:      idx,
		Start:      e.current.partStartByte,
		End:        len(e.current.Buffer),
		DurationMs: durationMs,
	}
	e.current.Parts = append(e.current.Parts, part)
	e.current.partStartByte = len(e.current.Buffer)
	e.current.frameCountSinceLastPart = 0
	e.releaseWaitersUpTo(e.current.MSN, idx)
}

func (e *Engine) evictIfNeeded() {
	for len(e.segments) > e.cfg.MaxSegments {
		evicted := e.segments[0]
		e.segments = e.segments[1:]
		e.baseMediaSequence++
		e.legacyPTSOffset += int64(evicted.DurationMs / 1000 * tsmux.ClockHz)
		e.releaseSegmentWaiters(evicted.MSN, outcomeEvicted)
	}

	graceCutoff := time.Now().Add(-time.Duration(e.cfg.WindowSeconds)*time.Second - 30*time.Second)
	for len(e.segments) > 0 && e.segments[0].StartedAt.Before(graceCutoff) {
		evicted := e.segments[0]
		e.segments = e.segments[1:]
		e.baseMediaSequence++
		e.releaseSegmentWaiters(evicted.MSN, outcomeEvicted)
	}
}

// Snapshot returns a read-only copy of the current window state for
// playlist rendering. Must not be called while holding e.mu.
func (e *Engine) snapshot() (segs []*Segment, current *Segment, base int64, sessionID int64, legacyOffset int64, ready bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ready = !e.waitingForKeyframe
	segs = append(segs, e.segments...)
	current = e.current
	base = e.baseMediaSequence
	sessionID = e.sessionID
	legacyOffset = e.legacyPTSOffset
	return
}

// GetSegment returns a copy of the segment bytes for msn, or ErrEvicted /
// ErrNotFound.
func (e *Engine) GetSegment(msn int64) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.segments {
		if s.MSN == msn {
			out := make([]byte, len(s.Buffer))
			copy(out, s.Buffer)
			return out, nil
		}
	}
	if msn < e.baseMediaSequence {
		return nil, ErrEvicted
	}
	return nil, ErrNotFound
}

// GetLegacySegment returns segment bytes with every PCR/PTS/DTS field
// reduced by the window's base PTS, per the legacy-playlist PTS
// adjustment in SPEC_FULL.md §6.4 / spec.md §4.4.
func (e *Engine) GetLegacySegment(msn int64) ([]byte, error) {
	e.mu.Lock()
	var target *Segment
	var windowBasePTS int64
	if len(e.segments) > 0 {
		windowBasePTS = e.segments[0].BasePTSTicks
	}
	for _, s := range e.segments {
		if s.MSN == msn {
			target = s
			break
		}
	}
	var evicted bool
	if target == nil {
		evicted = msn < e.baseMediaSequence
	}
	var buf []byte
	if target != nil {
		buf = make([]byte, len(target.Buffer))
		copy(buf, target.Buffer)
	}
	e.mu.Unlock()

	if target == nil {
		if evicted {
			return nil, ErrEvicted
		}
		return nil, ErrNotFound
	}

	adjustPTSInPlace(buf, windowBasePTS)
	return buf, nil
}

// GetPart returns a copy of the byte range for (msn, part), or ErrEvicted
// / ErrNotFound if not finalized or evicted.
func (e *Engine) GetPart(msn int64, part int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.segments {
		if s.MSN == msn {
			b := s.PartBytes(part)
			if b == nil {
				return nil, ErrNotFound
			}
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		}
	}
	if e.current != nil && e.current.MSN == msn {
		b := e.current.PartBytes(part)
		if b == nil {
			return nil, ErrNotFound
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	}
	if msn < e.baseMediaSequence {
		return nil, ErrEvicted
	}
	return nil, ErrNotFound
}

// WaitForPart blocks until part (msn, part) becomes available, its MSN
// is proven past via eviction, the context is cancelled, or
// cfg.BlockingTimeout elapses. Never silently polls.
func (e *Engine) WaitForPart(ctx context.Context, msn int64, part int) error {
	if _, err := e.GetPart(msn, part); err == nil {
		return nil
	} else if err == ErrEvicted {
		return ErrEvicted
	}

	w := newWaiter()
	key := partKey{msn: msn, part: part}

	e.waiterMu.Lock()
	e.waiters[key] = append(e.waiters[key], w)
	e.waiterMu.Unlock()

	timeout := e.cfg.BlockingTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case outcome := <-w.ch:
		switch outcome {
		case outcomeAvailable:
			return nil
		case outcomeEvicted:
			return ErrEvicted
		default:
			return ErrNotFound
		}
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrNotFound
	}
}

func (e *Engine) releaseWaitersUpTo(msn int64, partIdx int) {
	e.waiterMu.Lock()
	defer e.waiterMu.Unlock()
	for key, ws := range e.waiters {
		if key.msn == msn && key.part <= partIdx {
			for _, w := range ws {
				w.resolve(outcomeAvailable)
			}
			delete(e.waiters, key)
		}
	}
}

func (e *Engine) releaseSegmentWaiters(msn int64, outcome waitOutcome) {
	e.waiterMu.Lock()
	defer e.waiterMu.Unlock()
	for key, ws := range e.waiters {
		if key.msn <= msn {
			for _, w := range ws {
				w.resolve(outcome)
			}
			delete(e.waiters, key)
		}
	}
}

func (e *Engine) releaseAllWaiters(outcome waitOutcome) {
	e.waiterMu.Lock()
	defer e.waiterMu.Unlock()
	for key, ws := range e.waiters {
		for _, w := range ws {
			w.resolve(outcome)
		}
		delete(e.waiters, key)
	}
}

// adjustPTSInPlace subtracts baseTicks from every PCR and PTS/DTS field
// found in buf's TS packets, clamping at zero. Operates on a caller-owned
// copy; sync bytes and PSI CRCs are unaffected since only adaptation
// field PCR bytes and PES header timestamp bytes are rewritten.
func adjustPTSInPlace(buf []byte, baseTicks int64) {
	for i := 0; i+188 <= len(buf); i += 188 {
		pkt := buf[i : i+188]
		if pkt[0] != 0x47 {
			continue
		}
		pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
		hasAF := pkt[3]&0x20 != 0
		hasPayload := pkt[3]&0x10 != 0

		offset := 4
		if hasAF {
			afLen := int(pkt[offset])
			if afLen > 0 {
				flags := pkt[offset+1]
				if flags&0x10 != 0 && offset+8 <= len(pkt) {
					pcrBase := readPCRBase(pkt[offset+2 : offset+8])
					newPCR := pcrBase - baseTicks
					if newPCR < 0 {
						newPCR = 0
					}
					writePCRBaseKeepExt(pkt[offset+2:offset+8], newPCR)
				}
			}
			offset += 1 + afLen
		}

		if hasPayload && pid != 0 && offset < len(pkt) {
			pusi := pkt[1]&0x40 != 0
			if pusi && offset+9 <= len(pkt) && pkt[offset] == 0 && pkt[offset+1] == 0 && pkt[offset+2] == 1 {
				ptsDTSIndicator := (pkt[offset+7] >> 6) & 0x03
				if ptsDTSIndicator == 2 && offset+14 <= len(pkt) {
					adjustTimestampField(pkt[offset+9:offset+14], baseTicks)
				} else if ptsDTSIndicator == 3 && offset+19 <= len(pkt) {
					adjustTimestampField(pkt[offset+9:offset+14], baseTicks)
					adjustTimestampField(pkt[offset+14:offset+19], baseTicks)
				}
			}
		}
	}
}

func readPCRBase(b []byte) int64 {
	return int64(b[0])<<25 | int64(b[1])<<17 | int64(b[2])<<9 | int64(b[3])<<1 | int64(b[4]>>7)
}

func writePCRBaseKeepExt(b []byte, base int64) {
	v := uint64(base) & 0x1FFFFFFFF
	b[0] = byte(v >> 25)
	b[1] = byte(v >> 17)
	b[2] = byte(v >> 9)
	b[3] = byte(v >> 1)
	b[4] = byte(v<<7) | (b[4] & 0x7F)
}

func adjustTimestampField(b []byte, baseTicks int64) {
	ticks := int64(b[0]>>1&0x07)<<30 | int64(b[1])<<22 | int64(b[2]>>1&0x7F)<<15 | int64(b[3])<<7 | int64(b[4]>>1&0x7F)
	newTicks := ticks - baseTicks
	if newTicks < 0 {
		newTicks = 0
	}
	prefix := b[0] >> 4
	v := uint64(newTicks) & 0x1FFFFFFFF
	b[0] = prefix<<4 | byte(v>>29&0x0E) | 0x01
	b[1] = byte(v >> 22)
	b[2] = byte(v>>14&0xFE) | 0x01
	b[3] = byte(v >> 7)
	b[4] = byte(v<<1&0xFE) | 0x01
}
