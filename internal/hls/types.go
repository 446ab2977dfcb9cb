package hls

import (
	"errors"
	"time"
)

// ErrNotReady is returned by playlist/segment accessors before the first
// keyframe has been observed.
var ErrNotReady = errors.New("hls: not ready, waiting for first keyframe")

// ErrEvicted is returned when a requested segment or part has aged out
// of the sliding window.
var ErrEvicted = errors.New("hls: segment evicted")

// ErrNotFound is returned when a requested part has not been produced
// yet and is not covered by a blocking wait.
var ErrNotFound = errors.New("hls: part not available")

// Part is an LL-HLS partial segment: a byte range within its segment's
// buffer. Index is zero-based and dense within a segment.
type Part struct {
	Index       int
	Start       int
	End         int
	DurationMs  float64
	Independent bool
}

// Segment is one MPEG-TS segment in the sliding window.
type Segment struct {
	MSN          int64
	Buffer       []byte
	DurationMs   float64
	StartedAt    time.Time
	BasePTSTicks int64
	Parts        []Part
	Finalized    bool

	frameCountSinceSegmentStart int
	frameCountSinceLastPart     int
	partStartByte               int
}

// Bytes returns the full segment buffer.
func (s *Segment) Bytes() []byte { return s.Buffer }

// PartBytes returns the byte range for the given part index, or nil if
// the index is out of range.
func (s *Segment) PartBytes(index int) []byte {
	for _, p := range s.Parts {
		if p.Index == index {
			return s.Buffer[p.Start:p.End]
		}
	}
	return nil
}
