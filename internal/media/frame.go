// Package media defines the data types that flow between the ingest feed,
// the packet router, and the protocol-specific consumers (HLS, FLV,
// WebSocket, MJPEG).
package media

// H264Packet is one encoded access unit handed to the router by the
// ingest feed. Payload is framed as AVCC (length-prefixed NAL units) using
// the prefix size recorded in the current ParameterSet. SPS and PPS are
// never present in Payload — they travel out-of-band in ParameterSet.
type H264Packet struct {
	Payload    []byte
	IsKeyframe bool
	PTSMillis  int64
	DTSMillis  *int64
}

// ParameterSet is the decoder configuration triple in effect for a stream.
// It changes atomically and rarely (stream start, or a format change
// reported by the ingest); consumers must take a fresh snapshot before
// emitting their next keyframe so they never mix old and new SPS/PPS.
type ParameterSet struct {
	SPS        []byte
	PPS        []byte
	LengthSize int // AVCC NAL length-prefix size in bytes, 1-4
}

// Empty reports whether no parameter set has been established yet.
func (p ParameterSet) Empty() bool {
	return len(p.SPS) == 0 || len(p.PPS) == 0
}

// JPEGFrame is one whole JPEG image pushed by the ingest in MJPEG source
// mode. The router never decodes or re-encodes it; it only fans it out.
type JPEGFrame struct {
	Payload   []byte
	PTSMillis int64
}
