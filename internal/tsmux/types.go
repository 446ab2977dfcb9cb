// Package tsmux assembles 188-byte MPEG Transport Stream packets (PAT,
// PMT, PES-wrapped H.264) from decoded frames, with PCR/PTS discipline in
// the 90 kHz system clock. It is the write-side counterpart of a
// demuxer: instead of parsing PSI/PES/packets out of a byte stream, it
// builds them.
package tsmux

const (
	packetSize = 188
	syncByte   = 0x47

	// Fixed PID assignments for this single-program, single-video-stream mux.
	pidPAT   = 0x0000
	pidPMT   = 0x1000
	pidVideo = 0x0100

	streamTypeH264 = 0x1B

	// PES constants for a video elementary stream.
	pesStreamIDVideo = 0xE0

	// maxPacketsPerFrame bounds a single frame's PES payload to roughly
	// 188 KB; the remainder is dropped and the frame marked truncated.
	maxPacketsPerFrame = 1000
)

// ClockHz is the MPEG-TS system clock rate used for PCR/PTS/DTS.
const ClockHz = 90000
