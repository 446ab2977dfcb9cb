package tsmux

import (
	"fmt"

	"github.com/nozzlecam/camproxy/internal/media"
	"github.com/nozzlecam/camproxy/internal/nal"
)

// Muxer builds a continuous MPEG-TS elementary stream from H.264 packets.
// Continuity counters persist across segment boundaries; only a full
// stream Reset (ingest reconnect) rearms them. A Muxer is not safe for
// concurrent use — the caller (the HLS engine) serializes frame delivery
// under its own lock.
type Muxer struct {
	ccPAT   uint8
	ccPMT   uint8
	ccVideo uint8

	currentPTSTicks int64
	fps             float64

	discontinuityPending bool
}

// NewMuxer creates a Muxer with CCs and PTS at zero, as at stream start.
func NewMuxer() *Muxer {
	return &Muxer{fps: 25}
}

// SetFPS updates the frame-rate used to advance PTS by 90_000/fps per
// frame. This is the "muxer uses 90_000/fps" half of the intentionally
// preserved PTS/duration split described in SPEC_FULL.md §11.
func (m *Muxer) SetFPS(fps float64) {
	if fps > 0 {
		m.fps = fps
	}
}

// Reset rearms continuity counters and PTS to zero and marks the next
// frame as following a discontinuity. Called on ingest reconnect.
func (m *Muxer) Reset() {
	m.ccPAT, m.ccPMT, m.ccVideo = 0, 0, 0
	m.currentPTSTicks = 0
	m.discontinuityPending = true
}

// CurrentPTSTicks returns the PTS (90 kHz ticks) that the next frame will
// be assigned, i.e. the PTS after the most recently written frame.
func (m *Muxer) CurrentPTSTicks() int64 { return m.currentPTSTicks }

// WriteResult describes the outcome of packetizing one frame.
type WriteResult struct {
	Packets    []byte // concatenation of 188-byte TS packets
	PTSTicks   int64  // PTS assigned to this frame
	Truncated  bool   // frame exceeded maxPacketsPerFrame and was cut short
	WrotePATPMT bool
}

// WriteFrame packetizes one H.264 access unit per the emission contract:
// PAT/PMT on keyframe or segment start, SPS/PPS prepended on keyframe or
// segment start, PCR on the first packet of the frame, adaptation-field
// stuffing on the last packet so every packet is exactly 188 bytes.
func (m *Muxer) WriteFrame(pkt media.H264Packet, ps media.ParameterSet, isSegmentStart bool) (WriteResult, error) {
	ranges, parseErr := nal.ParseAVCC(pkt.Payload, ps.LengthSize)
	if parseErr != nil && len(ranges) == 0 {
		return WriteResult{}, fmt.Errorf("tsmux: parse AVCC: %w", parseErr)
	}

	ptsTicks := m.currentPTSTicks
	m.currentPTSTicks += int64(ClockHz / m.fps)

	var result WriteResult
	result.PTSTicks = ptsTicks

	needsPATPMT := pkt.IsKeyframe || isSegmentStart
	if needsPATPMT {
		result.Packets = append(result.Packets, m.packetizePAT()...)
		result.Packets = append(result.Packets, m.packetizePMT()...)
		result.WrotePATPMT = true
	}

	var framePayload []byte
	if pkt.IsKeyframe || isSegmentStart {
		framePayload = append(framePayload, nal.AnnexBStartCode()...)
		framePayload = append(framePayload, ps.SPS...)
		framePayload = append(framePayload, nal.AnnexBStartCode()...)
		framePayload = append(framePayload, ps.PPS...)
	}
	for _, r := range ranges {
		framePayload = append(framePayload, nal.AnnexBStartCode()...)
		framePayload = append(framePayload, r.Data...)
	}

	pes := buildPESHeader(ptsTicks)
	pes = append(pes, framePayload...)

	videoPackets, truncated := m.packetizeVideo(pes, ptsTicks, pkt.IsKeyframe)
	result.Packets = append(result.Packets, videoPackets...)
	result.Truncated = truncated

	m.discontinuityPending = false

	if parseErr != nil {
		return result, fmt.Errorf("tsmux: parse AVCC: %w", parseErr)
	}
	return result, nil
}

func (m *Muxer) packetizePAT() []byte {
	section := buildPATSection()
	pkt := m.packetizeSection(pidPAT, section, &m.ccPAT)
	return pkt
}

func (m *Muxer) packetizePMT() []byte {
	section := buildPMTSection()
	pkt := m.packetizeSection(pidPMT, section, &m.ccPMT)
	return pkt
}

// packetizeSection wraps a PSI section (PAT or PMT) in a single 188-byte
// TS packet with the pointer_field convention (payload_unit_start=1).
func (m *Muxer) packetizeSection(pid uint16, section []byte, cc *uint8) []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = byte(0x40 | (pid >> 8)) // payload_unit_start_indicator=1
	pkt[2] = byte(pid)
	pkt[3] = byte(0x10 | (*cc & 0x0F)) // no adaptation field, has payload
	*cc = (*cc + 1) & 0x0F

	payload := append([]byte{0x00}, section...) // pointer_field = 0
	n := copy(pkt[4:], payload)
	for i := 4 + n; i < packetSize; i++ {
		pkt[i] = 0xFF // stuffing
	}
	return pkt
}

// packetizeVideo splits a PES packet (header+payload) across 188-byte TS
// packets. The first packet carries payload_unit_start=1 and an
// adaptation field with PCR; random_access_indicator is set iff the
// frame is a keyframe. The last packet is padded with adaptation-field
// stuffing so every packet is exactly 188 bytes.
func (m *Muxer) packetizeVideo(pes []byte, pcrTicks int64, isKeyframe bool) ([]byte, bool) {
	var out []byte
	pos := 0
	first := true
	packetCount := 0
	truncated := false

	for pos < len(pes) {
		if packetCount >= maxPacketsPerFrame {
			truncated = true
			break
		}
		packetCount++

		pkt := make([]byte, packetSize)
		pkt[0] = syncByte

		pusi := byte(0)
		if first {
			pusi = 0x40
		}
		pkt[1] = byte(pusi) | byte(pidVideo>>8)
		pkt[2] = byte(pidVideo & 0xFF)

		headerLen := 4
		remaining := len(pes) - pos
		lastPacketOfFrame := remaining <= packetSize-4

		var afLen int
		hasAF := false

		if first {
			hasAF = true
			afLen = 1 + 6 // adaptation_field_length byte accounted separately; +6 = flags(1)+PCR(6)
		}

		if lastPacketOfFrame {
			// Compute stuffing needed so the packet is exactly packetSize.
			bodySpace := packetSize - headerLen
			if hasAF {
				bodySpace -= 1 + afLen // adaptation_field_length field + its content
			}
			if remaining < bodySpace {
				stuff := bodySpace - remaining
				if !hasAF {
					hasAF = true
					afLen = -1 // the adaptation_field_length byte itself uses one stuffing byte
				}
				afLen += stuff
			}
		}

		if hasAF {
			pkt[3] = byte(0x30 | (m.ccVideo & 0x0F)) // adaptation field + payload present
		} else {
			pkt[3] = byte(0x10 | (m.ccVideo & 0x0F)) // payload only
		}
		m.ccVideo = (m.ccVideo + 1) & 0x0F

		offset := 4
		if hasAF {
			pkt[offset] = byte(afLen)
			offset++

			// A zero-length adaptation field is the length byte alone.
			if afLen > 0 {
				flagsOffset := offset
				offset++ // flags byte, filled below

				flags := byte(0)
				if first {
					flags |= 0x10 // PCR_flag
					if isKeyframe {
						flags |= 0x40 // random_access_indicator
					}
					if m.discontinuityPending {
						flags |= 0x80 // discontinuity_indicator
					}
				}
				pkt[flagsOffset] = flags

				if first {
					writePCR(pkt[offset:offset+6], pcrTicks)
					offset += 6
				}

				// Stuffing bytes (0xFF) to fill the adaptation field to afLen.
				contentLen := offset - (flagsOffset)
				stuffLen := afLen - contentLen
				for i := 0; i < stuffLen; i++ {
					pkt[offset] = 0xFF
					offset++
				}
			}
		}

		space := packetSize - offset
		n := copy(pkt[offset:], pes[pos:])
		if n > space {
			n = space
			copy(pkt[offset:], pes[pos:pos+space])
		}
		pos += n

		out = append(out, pkt...)
		first = false
	}

	return out, truncated
}

// writePCR writes a 6-byte PCR field: 33-bit base (90 kHz) + 6 reserved
// bits + 9-bit extension (27 MHz sub-tick, always zero here since the
// source clock has no sub-90kHz resolution).
func writePCR(b []byte, ticks int64) {
	base := uint64(ticks) & 0x1FFFFFFFF
	b[0] = byte(base >> 25)
	b[1] = byte(base >> 17)
	b[2] = byte(base >> 9)
	b[3] = byte(base >> 1)
	b[4] = byte(base<<7) | 0x7E // low bit of base + 6 reserved bits(1) + ext high bit(0)
	b[5] = 0x00
}
