// Package flvmux builds an FLV (Flash Video) byte stream from H.264
// access units: file header, onMetaData script tag, AVC decoder
// configuration record, and per-frame AVC NALU video tags. Each client
// owns its own Muxer instance so keyframe-gating state never leaks
// between clients.
package flvmux

import (
	"encoding/binary"
	"math"

	"github.com/nozzlecam/camproxy/internal/media"
	"github.com/nozzlecam/camproxy/internal/nal"
)

const (
	tagTypeScriptData = 18
	tagTypeVideo      = 9

	frameTypeKeyframe  = 1
	frameTypeInterFrame = 2
	codecIDAVC          = 7

	avcPacketTypeSequenceHeader = 0
	avcPacketTypeNALU           = 1
)

// Header returns the 13-byte FLV file header for a video-only stream:
// signature "FLV", version 1, flags 0x01 (video present, no audio),
// data-offset 9, followed by the mandatory PreviousTagSize0 = 0.
func Header() []byte {
	return []byte{
		'F', 'L', 'V', 0x01, 0x01,
		0x00, 0x00, 0x00, 0x09,
		0x00, 0x00, 0x00, 0x00,
	}
}

// BuildAVCDecoderConfig builds an AVCDecoderConfigurationRecord (ISO
// 14496-15 §5.2.4.1.1) from raw SPS and PPS NAL data (without start
// codes). The SPS must include the NAL header byte (0x67).
func BuildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved 0xFC
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved 0xE0

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1)
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}

func buildOnMetaData(width, height int, framerate float64) []byte {
	var b []byte
	b = append(b, 0x02) // AMF0 string marker
	b = append(b, amf0String("onMetaData")...)

	props := map[string]float64{
		"width":       float64(width),
		"height":      float64(height),
		"framerate":   framerate,
		"videocodecid": codecIDAVC,
	}

	b = append(b, 0x08) // AMF0 ECMA array marker
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(props)))
	b = append(b, countBuf[:]...)

	for _, key := range []string{"width", "height", "framerate", "videocodecid"} {
		b = append(b, amf0ObjectKey(key)...)
		b = append(b, 0x00) // AMF0 number marker
		var numBuf [8]byte
		binary.BigEndian.PutUint64(numBuf[:], math.Float64bits(props[key]))
		b = append(b, numBuf[:]...)
	}
	b = append(b, 0x00, 0x00, 0x09) // object end marker

	return b
}

func amf0String(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func amf0ObjectKey(s string) []byte {
	out := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	copy(out[2:], s)
	return out
}

func buildTag(tagType byte, timestampMs int64, payload []byte) []byte {
	dataSize := len(payload)
	out := make([]byte, 11, 11+len(payload)+4)
	out[0] = tagType
	out[1] = byte(dataSize >> 16)
	out[2] = byte(dataSize >> 8)
	out[3] = byte(dataSize)
	ts := uint32(timestampMs)
	out[4] = byte(ts >> 16)
	out[5] = byte(ts >> 8)
	out[6] = byte(ts)
	out[7] = byte(ts >> 24) // timestamp extended byte
	out[8], out[9], out[10] = 0, 0, 0 // stream id

	out = append(out, payload...)

	tagSize := uint32(11 + dataSize)
	out = append(out, byte(tagSize>>24), byte(tagSize>>16), byte(tagSize>>8), byte(tagSize))
	return out
}

// Muxer streams FLV to one client. It must not be shared across clients:
// has_seen_keyframe is per-instance state, matching the per-client
// keyframe-gating design in SPEC_FULL.md §6.3.
type Muxer struct {
	sentHeader        bool
	seenKeyframe      bool
	width, height     int
	framerate         float64
	ps                media.ParameterSet
}

// NewMuxer creates a Muxer. width/height/framerate populate onMetaData.
func NewMuxer(width, height int, framerate float64) *Muxer {
	return &Muxer{width: width, height: height, framerate: framerate}
}

// Open returns the header, onMetaData tag, and AVC decoder config tag
// that must be sent once at connect, before any video tag.
func (m *Muxer) Open(ps media.ParameterSet) []byte {
	m.ps = ps
	m.sentHeader = true

	var out []byte
	out = append(out, Header()...)
	out = append(out, buildTag(tagTypeScriptData, 0, buildOnMetaData(m.width, m.height, m.framerate))...)

	config := BuildAVCDecoderConfig(ps.SPS, ps.PPS)
	avcPayload := append([]byte{byte(frameTypeKeyframe)<<4 | codecIDAVC, avcPacketTypeSequenceHeader, 0, 0, 0}, config...)
	out = append(out, buildTag(tagTypeVideo, 0, avcPayload)...)

	return out
}

// WriteFrame returns the video tag for pkt, or nil if the client has not
// yet seen a keyframe (P-frames are withheld until gating is satisfied).
// pkt.Payload is AVCC-framed with SPS/PPS already excluded by the router.
func (m *Muxer) WriteFrame(pkt media.H264Packet, timestampMs int64) []byte {
	if pkt.IsKeyframe {
		m.seenKeyframe = true
	}
	if !m.seenKeyframe {
		return nil
	}

	payload := nal.AnnexBToAVCC(mustAnnexB(pkt, m.ps), true)
	if len(payload) == 0 {
		return nil
	}

	frameType := byte(frameTypeInterFrame)
	if pkt.IsKeyframe {
		frameType = frameTypeKeyframe
	}

	header := []byte{frameType<<4 | codecIDAVC, avcPacketTypeNALU, 0, 0, 0}
	avcPayload := append(header, payload...)

	return buildTag(tagTypeVideo, timestampMs, avcPayload)
}

// mustAnnexB round-trips the incoming AVCC packet (whatever prefix size
// the ingest uses) through Annex B so it can come back out as 4-byte
// AVCC with SPS/PPS stripped, matching the lengthSizeMinusOne=3 the
// decoder config record declares.
func mustAnnexB(pkt media.H264Packet, ps media.ParameterSet) []byte {
	annexB, err := nal.AVCCToAnnexB(pkt.Payload, ps.LengthSize, false)
	if err != nil && annexB == nil {
		return nil
	}
	return annexB
}
