package flvmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nozzlecam/camproxy/internal/media"
)

func fakeParamSet() media.ParameterSet {
	return media.ParameterSet{
		SPS:        []byte{0x67, 0x42, 0x00, 0x1f, 0xaa},
		PPS:        []byte{0x68, 0xce, 0x3c, 0x80},
		LengthSize: 4,
	}
}

func avccPacket(keyframe bool, nalus ...[]byte) media.H264Packet {
	var payload []byte
	for _, n := range nalus {
		l := len(n)
		payload = append(payload, byte(l>>24), byte(l>>16), byte(l>>8), byte(l))
		payload = append(payload, n...)
	}
	return media.H264Packet{Payload: payload, IsKeyframe: keyframe}
}

func TestHeaderIsThirteenBytes(t *testing.T) {
	h := Header()
	require.Len(t, h, 13)
	assert.Equal(t, []byte("FLV"), h[0:3])
	assert.Equal(t, byte(0x01), h[4]) // video-only flag
}

func TestOpenEmitsHeaderMetadataAndDecoderConfig(t *testing.T) {
	ps := fakeParamSet()
	m := NewMuxer(640, 480, 25)
	out := m.Open(ps)

	assert.Equal(t, Header(), out[:13])
	assert.Equal(t, byte(tagTypeScriptData), out[13])
}

func TestWriteFrameGatesUntilKeyframe(t *testing.T) {
	ps := fakeParamSet()
	m := NewMuxer(640, 480, 25)
	m.Open(ps)

	pFrame := avccPacket(false, []byte{0x61, 1, 2, 3})
	tag := m.WriteFrame(pFrame, 40)
	assert.Nil(t, tag, "P-frame must be withheld before any keyframe is seen")

	keyframe := avccPacket(true, []byte{0x65, 1, 2, 3})
	tag = m.WriteFrame(keyframe, 80)
	require.NotNil(t, tag)
	assert.Equal(t, byte(tagTypeVideo), tag[0])

	tag2 := m.WriteFrame(pFrame, 120)
	assert.NotNil(t, tag2, "frames after the first keyframe must pass through")
}

func TestBuildAVCDecoderConfigLayout(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}

	cfg := BuildAVCDecoderConfig(sps, pps)
	require.NotEmpty(t, cfg)
	assert.Equal(t, byte(1), cfg[0])     // configurationVersion
	assert.Equal(t, sps[1], cfg[1])      // AVCProfileIndication
	assert.Equal(t, sps[2], cfg[2])      // profile_compatibility
	assert.Equal(t, sps[3], cfg[3])      // AVCLevelIndication
	assert.Equal(t, byte(0xFF), cfg[4])  // lengthSizeMinusOne=3 | reserved
}
