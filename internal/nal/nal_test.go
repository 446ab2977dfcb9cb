package nal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAVCC(prefixSize int, nalus ...[]byte) []byte {
	var out []byte
	for _, n := range nalus {
		length := len(n)
		switch prefixSize {
		case 1:
			out = append(out, byte(length))
		case 2:
			out = append(out, byte(length>>8), byte(length))
		case 3:
			out = append(out, byte(length>>16), byte(length>>8), byte(length))
		case 4:
			out = append(out, byte(length>>24), byte(length>>16), byte(length>>8), byte(length))
		}
		out = append(out, n...)
	}
	return out
}

func TestParseAVCCRoundTrip(t *testing.T) {
	for _, prefixSize := range []int{1, 2, 3, 4} {
		nalus := [][]byte{
			{0x67, 0x42, 0x00, 0x1f}, // fake SPS-ish
			{0x68, 0xce, 0x3c, 0x80}, // fake PPS-ish
			{0x65, 0x01, 0x02, 0x03, 0x04, 0x05},
		}
		buf := buildAVCC(prefixSize, nalus...)

		ranges, err := ParseAVCC(buf, prefixSize)
		require.NoError(t, err)
		require.Len(t, ranges, len(nalus))
		for i, r := range ranges {
			assert.Equal(t, nalus[i], r.Data)
		}

		// Reassembly matches the original buffer.
		reassembled := buildAVCC(prefixSize, func() [][]byte {
			out := make([][]byte, len(ranges))
			for i, r := range ranges {
				out[i] = r.Data
			}
			return out
		}()...)
		assert.Equal(t, buf, reassembled)
	}
}

func TestParseAVCCMalformed(t *testing.T) {
	buf := []byte{0, 0, 0, 10, 1, 2, 3} // length prefix claims 10 bytes, only 3 remain
	ranges, err := ParseAVCC(buf, 4)
	assert.ErrorIs(t, err, ErrMalformedAVCC)
	assert.Empty(t, ranges)
}

func TestAnnexBAVCCRoundTrip(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0xaa, 0xbb}

	avcc := buildAVCC(4, sps, pps, idr)

	annexB, err := AVCCToAnnexB(avcc, 4, false)
	require.NoError(t, err)

	back := AnnexBToAVCC(annexB, false)
	assert.Equal(t, avcc, back)
}

func TestAnnexBAVCCFiltersParameterSets(t *testing.T) {
	sps := []byte{0x67, 0x42, 0x00, 0x1f}
	pps := []byte{0x68, 0xce, 0x3c, 0x80}
	idr := []byte{0x65, 0xaa, 0xbb}

	avcc := buildAVCC(4, sps, pps, idr)

	annexB, err := AVCCToAnnexB(avcc, 4, true)
	require.NoError(t, err)

	ranges := ParseAnnexB(annexB)
	require.Len(t, ranges, 1)
	assert.Equal(t, idr, ranges[0].Data)
}

func TestParseAnnexBBothStartCodes(t *testing.T) {
	data := []byte{}
	data = append(data, 0, 0, 0, 1)
	data = append(data, 0x67, 0xaa)
	data = append(data, 0, 0, 1)
	data = append(data, 0x65, 0xbb, 0xcc)

	ranges := ParseAnnexB(data)
	require.Len(t, ranges, 2)
	assert.Equal(t, []byte{0x67, 0xaa}, ranges[0].Data)
	assert.Equal(t, []byte{0x65, 0xbb, 0xcc}, ranges[1].Data)
}

func TestTypeHelpers(t *testing.T) {
	assert.True(t, IsSPS([]byte{0x67}))
	assert.True(t, IsPPS([]byte{0x68}))
	assert.True(t, IsKeyframe([]byte{0x65}))
	assert.False(t, IsKeyframe([]byte{0x61}))
	assert.EqualValues(t, TypeSEI, Type([]byte{0x06}))
}
