// Package nal converts H.264 Network Abstraction Layer units between the
// two wire framings used by the consumers of this proxy: AVCC
// (length-prefixed, used by FLV and MP4-family containers) and Annex B
// (start-code prefixed, used by WebSocket clients and within MPEG-TS PES
// payloads).
package nal

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// H.264 NAL unit type constants, ITU-T H.264 Table 7-1.
const (
	TypeSlice      = 1
	TypeIDR        = 5
	TypeSEI        = 6
	TypeSPS        = 7
	TypePPS        = 8
	TypeAUD        = 9
	TypeFillerData = 12
)

// ErrMalformedAVCC is returned by ParseAVCC when a length prefix runs past
// the end of the buffer. The caller still receives whatever NAL ranges
// were parsed before the error.
var ErrMalformedAVCC = errors.New("nal: malformed AVCC length prefix")

// Range is a byte range identifying one NAL unit within a buffer. Data is
// the NAL payload only (no length prefix, no start code).
type Range struct {
	Data []byte
}

// Type returns the NAL unit type of a NAL payload (the low 5 bits of the
// first byte).
func Type(data []byte) byte {
	if len(data) == 0 {
		return 0
	}
	return data[0] & 0x1F
}

// IsKeyframe reports whether nal is an IDR slice.
func IsKeyframe(data []byte) bool { return Type(data) == TypeIDR }

// IsSPS reports whether nal is a sequence parameter set.
func IsSPS(data []byte) bool { return Type(data) == TypeSPS }

// IsPPS reports whether nal is a picture parameter set.
func IsPPS(data []byte) bool { return Type(data) == TypePPS }

// ParseAVCC splits an AVCC buffer into NAL ranges given the configured
// length-prefix size (1-4 bytes, big-endian). If a length prefix would
// read past the end of buf, ParseAVCC stops and returns ErrMalformedAVCC
// along with whatever ranges were parsed successfully so far.
func ParseAVCC(buf []byte, prefixSize int) ([]Range, error) {
	if prefixSize < 1 || prefixSize > 4 {
		return nil, fmt.Errorf("nal: invalid AVCC prefix size %d", prefixSize)
	}

	var out []Range
	pos := 0
	for pos < len(buf) {
		if pos+prefixSize > len(buf) {
			return out, ErrMalformedAVCC
		}

		length := readPrefix(buf[pos:pos+prefixSize], prefixSize)
		pos += prefixSize

		if pos+length > len(buf) {
			return out, ErrMalformedAVCC
		}

		out = append(out, Range{Data: buf[pos : pos+length]})
		pos += length
	}
	return out, nil
}

func readPrefix(b []byte, size int) int {
	var v uint32
	for i := 0; i < size; i++ {
		v = v<<8 | uint32(b[i])
	}
	return int(v)
}

// ParseAnnexB scans buf for Annex B start codes (00 00 01 or 00 00 00 01)
// and returns the NAL ranges between them. Emulation prevention bytes
// inside each NAL are left untouched; call RemoveEmulationPrevention
// explicitly where RBSP bit parsing is required (e.g. SPS parsing).
func ParseAnnexB(data []byte) []Range {
	n := len(data)
	if n < 4 {
		return nil
	}

	type scPos struct {
		dataStart int
	}

	var starts []scPos
	i := 0
	for i < n-2 {
		if data[i] == 0 && data[i+1] == 0 {
			if i < n-3 && data[i+2] == 0 && data[i+3] == 1 {
				starts = append(starts, scPos{dataStart: i + 4})
				i += 4
				continue
			}
			if data[i+2] == 1 {
				starts = append(starts, scPos{dataStart: i + 3})
				i += 3
				continue
			}
		}
		i++
	}

	var out []Range
	for idx, s := range starts {
		end := n
		if idx+1 < len(starts) {
			// Back up past the next start code's prefix bytes.
			next := starts[idx+1].dataStart
			end = next - 3
			if next >= 4 && data[next-4] == 0 {
				end = next - 4
			}
		}
		if s.dataStart >= end || s.dataStart >= n {
			continue
		}
		out = append(out, Range{Data: data[s.dataStart:end]})
	}
	return out
}

// AVCCToAnnexB rewrites an AVCC buffer as Annex B, using a 4-byte start
// code before each NAL. When filterParamSets is true, SPS and PPS NALs
// are dropped from the output because the caller carries them separately
// (global-header / out-of-band mode).
func AVCCToAnnexB(buf []byte, prefixSize int, filterParamSets bool) ([]byte, error) {
	ranges, err := ParseAVCC(buf, prefixSize)
	if err != nil && len(ranges) == 0 {
		return nil, err
	}

	out := make([]byte, 0, len(buf)+len(ranges)*4)
	for _, r := range ranges {
		if filterParamSets && (IsSPS(r.Data) || IsPPS(r.Data)) {
			continue
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, r.Data...)
	}
	return out, err
}

// AnnexBToAVCC rewrites an Annex B buffer as AVCC with a 4-byte
// big-endian length prefix before each NAL. When filterParamSets is true,
// SPS and PPS NALs are dropped from the output.
func AnnexBToAVCC(buf []byte, filterParamSets bool) []byte {
	ranges := ParseAnnexB(buf)

	var total int
	for _, r := range ranges {
		if filterParamSets && (IsSPS(r.Data) || IsPPS(r.Data)) {
			continue
		}
		total += 4 + len(r.Data)
	}

	out := make([]byte, 0, total)
	for _, r := range ranges {
		if filterParamSets && (IsSPS(r.Data) || IsPPS(r.Data)) {
			continue
		}
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Data)))
		out = append(out, lenBuf[:]...)
		out = append(out, r.Data...)
	}
	return out
}

// AnnexBStartCode returns a 4-byte Annex B start code, used when building
// NAL sequences (e.g. prepending SPS/PPS to a keyframe) one unit at a time.
func AnnexBStartCode() []byte {
	return []byte{0, 0, 0, 1}
}

// RemoveEmulationPrevention strips 00 00 03 emulation prevention
// sequences from a NAL's RBSP, needed before exp-Golomb bit parsing (SPS).
func RemoveEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if i+2 < len(data) && data[i] == 0 && data[i+1] == 0 && data[i+2] == 3 &&
			(i+3 >= len(data) || data[i+3] <= 3) {
			out = append(out, 0, 0)
			i += 2
		} else {
			out = append(out, data[i])
		}
	}
	return out
}
