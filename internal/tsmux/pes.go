package tsmux

// buildPESHeader builds a PES header for a video access unit: start code
// 00 00 01, stream id 0xE0, unbounded packet_length (0, valid for video
// per ISO 13818-1), PTS-only optional header.
func buildPESHeader(ptsTicks int64) []byte {
	h := []byte{
		0x00, 0x00, 0x01, pesStreamIDVideo,
		0x00, 0x00, // PES_packet_length = 0 (unbounded, video only)
		0x80,       // marker(10)+scrambling(00)+priority(0)+alignment(0)+copyright(0)+original(0)
		0x80,       // PTS_DTS_indicator = 10 (PTS only) + rest 0
		0x05,       // PES_header_data_length = 5 (one timestamp field)
	}
	h = append(h, encodePTSOrDTS(0x2, ptsTicks)...)
	return h
}

// encodePTSOrDTS encodes a 33-bit timestamp into the 5-byte PES field
// layout from ISO 13818-1 table 2-21. prefix is 0x2 for PTS-only, 0x3 for
// the PTS half of a PTS+DTS pair, 0x1 for the DTS half of such a pair.
func encodePTSOrDTS(prefix byte, ticks int64) []byte {
	v := uint64(ticks) & 0x1FFFFFFFF
	b := make([]byte, 5)
	b[0] = prefix<<4 | byte(v>>29&0x0E) | 0x01
	b[1] = byte(v >> 22)
	b[2] = byte(v>>14&0xFE) | 0x01
	b[3] = byte(v >> 7)
	b[4] = byte(v<<1&0xFE) | 0x01
	return b
}
