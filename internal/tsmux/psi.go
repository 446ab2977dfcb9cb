package tsmux

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

// buildPATSection builds a complete PAT section (including CRC32) mapping
// program 1 to pidPMT.
func buildPATSection() []byte {
	// Section body after the 3-byte table_id+section_length header:
	// transport_stream_id(16) + reserved(2)+version(5)+current_next(1) +
	// section_number(8) + last_section_number(8) + program entries.
	body := []byte{
		0x00, 0x01, // transport_stream_id = 1
		0xC1,       // reserved(11)+version(00000)+current_next(1)
		0x00, 0x00, // section_number, last_section_number
		0x00, 0x01, // program_number = 1
		byte(0xE0 | (pidPMT >> 8)), byte(pidPMT & 0xFF), // reserved(3)+PMT PID(13)
	}

	sectionLength := len(body) + 4 // + CRC32
	header := []byte{
		tableIDPAT,
		byte(0x80 | (sectionLength >> 8 & 0x0F)), // section_syntax_indicator(1)+zero(1)+reserved(2)+length hi
		byte(sectionLength),
	}

	section := append(header, body...)
	return appendCRC32(section)
}

// buildPMTSection builds a complete PMT section (including CRC32) for one
// H.264 elementary stream on pidVideo, PCR carried on the same PID.
func buildPMTSection() []byte {
	body := []byte{
		0x00, 0x01, // program_number = 1
		0xC1,       // reserved+version+current_next
		0x00, 0x00, // section_number, last_section_number
		byte(0xE0 | (pidVideo >> 8)), byte(pidVideo & 0xFF), // reserved(3)+PCR_PID(13)
		0xF0, 0x00, // reserved(4)+program_info_length(12) = 0
		streamTypeH264,
		byte(0xE0 | (pidVideo >> 8)), byte(pidVideo & 0xFF), // reserved(3)+elementary_PID(13)
		0xF0, 0x00, // reserved(4)+ES_info_length(12) = 0
	}

	sectionLength := len(body) + 4
	header := []byte{
		tableIDPMT,
		byte(0x80 | (sectionLength >> 8 & 0x0F)),
		byte(sectionLength),
	}

	section := append(header, body...)
	return appendCRC32(section)
}
