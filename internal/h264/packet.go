package h264

// PacketKind classifies one datagram payload before any stateful handling.
// Keeping classification pure makes the reassembly state machine's transition
// table testable without socket I/O.
type PacketKind int

// Datagram classifications.
const (
	PacketMalformed PacketKind = iota
	PacketComplete
	PacketFragmentStart
	PacketFragmentMiddle
	PacketFragmentEnd
)

// FU header bit layout (2-byte fragmentation header: FU indicator, FU header).
const (
	fuStartBit    = 0x80
	fuEndBit      = 0x40
	fuReservedBit = 0x20
)

// Packet is the result of classifying one datagram payload.
//
// For PacketComplete, NAL holds the full NAL bytes (header first, start code
// stripped). For fragments, NAL holds the fragment payload with the 2-byte
// fragmentation header removed, and Header is the reconstructed original NAL
// header (valid on PacketFragmentStart only).
type Packet struct {
	Kind   PacketKind
	Type   byte // NAL type; for fragments, the original type from the FU header
	Header byte
	NAL    []byte
	Reason string // set on PacketMalformed
}

// Classify inspects one datagram payload and tags it as a complete NAL unit,
// an FU-A fragment, or malformed input. A 3- or 4-byte Annex B start code at
// the front is tolerated and stripped.
func Classify(raw []byte) Packet {
	raw = trimStartCode(raw)
	if len(raw) == 0 {
		return malformed("empty payload")
	}

	header := raw[0]
	if header&0x80 != 0 {
		return malformed("forbidden_zero_bit set")
	}

	nalType := NALType(header)
	switch {
	case nalType == NALTypeFUA:
		return classifyFragment(raw)

	case nalType >= 1 && nalType <= 23:
		return Packet{Kind: PacketComplete, Type: nalType, NAL: raw}

	default:
		// Types 0 and 24-31 (other than FU-A) never appear on this wire.
		return malformed("unsupported NAL type")
	}
}

func classifyFragment(raw []byte) Packet {
	if len(raw) < 2 {
		return malformed("fragment shorter than FU header")
	}

	fuHeader := raw[1]
	if fuHeader&fuReservedBit != 0 {
		return malformed("FU header reserved bit set")
	}

	start := fuHeader&fuStartBit != 0
	end := fuHeader&fuEndBit != 0
	if start && end {
		return malformed("FU start and end bits both set")
	}

	origType := NALType(fuHeader)
	p := Packet{Type: origType, NAL: raw[2:]}

	switch {
	case start:
		p.Kind = PacketFragmentStart
		// Original NAL header: F+NRI bits from the FU indicator, type from
		// the FU header.
		p.Header = raw[0]&0xE0 | origType
	case end:
		p.Kind = PacketFragmentEnd
	default:
		p.Kind = PacketFragmentMiddle
	}
	return p
}

func malformed(reason string) Packet {
	return Packet{Kind: PacketMalformed, Reason: reason}
}

// trimStartCode strips a leading 3- or 4-byte Annex B start code, if present.
func trimStartCode(raw []byte) []byte {
	if len(raw) >= 4 && raw[0] == 0 && raw[1] == 0 && raw[2] == 0 && raw[3] == 1 {
		return raw[4:]
	}
	if len(raw) >= 3 && raw[0] == 0 && raw[1] == 0 && raw[2] == 1 {
		return raw[3:]
	}
	return raw
}
