// Package h264 provides the NAL unit model and stateless parsing used by the
// reassembly layer: datagram classification, NAL header inspection, and SPS
// decoding for resolution inference.
package h264

// H.264 NAL unit type constants as defined in ITU-T H.264 Table 7-1, plus the
// FU-A fragmentation type from the application wire format.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
	NALTypeFUA        = 28
)

// StartCode is the 4-byte Annex B start code every emitted unit is prefixed
// with.
var StartCode = []byte{0x00, 0x00, 0x00, 0x01}

// NALUnit is one complete NAL unit ready for decoder submission. Data always
// begins with the 4-byte start code; the header byte follows immediately.
type NALUnit struct {
	Type   byte   // 5-bit nal_unit_type from the header byte
	RefIdc byte   // 2-bit nal_ref_idc, diagnostic only
	Data   []byte // start code + header + payload
}

// Payload returns the NAL bytes after the start code (header byte included).
func (u NALUnit) Payload() []byte {
	return u.Data[len(StartCode):]
}

// NewUnit builds a NALUnit from raw NAL bytes (header byte first, no start
// code), copying them behind a fresh start code prefix.
func NewUnit(nal []byte) NALUnit {
	data := make([]byte, 0, len(StartCode)+len(nal))
	data = append(data, StartCode...)
	data = append(data, nal...)
	return NALUnit{
		Type:   NALType(nal[0]),
		RefIdc: RefIdc(nal[0]),
		Data:   data,
	}
}

// NALType extracts the 5-bit nal_unit_type from a NAL header byte.
func NALType(header byte) byte {
	return header & 0x1F
}

// RefIdc extracts the 2-bit nal_ref_idc from a NAL header byte.
func RefIdc(header byte) byte {
	return (header >> 5) & 0x03
}

// IsKeyframe returns true if the NAL type is an IDR slice (type 5).
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsParameterSet returns true for SPS and PPS types.
func IsParameterSet(nalType byte) bool {
	return nalType == NALTypeSPS || nalType == NALTypePPS
}
