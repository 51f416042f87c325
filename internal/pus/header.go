package pus

// AckField holds the four acknowledgement request flags of a TC PUS header.
type AckField struct {
	Acceptance bool `json:"acceptance"`
	Start      bool `json:"start"`
	Progress   bool `json:"progress"`
	Completion bool `json:"completion"`
}

// AckFieldFromBits decodes the low nibble of the TC secondary header ack byte
// (bit 3 acceptance, bit 2 start, bit 1 progress, bit 0 completion).
func AckFieldFromBits(b uint8) AckField {
	return AckField{
		Acceptance: b&0x08 != 0,
		Start:      b&0x04 != 0,
		Progress:   b&0x02 != 0,
		Completion: b&0x01 != 0,
	}
}

// Bits is the inverse of AckFieldFromBits.
func (a AckField) Bits() uint8 {
	var b uint8
	if a.Acceptance {
		b |= 0x08
	}
	if a.Start {
		b |= 0x04
	}
	if a.Progress {
		b |= 0x02
	}
	if a.Completion {
		b |= 0x01
	}
	return b
}

// TcPusHeader is the decoded secondary header of a telecommand.
type TcPusHeader struct {
	Version        uint8    `json:"version"`
	Ack            AckField `json:"ack"`
	ServiceType    uint8    `json:"service_type"`
	ServiceSubType uint8    `json:"service_sub_type"`
	SourceID       int      `json:"source_id"` // -1 when absent
	EncodedLength  int      `json:"encoded_length"`
}

// Is reports whether the header carries the given service type and sub-type.
func (h TcPusHeader) Is(serviceType, subType uint8) bool {
	return h.ServiceType == serviceType && h.ServiceSubType == subType
}

// TmPusHeader is the decoded secondary header of a telemetry packet.
type TmPusHeader struct {
	Version        uint8 `json:"version"`
	ServiceType    uint8 `json:"service_type"`
	ServiceSubType uint8 `json:"service_sub_type"`
	DestinationID  int   `json:"destination_id"` // -1 when absent
	EncodedLength  int   `json:"encoded_length"`
}
