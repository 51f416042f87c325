package tmtc

// PacketKey is what filters see of a packet.
type PacketKey struct {
	Telemetry      bool
	APID           uint16
	HasPUS         bool
	ServiceType    uint8
	ServiceSubType uint8
	Destination    int // -1 when absent
	Source         int // -1 when absent
}

// PacketFilter accepts or rejects a packet for a subscriber.
type PacketFilter func(PacketKey) bool

// AcceptAll is the filter that accepts every packet.
func AcceptAll(PacketKey) bool { return true }

// TelemetryService accepts telemetry of one PUS service type.
func TelemetryService(serviceType uint8) PacketFilter {
	return func(k PacketKey) bool {
		return k.Telemetry && k.HasPUS && k.ServiceType == serviceType
	}
}

// TelemetryAPID accepts telemetry on one APID.
func TelemetryAPID(apid uint16) PacketFilter {
	return func(k PacketKey) bool {
		return k.Telemetry && k.APID == apid
	}
}

// Telecommands accepts every telecommand.
func Telecommands(k PacketKey) bool { return !k.Telemetry }

// Any combines filters with a logical or.
func Any(filters ...PacketFilter) PacketFilter {
	return func(k PacketKey) bool {
		for _, f := range filters {
			if f != nil && f(k) {
				return true
			}
		}
		return false
	}
}
