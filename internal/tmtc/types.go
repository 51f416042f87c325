// Package tmtc carries telemetry and telecommand envelopes between the packet
// services and routes them through the service broker.
package tmtc

import (
	"context"
	"fmt"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/model"
)

// RawData is the reception metadata of a telemetry packet.
type RawData struct {
	ID             uint64
	Name           string
	GenerationTime time.Time
	ReceptionTime  time.Time
	Route          string
	Source         string
	// Frame is the transfer frame the packet arrived in when known.
	Frame *Frame
}

// Frame describes a received transfer frame.
type Frame struct {
	SpacecraftID             int
	VirtualChannelID         int
	VirtualChannelFrameCount int
	EarthReceptionTime       time.Time
}

// DecodedPacket holds the packet definition id and decoded items.
type DecodedPacket struct {
	DefinitionID int
	Items        map[string]any
}

// TmPacket is one decoded telemetry packet.
type TmPacket struct {
	Raw     RawData
	Packet  pus.SpacePacket
	Header  *pus.TmPusHeader // nil without secondary header
	Decoded DecodedPacket
}

// Key returns the routing key of the packet.
func (p *TmPacket) Key() PacketKey {
	k := PacketKey{
		Telemetry:   true,
		APID:        p.Packet.APID(),
		Destination: -1,
		Source:      -1,
	}
	if p.Header != nil {
		k.HasPUS = true
		k.ServiceType = p.Header.ServiceType
		k.ServiceSubType = p.Header.ServiceSubType
		k.Destination = p.Header.DestinationID
	}
	return k
}

// TcTracker is the tracked command handed to every service: the invocation it
// came from plus its encoded packet and PUS header.
type TcTracker struct {
	Invocation model.ActivityInvocation
	Packet     pus.SpacePacket
	Header     pus.TcPusHeader
}

// CommandID returns the command identifier, the first four octets of the
// packet.
func (t *TcTracker) CommandID() (uint32, error) {
	return pus.CommandID(t.Packet.Data)
}

// Key returns the routing key of the command.
func (t *TcTracker) Key() PacketKey {
	return PacketKey{
		Telemetry:      false,
		APID:           t.Packet.APID(),
		HasPUS:         true,
		ServiceType:    t.Header.ServiceType,
		ServiceSubType: t.Header.ServiceSubType,
		Destination:    -1,
		Source:         t.Header.SourceID,
	}
}

func (t *TcTracker) String() string {
	return fmt.Sprintf("%s(%d/%d) %d,%d", t.Invocation.Path, t.Invocation.ActivityID,
		t.Invocation.OccurrenceID, t.Header.ServiceType, t.Header.ServiceSubType)
}

// TmSubscriber receives telemetry packets.
type TmSubscriber interface {
	OnTmPacket(ctx context.Context, pkt *TmPacket)
}

// TcSubscriber receives telecommand phase announcements.
type TcSubscriber interface {
	OnTcPhase(ctx context.Context, phase model.Phase, at time.Time, tc *TcTracker)
}

// FrameSubscriber receives transfer frames.
type FrameSubscriber interface {
	OnFrame(ctx context.Context, f Frame)
}

// PhaseAnnouncer broadcasts a phase transition of a tracked command to all
// interested services.
type PhaseAnnouncer interface {
	InformTc(ctx context.Context, phase model.Phase, at time.Time, tc *TcTracker)
}

// TimeCorrelator converts between onboard time and UTC.
type TimeCorrelator interface {
	// ToUTC converts an onboard time; ert is the earth reception time and may
	// be zero.
	ToUTC(obt, ert time.Time) time.Time
	// ToOBT converts a UTC time to onboard time.
	ToOBT(utc time.Time) time.Time
}
