// Package tmtctest provides recording fakes of the processing model and the
// phase announcer for service tests.
package tmtctest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/model"
)

// ErrStartRefused is returned by StartActivity when Refuse is set.
var ErrStartRefused = errors.New("start refused")

// Model records every call made on the processing model.
type Model struct {
	mu       sync.Mutex
	events   []model.EventOccurrence
	progress []model.ActivityProgress
	requests []model.ActivityRequest
	nextID   uint64

	// Refuse makes StartActivity fail.
	Refuse bool
}

// NewModel returns a model whose started occurrences are numbered from
// firstID.
func NewModel(firstID uint64) *Model {
	return &Model{nextID: firstID}
}

func (m *Model) RaiseEvent(_ context.Context, ev model.EventOccurrence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
}

func (m *Model) ReportActivityProgress(_ context.Context, p model.ActivityProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress = append(m.progress, p)
}

func (m *Model) StartActivity(_ context.Context, req model.ActivityRequest) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Refuse {
		return 0, ErrStartRefused
	}
	m.requests = append(m.requests, req)
	id := m.nextID
	m.nextID++
	return id, nil
}

// Events returns the raised events.
func (m *Model) Events() []model.EventOccurrence {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.EventOccurrence(nil), m.events...)
}

// Progress returns the reported progress, optionally restricted to one
// occurrence.
func (m *Model) Progress(occurrence ...uint64) []model.ActivityProgress {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ActivityProgress
	for _, p := range m.progress {
		if len(occurrence) == 0 || p.OccurrenceID == occurrence[0] {
			out = append(out, p)
		}
	}
	return out
}

// Requests returns the started activities.
func (m *Model) Requests() []model.ActivityRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.ActivityRequest(nil), m.requests...)
}

// Reset forgets everything recorded so far.
func (m *Model) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
	m.progress = nil
	m.requests = nil
}

// Announcement is one recorded phase announcement.
type Announcement struct {
	Phase model.Phase
	At    time.Time
	TC    *tmtc.TcTracker
}

// Announcer records phase announcements without redistributing them.
type Announcer struct {
	mu  sync.Mutex
	all []Announcement
}

func (a *Announcer) InformTc(_ context.Context, phase model.Phase, at time.Time, tc *tmtc.TcTracker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.all = append(a.all, Announcement{Phase: phase, At: at, TC: tc})
}

// Announced returns the announcements, optionally restricted to one
// occurrence.
func (a *Announcer) Announced(occurrence ...uint64) []Announcement {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Announcement
	for _, x := range a.all {
		if len(occurrence) == 0 || x.TC.Invocation.OccurrenceID == occurrence[0] {
			out = append(out, x)
		}
	}
	return out
}

// Phases returns the announced phases in order.
func (a *Announcer) Phases(occurrence ...uint64) []model.Phase {
	var out []model.Phase
	for _, x := range a.Announced(occurrence...) {
		out = append(out, x.Phase)
	}
	return out
}

// Command builds a tracked telecommand on apid with sequence count seq. Its
// identifier, the first four packet octets, follows from both.
func Command(occurrence uint64, apid, seq uint16, serviceType, subType uint8, ack pus.AckField, props map[string]string) *tmtc.TcTracker {
	data := []byte{ack.Bits() | 0x10, serviceType, subType, 0xAA}
	return &tmtc.TcTracker{
		Invocation: model.ActivityInvocation{
			ActivityID:   1000 + int(serviceType),
			OccurrenceID: occurrence,
			Path:         "ROOT.COMMANDS.TC",
			Properties:   props,
		},
		Packet: pus.SpacePacket{Data: pus.BuildPacket(false, apid, seq, true, data)},
		Header: pus.TcPusHeader{
			Version:        1,
			Ack:            ack,
			ServiceType:    serviceType,
			ServiceSubType: subType,
			SourceID:       -1,
			EncodedLength:  3,
		},
	}
}

// MustID returns the identifier of tc and panics when it has none.
func MustID(tc *tmtc.TcTracker) uint32 {
	id, err := tc.CommandID()
	if err != nil {
		panic(err)
	}
	return id
}

// VerificationReport builds a service 1 report packet for command id.
func VerificationReport(subType uint8, id uint32, generation time.Time) *tmtc.TmPacket {
	data := []byte{0x10, 1, subType, byte(id >> 24), byte(id >> 16), byte(id >> 8), byte(id), 0, 0}
	return &tmtc.TmPacket{
		Raw: tmtc.RawData{
			GenerationTime: generation,
			ReceptionTime:  generation.Add(time.Second),
			Route:          "TM",
		},
		Packet: pus.SpacePacket{Data: pus.BuildPacket(true, 0x10, 1, true, data)},
		Header: &pus.TmPusHeader{
			Version:        1,
			ServiceType:    1,
			ServiceSubType: subType,
			DestinationID:  -1,
			EncodedLength:  3,
		},
		Decoded: tmtc.DecodedPacket{DefinitionID: 100 + int(subType)},
	}
}

// Descriptors is a static activity descriptor lookup keyed by path.
type Descriptors map[string]model.ActivityDescriptor

func (d Descriptors) Descriptor(_ context.Context, path string) (model.ActivityDescriptor, error) {
	desc, ok := d[path]
	if !ok {
		return model.ActivityDescriptor{}, fmt.Errorf("%s: %w", path, model.ErrDescriptorNotFound)
	}
	return desc, nil
}

// InsertActivity describes a flat 11,4 activity at path.
func InsertActivity(path string) model.ActivityDescriptor {
	return model.ActivityDescriptor{
		ActivityID: 1104,
		Path:       path,
		Arguments: []model.ArgumentDescriptor{
			{Name: "SUB_SCHEDULE_ID", Type: model.ValueUnsignedInteger},
			{Name: "N", Type: model.ValueUnsignedInteger},
			{Name: "RELEASE_TIME", Type: model.ValueAbsoluteTime},
			{Name: "TC", Type: model.ValueOctetString},
		},
	}
}

// InsertActivityArray describes an 11,4 activity carrying its commands in an
// array argument.
func InsertActivityArray(path string) model.ActivityDescriptor {
	return model.ActivityDescriptor{
		ActivityID: 1105,
		Path:       path,
		Arguments: []model.ArgumentDescriptor{
			{Name: "N", Type: model.ValueUnsignedInteger},
			{Name: "COMMANDS", Elements: []model.ArgumentDescriptor{
				{Name: "RELEASE_TIME", Type: model.ValueAbsoluteTime},
				{Name: "TC", Type: model.ValueOctetString},
			}},
		},
	}
}
