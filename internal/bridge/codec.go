package bridge

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/pus"
	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/model"
)

// FrameMessage is the wire form of a transfer frame.
type FrameMessage struct {
	SpacecraftID       int       `json:"spacecraft_id"`
	VirtualChannelID   int       `json:"virtual_channel_id"`
	FrameCount         int       `json:"frame_count"`
	EarthReceptionTime time.Time `json:"earth_reception_time"`
}

func (m FrameMessage) frame() tmtc.Frame {
	return tmtc.Frame{
		SpacecraftID:             m.SpacecraftID,
		VirtualChannelID:         m.VirtualChannelID,
		VirtualChannelFrameCount: m.FrameCount,
		EarthReceptionTime:       m.EarthReceptionTime,
	}
}

// TmMessage is the wire form of a decoded telemetry packet. Packet holds the
// encoded space packet, base64 in JSON.
type TmMessage struct {
	ID             uint64           `json:"id"`
	Name           string           `json:"name,omitempty"`
	GenerationTime time.Time        `json:"generation_time"`
	ReceptionTime  time.Time        `json:"reception_time"`
	Route          string           `json:"route,omitempty"`
	Source         string           `json:"source,omitempty"`
	Frame          *FrameMessage    `json:"frame,omitempty"`
	Packet         []byte           `json:"packet"`
	Quality        bool             `json:"quality"`
	Header         *pus.TmPusHeader `json:"pus_header,omitempty"`
	DefinitionID   int              `json:"definition_id"`
	Items          map[string]any   `json:"items,omitempty"`
}

// PhaseMessage is the wire form of a command phase.
type PhaseMessage struct {
	Phase      string                   `json:"phase"`
	Time       time.Time                `json:"time"`
	Invocation model.ActivityInvocation `json:"invocation"`
	Packet     []byte                   `json:"packet"`
	Header     pus.TcPusHeader          `json:"pus_header"`
}

// ProgressMessage is the wire form of an activity progress report.
type ProgressMessage struct {
	ActivityID    int       `json:"activity_id"`
	OccurrenceID  uint64    `json:"occurrence_id"`
	Stage         string    `json:"stage"`
	Time          time.Time `json:"time"`
	State         string    `json:"state"`
	ExecutionTime time.Time `json:"execution_time,omitzero"`
	Status        string    `json:"status"`
	NextState     string    `json:"next_state"`
	Data          any       `json:"data,omitempty"`
}

// RequestMessage is the wire form of an activity start request.
type RequestMessage struct {
	RequestID    string `json:"request_id"`
	OccurrenceID uint64 `json:"occurrence_id"`
	model.ActivityRequest
}

// DecodeFrame parses a frame message.
func DecodeFrame(payload []byte) (tmtc.Frame, error) {
	var m FrameMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return tmtc.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return m.frame(), nil
}

// DecodeTm parses a telemetry message.
func DecodeTm(payload []byte) (*tmtc.TmPacket, error) {
	var m TmMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode tm: %w", err)
	}
	if len(m.Packet) < pus.PrimaryHeaderLength {
		return nil, fmt.Errorf("decode tm %d: %w", m.ID, pus.ErrShortPacket)
	}
	raw := tmtc.RawData{
		ID:             m.ID,
		Name:           m.Name,
		GenerationTime: m.GenerationTime,
		ReceptionTime:  m.ReceptionTime,
		Route:          m.Route,
		Source:         m.Source,
	}
	if m.Frame != nil {
		f := m.Frame.frame()
		raw.Frame = &f
	}
	return &tmtc.TmPacket{
		Raw:     raw,
		Packet:  pus.SpacePacket{Data: m.Packet, Quality: m.Quality},
		Header:  m.Header,
		Decoded: tmtc.DecodedPacket{DefinitionID: m.DefinitionID, Items: m.Items},
	}, nil
}

// DecodePhase parses a phase message.
func DecodePhase(payload []byte) (model.Phase, time.Time, *tmtc.TcTracker, error) {
	var m PhaseMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return 0, time.Time{}, nil, fmt.Errorf("decode phase: %w", err)
	}
	phase, ok := model.ParsePhase(m.Phase)
	if !ok {
		return 0, time.Time{}, nil, fmt.Errorf("decode phase: unknown phase %q", m.Phase)
	}
	if len(m.Packet) < pus.PrimaryHeaderLength {
		return 0, time.Time{}, nil, fmt.Errorf("decode phase %d: %w", m.Invocation.OccurrenceID, pus.ErrShortPacket)
	}
	return phase, m.Time, &tmtc.TcTracker{
		Invocation: m.Invocation,
		Packet:     pus.SpacePacket{Data: m.Packet},
		Header:     m.Header,
	}, nil
}

// EncodePhase is the inverse of DecodePhase.
func EncodePhase(phase model.Phase, at time.Time, tc *tmtc.TcTracker) ([]byte, error) {
	return json.Marshal(PhaseMessage{
		Phase:      phase.String(),
		Time:       at,
		Invocation: tc.Invocation,
		Packet:     tc.Packet.Data,
		Header:     tc.Header,
	})
}

func progressMessage(p model.ActivityProgress) ProgressMessage {
	return ProgressMessage{
		ActivityID:    p.ActivityID,
		OccurrenceID:  p.OccurrenceID,
		Stage:         p.Stage,
		Time:          p.Time,
		State:         p.State.String(),
		ExecutionTime: p.ExecutionTime,
		Status:        p.Status.String(),
		NextState:     p.NextState.String(),
		Data:          p.Data,
	}
}
