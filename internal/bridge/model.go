package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/signalsfoundry/pus-correlator/internal/logging"
	"github.com/signalsfoundry/pus-correlator/model"
)

// ProcessingModel forwards processing model calls as MQTT messages. Start
// requests get their occurrence id assigned here.
type ProcessingModel struct {
	pub    Publisher
	topics Topics
	qos    int
	log    logging.Logger
}

// NewProcessingModel publishes through pub under topics.
func NewProcessingModel(pub Publisher, topics Topics, qos int, log logging.Logger) *ProcessingModel {
	if log == nil {
		log = logging.Noop()
	}
	return &ProcessingModel{pub: pub, topics: topics, qos: qos, log: log}
}

// RaiseEvent publishes ev.
func (m *ProcessingModel) RaiseEvent(ctx context.Context, ev model.EventOccurrence) {
	m.publish(ctx, m.topics.Events(), ev)
}

// ReportActivityProgress publishes p.
func (m *ProcessingModel) ReportActivityProgress(ctx context.Context, p model.ActivityProgress) {
	m.publish(ctx, m.topics.Progress(), progressMessage(p))
}

// StartActivity publishes req with a fresh occurrence id and returns it.
func (m *ProcessingModel) StartActivity(ctx context.Context, req model.ActivityRequest) (uint64, error) {
	id := uuid.New()
	msg := RequestMessage{
		RequestID:       id.String(),
		OccurrenceID:    occurrenceFromUUID(id),
		ActivityRequest: req,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode request %s: %w", req.Path, err)
	}
	if err := m.pub.Publish(ctx, m.topics.Requests(), m.qos, false, payload); err != nil {
		return 0, fmt.Errorf("publish request %s: %w", req.Path, err)
	}
	m.log.Debug(ctx, "activity requested",
		logging.String("path", req.Path),
		logging.String("request_id", msg.RequestID),
		logging.Uint64("occurrence", msg.OccurrenceID),
	)
	return msg.OccurrenceID, nil
}

func (m *ProcessingModel) publish(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		m.log.Error(ctx, "encode message", logging.String("topic", topic), logging.Err(err))
		return
	}
	if err := m.pub.Publish(ctx, topic, m.qos, false, payload); err != nil {
		m.log.Warn(ctx, "publish failed", logging.String("topic", topic), logging.Err(err))
	}
}

// occurrenceFromUUID keeps 53 bits so the id survives JSON number handling.
func occurrenceFromUUID(id uuid.UUID) uint64 {
	return binary.BigEndian.Uint64(id[8:]) >> 11
}
