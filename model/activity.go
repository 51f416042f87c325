package model

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ActivityInvocation describes one activity occurrence as seen by the
// packet services.
type ActivityInvocation struct {
	ActivityID   int               `json:"activity_id"`
	OccurrenceID uint64            `json:"occurrence_id"`
	Path         string            `json:"path"`
	Route        string            `json:"route,omitempty"`
	Source       string            `json:"source,omitempty"`
	Properties   map[string]string `json:"properties,omitempty"`
}

// Property returns a non-blank property value.
func (a ActivityInvocation) Property(key string) (string, bool) {
	v, ok := a.Properties[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// ScheduledTime returns the raw scheduled-time property when present.
func (a ActivityInvocation) ScheduledTime() (string, bool) {
	return a.Property(PropertyScheduledTime)
}

// LinkedOccurrence returns the occurrence id a derived schedule command refers to.
func (a ActivityInvocation) LinkedOccurrence() (uint64, bool) {
	raw, ok := a.Property(PropertyLinkedOccurrence)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// ActivityProgress is one progress report on an activity occurrence.
type ActivityProgress struct {
	ActivityID    int             `json:"activity_id"`
	OccurrenceID  uint64          `json:"occurrence_id"`
	Stage         string          `json:"stage"`
	Time          time.Time       `json:"time"`
	State         OccurrenceState `json:"state"`
	ExecutionTime time.Time       `json:"execution_time,omitzero"`
	Status        ReportStatus    `json:"status"`
	NextState     OccurrenceState `json:"next_state"`
	Data          any             `json:"data,omitempty"`
}

// EventOccurrence is raised on the processing model for reports that carry
// no parameter semantics of their own.
type EventOccurrence struct {
	EventID        int            `json:"event_id"`
	Qualifier      string         `json:"qualifier,omitempty"`
	GenerationTime time.Time      `json:"generation_time"`
	ReceptionTime  time.Time      `json:"reception_time"`
	Route          string         `json:"route,omitempty"`
	Source         string         `json:"source,omitempty"`
	Items          map[string]any `json:"items,omitempty"`
}

// ActivityArgument is either a plain value or an array of records.
type ActivityArgument struct {
	Name    string           `json:"name"`
	Value   any              `json:"value,omitempty"`
	Records []ArgumentRecord `json:"records,omitempty"`
}

// ArgumentRecord is one element of an array argument.
type ArgumentRecord struct {
	Elements []ActivityArgument `json:"elements"`
}

// PlainArgument builds a scalar argument.
func PlainArgument(name string, value any) ActivityArgument {
	return ActivityArgument{Name: name, Value: value}
}

// ArrayArgument builds an array argument.
func ArrayArgument(name string, records ...ArgumentRecord) ActivityArgument {
	return ActivityArgument{Name: name, Records: records}
}

// IsArray reports whether the argument carries records.
func (a ActivityArgument) IsArray() bool { return a.Records != nil }

// ActivityRequest asks the processing model to start a new activity occurrence.
type ActivityRequest struct {
	ActivityID int                `json:"activity_id"`
	Path       string             `json:"path"`
	Arguments  []ActivityArgument `json:"arguments"`
	Properties map[string]string  `json:"properties,omitempty"`
	Route      string             `json:"route,omitempty"`
	Source     string             `json:"source,omitempty"`
}

// Argument returns the first argument with the given name.
func (r ActivityRequest) Argument(name string) (ActivityArgument, bool) {
	for _, a := range r.Arguments {
		if a.Name == name {
			return a, true
		}
	}
	return ActivityArgument{}, false
}

// ValueType is the engineering type of an argument.
type ValueType string

const (
	ValueUnsignedInteger ValueType = "UNSIGNED_INTEGER"
	ValueSignedInteger   ValueType = "SIGNED_INTEGER"
	ValueEnumerated      ValueType = "ENUMERATED"
	ValueReal            ValueType = "REAL"
	ValueBoolean         ValueType = "BOOLEAN"
	ValueCharacterString ValueType = "CHARACTER_STRING"
	ValueOctetString     ValueType = "OCTET_STRING"
	ValueAbsoluteTime    ValueType = "ABSOLUTE_TIME"
)

// ParseValue converts the textual form of a value to its Go representation.
func ParseValue(t ValueType, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch t {
	case ValueUnsignedInteger:
		return strconv.ParseUint(raw, 10, 64)
	case ValueSignedInteger, ValueEnumerated:
		return strconv.ParseInt(raw, 10, 64)
	case ValueReal:
		return strconv.ParseFloat(raw, 64)
	case ValueBoolean:
		return strconv.ParseBool(raw)
	case ValueCharacterString:
		return raw, nil
	case ValueOctetString:
		return base64.StdEncoding.DecodeString(raw)
	case ValueAbsoluteTime:
		return time.Parse(time.RFC3339Nano, raw)
	default:
		return nil, fmt.Errorf("unsupported value type %q", t)
	}
}

// ArgumentDescriptor describes one argument of an activity. A descriptor with
// elements is an array.
type ArgumentDescriptor struct {
	Name     string               `json:"name"`
	Type     ValueType            `json:"type,omitempty"`
	Elements []ArgumentDescriptor `json:"elements,omitempty"`
}

// IsArray reports whether the descriptor is an array.
func (d ArgumentDescriptor) IsArray() bool { return len(d.Elements) > 0 }

// ActivityDescriptor describes an activity definition.
type ActivityDescriptor struct {
	ActivityID int                  `json:"activity_id"`
	Path       string               `json:"path"`
	Arguments  []ArgumentDescriptor `json:"arguments"`
}

// Argument returns the named argument descriptor.
func (d ActivityDescriptor) Argument(name string) (ArgumentDescriptor, bool) {
	for _, a := range d.Arguments {
		if a.Name == name {
			return a, true
		}
	}
	return ArgumentDescriptor{}, false
}
