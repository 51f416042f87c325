package scheduling

import (
	"fmt"
	"strconv"
	"time"

	"github.com/signalsfoundry/pus-correlator/internal/tmtc"
	"github.com/signalsfoundry/pus-correlator/model"
)

// requestBuilder turns an original command into the arguments of the 11,4
// activity described by desc.
type requestBuilder struct {
	cfg  Config
	desc model.ActivityDescriptor
}

// build returns the request and the parsed sub-schedule id, if any.
// execution is the onboard execution time.
func (b requestBuilder) build(original *tmtc.TcTracker, execution time.Time) (model.ActivityRequest, any, error) {
	var (
		args        []model.ActivityArgument
		tail        []model.ActivityArgument
		subSchedule any
	)
	command := append([]byte(nil), original.Packet.Data...)

	for _, d := range b.desc.Arguments {
		switch {
		case b.cfg.SubScheduleIDName != "" && d.Name == b.cfg.SubScheduleIDName && !d.IsArray():
			raw, ok := original.Invocation.Property(model.PropertySubScheduleID)
			if !ok {
				continue
			}
			v, err := model.ParseValue(d.Type, raw)
			if err != nil {
				return model.ActivityRequest{}, nil, fmt.Errorf("sub-schedule id %q: %w", raw, err)
			}
			subSchedule = v
			args = append(args, model.PlainArgument(d.Name, v))
		case b.cfg.NumCommandsName != "" && d.Name == b.cfg.NumCommandsName && !d.IsArray():
			v, err := model.ParseValue(d.Type, "1")
			if err != nil {
				return model.ActivityRequest{}, nil, fmt.Errorf("%s: %w", d.Name, err)
			}
			args = append(args, model.PlainArgument(d.Name, v))
		case b.cfg.ArrayUsed && d.IsArray() && tail == nil:
			elements, err := timeAndCommand(d.Elements, execution, command)
			if err != nil {
				return model.ActivityRequest{}, nil, fmt.Errorf("array %s: %w", d.Name, err)
			}
			tail = []model.ActivityArgument{model.ArrayArgument(d.Name, model.ArgumentRecord{Elements: elements})}
		}
	}

	if !b.cfg.ArrayUsed {
		var plain []model.ArgumentDescriptor
		for _, d := range b.desc.Arguments {
			if d.IsArray() || d.Name == b.cfg.SubScheduleIDName || d.Name == b.cfg.NumCommandsName {
				continue
			}
			plain = append(plain, d)
		}
		elements, err := timeAndCommand(plain, execution, command)
		if err != nil {
			return model.ActivityRequest{}, nil, err
		}
		tail = elements
	}
	if tail == nil {
		return model.ActivityRequest{}, nil, fmt.Errorf("%s has no command array argument", b.desc.Path)
	}

	inv := original.Invocation
	return model.ActivityRequest{
		ActivityID: b.desc.ActivityID,
		Path:       b.desc.Path,
		Arguments:  append(args, tail...),
		Properties: map[string]string{
			model.PropertyLinkedOccurrence: strconv.FormatUint(inv.OccurrenceID, 10),
		},
		Route:  inv.Route,
		Source: inv.Source,
	}, subSchedule, nil
}

// timeAndCommand picks the first absolute time and the first octet string
// descriptors and fills them with the execution time and the command packet.
func timeAndCommand(descs []model.ArgumentDescriptor, execution time.Time, command []byte) ([]model.ActivityArgument, error) {
	var at, tc *model.ActivityArgument
	for _, d := range descs {
		switch {
		case d.Type == model.ValueAbsoluteTime && at == nil:
			a := model.PlainArgument(d.Name, execution)
			at = &a
		case d.Type == model.ValueOctetString && tc == nil:
			a := model.PlainArgument(d.Name, command)
			tc = &a
		}
	}
	if at == nil {
		return nil, fmt.Errorf("no %s argument", model.ValueAbsoluteTime)
	}
	if tc == nil {
		return nil, fmt.Errorf("no %s argument", model.ValueOctetString)
	}
	return []model.ActivityArgument{*at, *tc}, nil
}
