package model

import (
	"context"
	"errors"
)

// ErrDescriptorNotFound is returned by lookups for unknown activity paths.
var ErrDescriptorNotFound = errors.New("activity descriptor not found")

// ProcessingModel is the monitoring-and-control core the packet services
// report into. Calls are synchronous.
type ProcessingModel interface {
	RaiseEvent(ctx context.Context, ev EventOccurrence)
	ReportActivityProgress(ctx context.Context, p ActivityProgress)
	StartActivity(ctx context.Context, req ActivityRequest) (uint64, error)
}

// ActivityDescriptorLookup resolves activity definitions by path.
type ActivityDescriptorLookup interface {
	Descriptor(ctx context.Context, path string) (ActivityDescriptor, error)
}
