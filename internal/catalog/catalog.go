// Package catalog serves activity descriptors loaded from a JSON file.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/signalsfoundry/pus-correlator/model"
)

// Catalog is an activity descriptor lookup keyed by path.
type Catalog struct {
	mu    sync.RWMutex
	byKey map[string]model.ActivityDescriptor
}

// New returns a catalog holding descs. Later duplicates replace earlier ones.
func New(descs ...model.ActivityDescriptor) *Catalog {
	c := &Catalog{byKey: make(map[string]model.ActivityDescriptor, len(descs))}
	for _, d := range descs {
		c.byKey[d.Path] = d
	}
	return c
}

// Load reads a JSON array of activity descriptors from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var descs []model.ActivityDescriptor
	if err := json.Unmarshal(data, &descs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var errs []error
	for i, d := range descs {
		if d.Path == "" {
			errs = append(errs, fmt.Errorf("descriptor %d: empty path", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(descs...), nil
}

// Put adds or replaces a descriptor.
func (c *Catalog) Put(d model.ActivityDescriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[d.Path] = d
}

// Len returns the number of descriptors.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

// Descriptor implements model.ActivityDescriptorLookup.
func (c *Catalog) Descriptor(_ context.Context, path string) (model.ActivityDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.byKey[path]
	if !ok {
		return model.ActivityDescriptor{}, fmt.Errorf("%s: %w", path, model.ErrDescriptorNotFound)
	}
	return d, nil
}
