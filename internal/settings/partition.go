package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/keyfold/keyfold/internal/partition"
)

// PartitionCategory is the settings category holding PII routing.
const PartitionCategory = "partition"

// PartitionSource adapts the settings store to the partition router's
// source interface.
type PartitionSource struct {
	store *Store
}

// NewPartitionSource wires the router to versioned settings.
func NewPartitionSource(store *Store) *PartitionSource {
	return &PartitionSource{store: store}
}

// LoadPartitionSettings reads the live partition snapshot. A category that
// was never written yields the safe default: everything routes to the
// default partition.
func (p *PartitionSource) LoadPartitionSettings(ctx context.Context) (*partition.Settings, error) {
	rec, err := p.store.Current(ctx, PartitionCategory)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			return &partition.Settings{DefaultPartition: "default"}, nil
		}
		return nil, err
	}

	var s partition.Settings
	if err := json.Unmarshal(rec.Snapshot, &s); err != nil {
		return nil, fmt.Errorf("invalid partition settings snapshot: %w", err)
	}
	if s.DefaultPartition == "" {
		s.DefaultPartition = "default"
	}
	return &s, nil
}
