package storage

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Partitions holds the CORE adapter plus one adapter per PII partition.
// The registry is immutable after construction; the partition router
// consults Names() to validate rule targets.
type Partitions struct {
	core Adapter
	pii  map[string]Adapter
}

// NewPartitions connects the CORE adapter and every configured PII partition.
// dsns maps partition name -> DSN.
func NewPartitions(ctx context.Context, coreDSN string, dsns map[string]string, timeout time.Duration) (*Partitions, error) {
	core, err := NewPostgres(ctx, coreDSN, timeout)
	if err != nil {
		return nil, fmt.Errorf("core partition: %w", err)
	}

	pii := make(map[string]Adapter, len(dsns))
	for name, dsn := range dsns {
		a, err := NewPostgres(ctx, dsn, timeout)
		if err != nil {
			return nil, fmt.Errorf("pii partition %q: %w", name, err)
		}
		pii[name] = a
	}

	return &Partitions{core: core, pii: pii}, nil
}

// NewPartitionsFromAdapters builds a registry from pre-built adapters (tests).
func NewPartitionsFromAdapters(core Adapter, pii map[string]Adapter) *Partitions {
	if pii == nil {
		pii = map[string]Adapter{}
	}
	return &Partitions{core: core, pii: pii}
}

// Core returns the CORE adapter.
func (p *Partitions) Core() Adapter { return p.core }

// PII returns the adapter for the named partition.
func (p *Partitions) PII(name string) (Adapter, error) {
	a, ok := p.pii[name]
	if !ok {
		return nil, fmt.Errorf("unknown pii partition %q", name)
	}
	return a, nil
}

// Has reports whether the named partition is registered.
func (p *Partitions) Has(name string) bool {
	_, ok := p.pii[name]
	return ok
}

// Close releases every underlying pool.
func (p *Partitions) Close() {
	type closer interface{ Close() }
	if c, ok := p.core.(closer); ok {
		c.Close()
	}
	for _, a := range p.pii {
		if c, ok := a.(closer); ok {
			c.Close()
		}
	}
}

// Names lists the registered PII partitions, sorted.
func (p *Partitions) Names() []string {
	names := make([]string, 0, len(p.pii))
	for name := range p.pii {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
