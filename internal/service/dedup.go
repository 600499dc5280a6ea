package service

import (
	"context"
	"fmt"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/alanyoungcy/otcsettle/internal/domain"
)

// dedup answers "was this command id applied before" with a bloom filter in
// front of the command store. A positive is confirmed against the store; a
// negative skips the lookup, and ids older than the warm window are still
// caught by the store's primary key when the batch is applied.
type dedup struct {
	filter *bloom.BloomFilter
	store  domain.CommandStore
}

func newDedup(store domain.CommandStore, capacity uint, fpRate float64) *dedup {
	if capacity == 0 {
		capacity = 1_000_000
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.001
	}
	return &dedup{filter: bloom.NewWithEstimates(capacity, fpRate), store: store}
}

// warm loads the most recent command ids into the filter.
func (d *dedup) warm(ctx context.Context, limit int) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	ids, err := d.store.Recent(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("service: warm dedup: %w", err)
	}
	for _, id := range ids {
		d.filter.AddString(id)
	}
	return len(ids), nil
}

func (d *dedup) seen(ctx context.Context, id string) (bool, error) {
	if !d.filter.TestString(id) {
		return false, nil
	}
	if d.store == nil {
		return true, nil
	}
	ok, err := d.store.Seen(ctx, id)
	if err != nil {
		return false, fmt.Errorf("service: dedup lookup %s: %w", id, err)
	}
	return ok, nil
}

func (d *dedup) add(id string) {
	d.filter.AddString(id)
}
