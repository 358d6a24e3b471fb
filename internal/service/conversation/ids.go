package conversation

import (
	"context"
	"fmt"

	"convochat/internal/config"
	"convochat/internal/storage"
)

// idAllocator picks the id for a new conversation. Callers serialize calls.
type idAllocator interface {
	next(ctx context.Context) (int64, error)
}

// countAllocator uses the live conversation count plus one. Ids freed by a
// delete are handed out again, and when the computed id is still live the
// new conversation replaces it.
type countAllocator struct {
	store storage.Store
}

func (a countAllocator) next(ctx context.Context) (int64, error) {
	n, err := a.store.Count(ctx)
	if err != nil {
		return 0, err
	}
	return int64(n) + 1, nil
}

// monotonicAllocator never repeats an id within the process. It starts above
// the highest id already in the store.
type monotonicAllocator struct {
	last int64
}

func (a *monotonicAllocator) next(context.Context) (int64, error) {
	a.last++
	return a.last, nil
}

func newIDAllocator(ctx context.Context, strategy string, store storage.Store) (idAllocator, error) {
	switch strategy {
	case "", config.IDStrategyCount:
		return countAllocator{store: store}, nil
	case config.IDStrategyMonotonic:
		last, err := store.MaxID(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed id allocator: %w", err)
		}
		return &monotonicAllocator{last: last}, nil
	default:
		return nil, fmt.Errorf("unsupported id strategy: %s", strategy)
	}
}
