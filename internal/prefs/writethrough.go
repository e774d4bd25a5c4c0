package prefs

import (
	"context"
	"sync"
)

// WriteThrough layers an in-memory copy ahead of a durable Store so a read
// immediately following a write observes the new value even while the durable
// write is settling. Without it, resolution right after a preference write
// could race the store and pick a stale id.
type WriteThrough struct {
	durable Store

	mu      sync.RWMutex
	local   map[string]string
	removed map[string]struct{}
}

func NewWriteThrough(durable Store) *WriteThrough {
	return &WriteThrough{
		durable: durable,
		local:   make(map[string]string),
		removed: make(map[string]struct{}),
	}
}

func (w *WriteThrough) Get(ctx context.Context, key string) (string, error) {
	w.mu.RLock()
	if value, ok := w.local[key]; ok {
		w.mu.RUnlock()
		return value, nil
	}
	if _, ok := w.removed[key]; ok {
		w.mu.RUnlock()
		return "", ErrNotFound
	}
	w.mu.RUnlock()

	value, err := w.durable.Get(ctx, key)
	if err != nil {
		return "", err
	}
	w.mu.Lock()
	w.local[key] = value
	w.mu.Unlock()
	return value, nil
}

func (w *WriteThrough) Set(ctx context.Context, key, value string) error {
	w.mu.Lock()
	w.local[key] = value
	delete(w.removed, key)
	w.mu.Unlock()
	return w.durable.Set(ctx, key, value)
}

func (w *WriteThrough) Remove(ctx context.Context, key string) error {
	w.mu.Lock()
	delete(w.local, key)
	w.removed[key] = struct{}{}
	w.mu.Unlock()
	return w.durable.Remove(ctx, key)
}

func (w *WriteThrough) Ping(ctx context.Context) error {
	return w.durable.Ping(ctx)
}
