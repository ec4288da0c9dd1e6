package segmentation

import (
	"context"
	"fmt"
	"sync"

	"wellplate/internal/models"
)

// MaskStore persists label masks keyed by well index and channel name.
// LoadMask reports models.ErrMaskNotFound for absent masks.
type MaskStore interface {
	LoadMask(ctx context.Context, well int, channel string) (*models.LabelMask, error)
	SaveMask(ctx context.Context, well int, channel string, mask *models.LabelMask) error
	HasMask(ctx context.Context, well int, channel string) (bool, error)
}

type maskKey struct {
	well    int
	channel string
}

// MemoryMasks is an in-memory MaskStore
type MemoryMasks struct {
	mu    sync.RWMutex
	masks map[maskKey]*models.LabelMask
}

// NewMemoryMasks creates an empty store
func NewMemoryMasks() *MemoryMasks {
	return &MemoryMasks{masks: make(map[maskKey]*models.LabelMask)}
}

func (m *MemoryMasks) LoadMask(_ context.Context, well int, channel string) (*models.LabelMask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mask, ok := m.masks[maskKey{well, channel}]
	if !ok {
		return nil, fmt.Errorf("%w: well %d channel %q", models.ErrMaskNotFound, well, channel)
	}
	return mask, nil
}

func (m *MemoryMasks) SaveMask(_ context.Context, well int, channel string, mask *models.LabelMask) error {
	if mask == nil {
		return fmt.Errorf("nil mask for well %d", well)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masks[maskKey{well, channel}] = mask
	return nil
}

func (m *MemoryMasks) HasMask(_ context.Context, well int, channel string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.masks[maskKey{well, channel}]
	return ok, nil
}

// Len returns the number of stored masks
func (m *MemoryMasks) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.masks)
}
