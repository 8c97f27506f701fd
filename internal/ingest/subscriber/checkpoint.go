package subscriber

import (
	"context"
	"sync"
)

// CheckpointStore persists the highest block seen per stream. The Redis
// client implements it.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, stream string) (uint64, error)
	SetCheckpoint(ctx context.Context, stream string, block uint64) error
}

// MemoryCheckpoints keeps checkpoints for the life of the process.
type MemoryCheckpoints struct {
	mu     sync.Mutex
	blocks map[string]uint64
}

func NewMemoryCheckpoints() *MemoryCheckpoints {
	return &MemoryCheckpoints{blocks: make(map[string]uint64)}
}

func (m *MemoryCheckpoints) GetCheckpoint(ctx context.Context, stream string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blocks[stream], nil
}

func (m *MemoryCheckpoints) SetCheckpoint(ctx context.Context, stream string, block uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if block > m.blocks[stream] {
		m.blocks[stream] = block
	}
	return nil
}
