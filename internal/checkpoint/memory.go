package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/arclight/agentcore/pkg/models"
)

// MemoryStore is an in-memory Store implementation for testing and local
// runs, mirroring the clone-on-read discipline of internal/sessions.MemoryStore.
type MemoryStore struct {
	mu        sync.RWMutex
	manifests map[string][]models.ManifestEntry          // threadID -> entries, append order
	states    map[string]map[string]*models.StateSnapshot // threadID -> checkpointID -> snapshot
	pending   map[string][]models.PendingWrite            // threadID -> pending writes
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		manifests: map[string][]models.ManifestEntry{},
		states:    map[string]map[string]*models.StateSnapshot{},
		pending:   map[string][]models.PendingWrite{},
	}
}

func cloneSnapshot(s *models.StateSnapshot) *models.StateSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = append([]*models.ChatMessage(nil), s.Messages...)
	if s.LoopState != nil {
		out.LoopState = append([]byte(nil), s.LoopState...)
	}
	if s.Branches != nil {
		out.Branches = make(map[string]string, len(s.Branches))
		for k, v := range s.Branches {
			out.Branches[k] = v
		}
	}
	return &out
}

func (m *MemoryStore) SaveAt(ctx context.Context, entry models.ManifestEntry, state *models.StateSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.BranchName != "" {
		for _, e := range m.manifests[entry.ThreadID] {
			if e.BranchName == entry.BranchName && e.CheckpointID != entry.CheckpointID {
				return ErrBranchExists
			}
		}
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.manifests[entry.ThreadID] = append(m.manifests[entry.ThreadID], entry)
	if _, ok := m.states[entry.ThreadID]; !ok {
		m.states[entry.ThreadID] = map[string]*models.StateSnapshot{}
	}
	m.states[entry.ThreadID][entry.CheckpointID] = cloneSnapshot(state)
	return nil
}

func (m *MemoryStore) Load(ctx context.Context, threadID, checkpointID string) (*models.StateSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID, ok := m.states[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	if checkpointID == "" {
		entries := m.manifests[threadID]
		if len(entries) == 0 {
			return nil, ErrThreadNotFound
		}
		checkpointID = entries[len(entries)-1].CheckpointID
	}
	state, ok := byID[checkpointID]
	if !ok {
		return nil, ErrCheckpointNotFound
	}
	return cloneSnapshot(state), nil
}

func (m *MemoryStore) Manifest(ctx context.Context, threadID string, limit int, before string) ([]models.ManifestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.manifests[threadID]
	cutoff := len(entries)
	if before != "" {
		for i, e := range entries {
			if e.CheckpointID == before {
				cutoff = i
				break
			}
		}
	}
	out := make([]models.ManifestEntry, cutoff)
	copy(out, entries[:cutoff])
	// Most recent first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ManifestEntry(ctx context.Context, threadID, checkpointID string) (models.ManifestEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.manifests[threadID] {
		if e.CheckpointID == checkpointID {
			return e, nil
		}
	}
	return models.ManifestEntry{}, ErrCheckpointNotFound
}

func (m *MemoryStore) UpdateManifestEntry(ctx context.Context, threadID, checkpointID string, mutate ManifestMutator) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.manifests[threadID]
	for i := range entries {
		if entries[i].CheckpointID == checkpointID {
			mutate(&entries[i])
			return nil
		}
	}
	return ErrCheckpointNotFound
}

func (m *MemoryStore) Delete(ctx context.Context, threadID string, checkpointIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	remove := make(map[string]bool, len(checkpointIDs))
	for _, id := range checkpointIDs {
		remove[id] = true
	}
	entries := m.manifests[threadID]
	kept := entries[:0:0]
	for _, e := range entries {
		if !remove[e.CheckpointID] {
			kept = append(kept, e)
		}
	}
	m.manifests[threadID] = kept
	for id := range remove {
		delete(m.states[threadID], id)
	}
	return nil
}

func (m *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.manifests, threadID)
	delete(m.states, threadID)
	delete(m.pending, threadID)
	return nil
}

func (m *MemoryStore) SavePendingWrite(ctx context.Context, pw models.PendingWrite) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pw.CreatedAt.IsZero() {
		pw.CreatedAt = time.Now()
	}
	m.pending[pw.ThreadID] = append(m.pending[pw.ThreadID], pw)
	return nil
}

func (m *MemoryStore) PendingWrites(ctx context.Context, threadID string, iteration int) ([]models.PendingWrite, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.PendingWrite
	for _, pw := range m.pending[threadID] {
		if pw.Iteration == iteration {
			out = append(out, pw)
		}
	}
	return out, nil
}

func (m *MemoryStore) ClearPendingWrites(ctx context.Context, threadID string, throughIteration int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.pending[threadID][:0:0]
	for _, pw := range m.pending[threadID] {
		if pw.Iteration > throughIteration {
			kept = append(kept, pw)
		}
	}
	m.pending[threadID] = kept
	return nil
}
