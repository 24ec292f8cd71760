package controller

import (
	"sync"

	"raidline/internal/domain"
)

// manager indexes the raids visible in one community. ops serializes creation and removal
// so the duplicate check and the insert happen together.
type manager struct {
	community string
	ops       sync.Mutex

	mu        sync.RWMutex
	raids     map[string]*domain.Raid
	byKey     map[domain.Key]string
	artifacts map[string]string
	owned     map[string][]string
}

func newManager(community string) *manager {
	return &manager{
		community: community,
		raids:     map[string]*domain.Raid{},
		byKey:     map[domain.Key]string{},
		artifacts: map[string]string{},
		owned:     map[string][]string{},
	}
}

func (m *manager) add(r *domain.Raid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.raids[r.ID] = r
	m.byKey[r.Key()] = r.ID
	m.indexLocked(r)
}

func (m *manager) index(r *domain.Raid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.raids[r.ID]; !ok {
		return
	}
	m.indexLocked(r)
}

func (m *manager) indexLocked(r *domain.Raid) {
	for _, id := range m.owned[r.ID] {
		delete(m.artifacts, id)
	}
	h, ok := r.Handle(m.community)
	if !ok {
		delete(m.owned, r.ID)
		return
	}
	var ids []string
	for _, ref := range h.Refs() {
		m.artifacts[ref.MessageID] = r.ID
		ids = append(ids, ref.MessageID)
	}
	m.owned[r.ID] = ids
}

func (m *manager) remove(r *domain.Raid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.raids, r.ID)
	if m.byKey[r.Key()] == r.ID {
		delete(m.byKey, r.Key())
	}
	for _, id := range m.owned[r.ID] {
		delete(m.artifacts, id)
	}
	delete(m.owned, r.ID)
}

func (m *manager) byArtifact(messageID string) (*domain.Raid, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.artifacts[messageID]
	if !ok {
		return nil, false
	}
	r, ok := m.raids[id]
	return r, ok
}

func (m *manager) duplicate(key domain.Key) (*domain.Raid, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[key]
	if !ok {
		return nil, false
	}
	return m.raids[id], true
}

func (m *manager) list() []*domain.Raid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Raid, 0, len(m.raids))
	for _, r := range m.raids {
		out = append(out, r)
	}
	return out
}
