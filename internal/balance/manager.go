package balance

import (
	"sort"
	"sync"
	"time"
)

// Asset is one balance line of an account snapshot.
type Asset struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free plus locked.
func (a Asset) Total() float64 { return a.Free + a.Locked }

// Manager keeps the latest account snapshot in memory. Snapshots arrive on every
// account update so nothing here is persisted.
type Manager struct {
	mu        sync.RWMutex
	assets    map[string]Asset
	eventTime int64 // ms of the newest applied snapshot
	lastSync  time.Time
}

// NewManager creates an empty balance state.
func NewManager() *Manager {
	return &Manager{assets: make(map[string]Asset)}
}

// ApplySnapshot merges balances reported at eventTime. Snapshots older than the
// newest applied one are ignored; it reports whether anything was applied.
func (m *Manager) ApplySnapshot(eventTime int64, assets []Asset) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eventTime > 0 && eventTime < m.eventTime {
		return false
	}
	for _, a := range assets {
		if a.Asset == "" {
			continue
		}
		m.assets[a.Asset] = a
	}
	if eventTime > m.eventTime {
		m.eventTime = eventTime
	}
	m.lastSync = time.Now()
	return true
}

// Get returns one asset balance.
func (m *Manager) Get(asset string) (Asset, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[asset]
	return a, ok
}

// Snapshot returns every asset sorted by name.
func (m *Manager) Snapshot() []Asset {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Asset, 0, len(m.assets))
	for _, a := range m.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// LastSync returns when the last snapshot was applied.
func (m *Manager) LastSync() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSync
}
