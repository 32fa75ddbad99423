package storage

import (
	"fmt"
	"sync"
	"time"

	"github.com/tbaxter/fopbot/internal/models"
)

// MockStorage is an in-memory Interface implementation for tests.
type MockStorage struct {
	mu      sync.RWMutex
	active  map[string]*models.Position
	history []*models.Position
	daily   map[string]float64
	stats   Statistics

	// SaveErr, when set, is returned by SavePosition to exercise error paths.
	SaveErr error
}

var _ Interface = (*MockStorage)(nil)

// NewMockStorage creates an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		active: make(map[string]*models.Position),
		daily:  make(map[string]float64),
	}
}

// SavePosition implements Interface.
func (m *MockStorage) SavePosition(pos *models.Position) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *pos
	m.active[pos.ID] = &cp
	return nil
}

// GetPosition implements Interface.
func (m *MockStorage) GetPosition(id string) (*models.Position, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	cp := *pos
	return &cp, nil
}

// ActivePositions implements Interface.
func (m *MockStorage) ActivePositions() []*models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Position, 0, len(m.active))
	for _, pos := range m.active {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// ArchivePosition implements Interface.
func (m *MockStorage) ArchivePosition(id string, realized float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	delete(m.active, id)
	pos.RealizedPnL = realized
	m.history = append(m.history, pos)

	day := pos.CloseTime
	if day.IsZero() {
		day = time.Now().UTC()
	}
	m.daily[day.UTC().Format(dayKeyLayout)] += realized
	m.stats.record(realized)
	return nil
}

// History implements Interface.
func (m *MockStorage) History() []*models.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*models.Position(nil), m.history...)
}

// DailyPnL implements Interface.
func (m *MockStorage) DailyPnL(day time.Time) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.daily[day.UTC().Format(dayKeyLayout)]
}

// Statistics implements Interface.
func (m *MockStorage) Statistics() Statistics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}
