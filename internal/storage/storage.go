package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tbaxter/fopbot/internal/models"
)

const dayKeyLayout = "2006-01-02"

type fileData struct {
	Active   map[string]*models.Position `json:"active"`
	History  []*models.Position          `json:"history"`
	DailyPnL map[string]float64          `json:"daily_pnl"`
	Stats    Statistics                  `json:"statistics"`
}

// JSONStorage persists state to a single JSON file. Writes go through a
// temp file and rename so a crash never leaves a torn file behind.
type JSONStorage struct {
	mu   sync.RWMutex
	path string
	data fileData
}

var _ Interface = (*JSONStorage)(nil)

// NewJSONStorage opens or creates the store at path.
func NewJSONStorage(path string) (*JSONStorage, error) {
	s := &JSONStorage{
		path: path,
		data: fileData{
			Active:   make(map[string]*models.Position),
			DailyPnL: make(map[string]float64),
		},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
		return s, s.save()
	}
	if err != nil {
		return nil, fmt.Errorf("read storage file: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parse storage file %s: %w", path, err)
	}
	if s.data.Active == nil {
		s.data.Active = make(map[string]*models.Position)
	}
	if s.data.DailyPnL == nil {
		s.data.DailyPnL = make(map[string]float64)
	}
	return s, nil
}

// SavePosition implements Interface.
func (s *JSONStorage) SavePosition(pos *models.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *pos
	s.data.Active[pos.ID] = &cp
	return s.save()
}

// GetPosition implements Interface.
func (s *JSONStorage) GetPosition(id string) (*models.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.data.Active[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	cp := *pos
	return &cp, nil
}

// ActivePositions implements Interface.
func (s *JSONStorage) ActivePositions() []*models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Position, 0, len(s.data.Active))
	for _, pos := range s.data.Active {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// ArchivePosition implements Interface.
func (s *JSONStorage) ArchivePosition(id string, realized float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.data.Active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	delete(s.data.Active, id)

	pos.RealizedPnL = realized
	s.data.History = append(s.data.History, pos)

	day := pos.CloseTime
	if day.IsZero() {
		day = time.Now().UTC()
	}
	s.data.DailyPnL[day.UTC().Format(dayKeyLayout)] += realized
	s.data.Stats.record(realized)
	return s.save()
}

// History implements Interface.
func (s *JSONStorage) History() []*models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Position, 0, len(s.data.History))
	for _, pos := range s.data.History {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// DailyPnL implements Interface.
func (s *JSONStorage) DailyPnL(day time.Time) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.DailyPnL[day.UTC().Format(dayKeyLayout)]
}

// Statistics implements Interface.
func (s *JSONStorage) Statistics() Statistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Stats
}

// save writes the whole store atomically. Caller holds the write lock.
func (s *JSONStorage) save() error {
	raw, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".positions-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
