package alarms

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryManager keeps alarms in process memory. It is the default backend when no
// external fault manager is configured, and what the replay command uses.
type MemoryManager struct {
	mu     sync.RWMutex
	alarms map[string]Alarm
	logger *zap.Logger
	now    func() time.Time
}

// NewMemoryManager creates an empty in-memory manager
func NewMemoryManager(logger *zap.Logger) *MemoryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryManager{
		alarms: make(map[string]Alarm),
		logger: logger.Named("alarms"),
		now:    time.Now,
	}
}

// Raise implements Manager
func (m *MemoryManager) Raise(ctx context.Context, alarm Alarm) (string, error) {
	if alarm.ID == "" || alarm.EntityInstanceID == "" {
		return "", fmt.Errorf("%w: alarm id and entity are required", ErrRejected)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := alarmKey(alarm.ID, alarm.EntityInstanceID)
	if existing, ok := m.alarms[key]; ok {
		// Re-raising replaces the record but keeps its identity
		alarm.UUID = existing.UUID
	} else {
		alarm.UUID = uuid.New().String()
	}
	alarm.RaisedAt = m.now()
	m.alarms[key] = alarm

	m.logger.Debug("Alarm recorded",
		zap.String("alarm_id", string(alarm.ID)),
		zap.String("uuid", alarm.UUID))
	return alarm.UUID, nil
}

// Clear implements Manager
func (m *MemoryManager) Clear(ctx context.Context, id ID, entityInstanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alarmKey(id, entityInstanceID)
	if _, ok := m.alarms[key]; !ok {
		return fmt.Errorf("clear %s for %s: %w", id, entityInstanceID, ErrNotFound)
	}
	delete(m.alarms, key)
	return nil
}

// List implements Manager
func (m *MemoryManager) List(ctx context.Context, id ID) ([]Alarm, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Alarm
	for _, a := range m.alarms {
		if a.ID == id {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityInstanceID < out[j].EntityInstanceID })
	return out, nil
}

// Active returns every raised alarm regardless of kind
func (m *MemoryManager) Active() []Alarm {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Alarm, 0, len(m.alarms))
	for _, a := range m.alarms {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
