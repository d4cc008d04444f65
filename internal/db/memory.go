package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/staydesk/backend/internal/models"
)

// MemoryStore keeps everything in process memory. It satisfies the same
// contract as Store and is used when no database is configured.
type MemoryStore struct {
	// Now stamps claims; it defaults to time.Now.
	Now func() time.Time

	mu            sync.Mutex
	messages      map[string]models.Message
	claimedAt     map[string]time.Time
	bookings      map[string]models.Booking
	tasks         []models.MaintenanceTask
	logs          []models.LogEntry
	notifications []models.Notification
	alerts        []models.Alert
	runs          []models.Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  map[string]models.Message{},
		claimedAt: map[string]time.Time{},
		bookings:  map[string]models.Booking{},
	}
}

func (m *MemoryStore) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) InsertMessage(_ context.Context, msg models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[msg.ID]; ok {
		return fmt.Errorf("message %s already exists", msg.ID)
	}
	m.messages[msg.ID] = cloneMessage(msg)
	return nil
}

func (m *MemoryStore) InsertMessages(ctx context.Context, msgs []models.Message) (int64, error) {
	var n int64
	for _, msg := range msgs {
		if err := m.InsertMessage(ctx, msg); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (m *MemoryStore) ListMessages(_ context.Context, f MessageFilter) ([]models.Message, error) {
	m.mu.Lock()
	out := make([]models.Message, 0, len(m.messages))
	for _, msg := range m.messages {
		if f.Status != "" && msg.Status != f.Status {
			continue
		}
		out = append(out, cloneMessage(msg))
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return page(out, f.Offset, clampLimit(f.Limit, 50, 500)), nil
}

func (m *MemoryStore) ListMessageIDsByStatus(_ context.Context, status models.MessageStatus) ([]string, error) {
	m.mu.Lock()
	matched := make([]models.Message, 0)
	for _, msg := range m.messages {
		if msg.Status == status {
			matched = append(matched, msg)
		}
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	ids := make([]string, len(matched))
	for i, msg := range matched {
		ids[i] = msg.ID
	}
	return ids, nil
}

func (m *MemoryStore) ClaimMessage(_ context.Context, id string) (models.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return models.Message{}, false, ErrNotFound
	}
	if msg.Status != models.MessageNew {
		return models.Message{}, false, nil
	}
	msg.Status = models.MessageProcessing
	m.messages[id] = msg
	m.claimedAt[id] = m.now()
	return cloneMessage(msg), true, nil
}

func (m *MemoryStore) FailStaleMessages(_ context.Context, olderThan time.Duration) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-olderThan)
	var out []models.Message
	for id, msg := range m.messages {
		if msg.Status != models.MessageProcessing {
			continue
		}
		claimed, ok := m.claimedAt[id]
		if !ok {
			claimed = msg.Timestamp
		}
		if !claimed.Before(cutoff) {
			continue
		}
		msg.Status = models.MessageFailed
		m.messages[id] = msg
		out = append(out, cloneMessage(msg))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) FinishMessage(_ context.Context, id string, status models.MessageStatus, aiResponse string, sources []models.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Status != models.MessageProcessing {
		return ErrConflict
	}
	msg.Status = status
	msg.AIResponse = aiResponse
	msg.GroundingSources = nil
	if len(sources) > 0 {
		msg.GroundingSources = append([]models.Source(nil), sources...)
	}
	m.messages[id] = msg
	return nil
}

func (m *MemoryStore) RequeueMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return ErrNotFound
	}
	if msg.Status != models.MessageFailed {
		return ErrConflict
	}
	msg.Status = models.MessageNew
	msg.AIResponse = ""
	msg.GroundingSources = nil
	m.messages[id] = msg
	return nil
}

func (m *MemoryStore) InsertBookings(_ context.Context, bookings []models.Booking) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range bookings {
		if _, ok := m.bookings[b.ID]; ok {
			return 0, fmt.Errorf("booking %s already exists", b.ID)
		}
	}
	for _, b := range bookings {
		m.bookings[b.ID] = b
	}
	return int64(len(bookings)), nil
}

func (m *MemoryStore) ListBookings(context.Context) ([]models.Booking, error) {
	m.mu.Lock()
	out := make([]models.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		out = append(out, b)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CheckIn.Equal(out[j].CheckIn) {
			return out[i].ID < out[j].ID
		}
		return out[i].CheckIn.Before(out[j].CheckIn)
	})
	return out, nil
}

func (m *MemoryStore) EmitLifecycleMessage(_ context.Context, bookingID string, kind models.LifecycleType, msg models.Message) (bool, error) {
	if _, ok := lifecycleColumn(kind); !ok {
		return false, fmt.Errorf("unknown lifecycle type %q", kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return false, ErrNotFound
	}
	if b.AutomatedMessagesSent.Sent(kind) {
		return false, nil
	}
	if _, exists := m.messages[msg.ID]; exists {
		return false, fmt.Errorf("message %s already exists", msg.ID)
	}
	b.AutomatedMessagesSent.Mark(kind)
	m.bookings[bookingID] = b
	m.messages[msg.ID] = cloneMessage(msg)
	return true, nil
}

func (m *MemoryStore) AppendTask(_ context.Context, build BuildTask) (models.MaintenanceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := make([]models.MaintenanceTask, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Status.Open() {
			open = append(open, t)
		}
	}
	t, err := build(open)
	if err != nil {
		return models.MaintenanceTask{}, err
	}
	m.tasks = append(m.tasks, t)
	return t, nil
}

func (m *MemoryStore) ListTasks(_ context.Context, f TaskFilter) ([]models.MaintenanceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.MaintenanceTask, 0, len(m.tasks))
	for i := len(m.tasks) - 1; i >= 0; i-- {
		t := m.tasks[i]
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.StaffID != "" && (t.StaffID == nil || *t.StaffID != f.StaffID) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (m *MemoryStore) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus) (models.MaintenanceTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.tasks {
		if m.tasks[i].ID == id {
			m.tasks[i].Status = status
			return m.tasks[i], nil
		}
	}
	return models.MaintenanceTask{}, ErrNotFound
}

func (m *MemoryStore) AppendLog(_ context.Context, e models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, e)
	return nil
}

func (m *MemoryStore) ListLogs(_ context.Context, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.logs, clampLimit(limit, 100, 1000)), nil
}

func (m *MemoryStore) InsertNotification(_ context.Context, n models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications = append(m.notifications, n)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.notifications, clampLimit(limit, 100, 1000)), nil
}

func (m *MemoryStore) InsertAlert(_ context.Context, a models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return nil
}

func (m *MemoryStore) ListAlerts(_ context.Context, limit int) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return newestFirst(m.alerts, clampLimit(limit, 100, 1000)), nil
}

func (m *MemoryStore) CreateRun(_ context.Context, kind, status string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.runs = append(m.runs, models.Run{ID: id, Kind: kind, Status: status, StartedAt: time.Now().UTC()})
	return id, nil
}

func (m *MemoryStore) FinishRun(_ context.Context, runID string, status string, summary []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.runs {
		if m.runs[i].ID == runID {
			now := time.Now().UTC()
			m.runs[i].Status = status
			m.runs[i].Summary = append([]byte(nil), summary...)
			m.runs[i].FinishedAt = &now
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) GetLatestRun(_ context.Context, kind string) (models.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.runs) - 1; i >= 0; i-- {
		if kind == "" || m.runs[i].Kind == kind {
			return m.runs[i], nil
		}
	}
	return models.Run{}, ErrNotFound
}

func cloneMessage(msg models.Message) models.Message {
	if msg.GroundingSources != nil {
		msg.GroundingSources = append([]models.Source(nil), msg.GroundingSources...)
	}
	return msg
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func newestFirst[T any](items []T, limit int) []T {
	out := make([]T, 0, limit)
	for i := len(items) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, items[i])
	}
	return out
}
