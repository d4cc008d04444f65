package db

import (
	"errors"

	"github.com/staydesk/backend/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update finds the row in another state.
	ErrConflict = errors.New("state changed concurrently")
)

type MessageFilter struct {
	Status models.MessageStatus
	Limit  int
	Offset int
}

type TaskFilter struct {
	Status  models.TaskStatus
	StaffID string
}

// BuildTask receives the open tasks at the moment of the append and returns
// the task to insert.
type BuildTask func(open []models.MaintenanceTask) (models.MaintenanceTask, error)

func clampLimit(limit, def, max int) int {
	if limit <= 0 || limit > max {
		return def
	}
	return limit
}

func lifecycleColumn(kind models.LifecycleType) (string, bool) {
	switch kind {
	case models.PreArrival:
		return "pre_arrival_sent", true
	case models.MidStay:
		return "mid_stay_sent", true
	case models.PreDeparture:
		return "pre_departure_sent", true
	}
	return "", false
}
