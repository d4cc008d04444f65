package service

import "github.com/staydesk/backend/internal/models"

// Workload counts the open tasks assigned to staffID.
func Workload(staffID string, tasks []models.MaintenanceTask) int {
	n := 0
	for _, t := range tasks {
		if t.StaffID != nil && *t.StaffID == staffID && t.Status.Open() {
			n++
		}
	}
	return n
}

func Workloads(staff []models.MaintenanceStaff, tasks []models.MaintenanceTask) map[string]int {
	out := make(map[string]int, len(staff))
	for _, s := range staff {
		out[s.ID] = 0
	}
	for _, t := range tasks {
		if t.StaffID == nil || !t.Status.Open() {
			continue
		}
		if _, ok := out[*t.StaffID]; ok {
			out[*t.StaffID]++
		}
	}
	return out
}
