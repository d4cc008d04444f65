package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/staydesk/backend/internal/models"
)

const (
	ReasonNoEligibleStaff    = "NO_ELIGIBLE_STAFF"
	ReasonGeneralistFallback = "GENERALIST_FALLBACK"
	ReasonSingleCandidate    = "SINGLE_CANDIDATE"
	ReasonLowestWorkload     = "LOWEST_WORKLOAD"
	ReasonRoundRobin         = "ROUND_ROBIN"
)

// StaffDirectory is the read-only roster the dispatcher picks from.
type StaffDirectory interface {
	Staff() []models.MaintenanceStaff
	LocationOf(property string) string
	Generalist() (models.MaintenanceStaff, bool)
}

// Counters hands out round-robin positions per specialization keyword.
type Counters interface {
	Next(ctx context.Context, key string) (int64, error)
	Peek(ctx context.Context, key string) (int64, error)
}

type Dispatcher struct {
	Directory StaffDirectory
	Counters  Counters
	Logger    zerolog.Logger
}

type Assignment struct {
	StaffID   string
	StaffName string
}

type DispatchStage struct {
	Name       string                    `json:"name"`
	Candidates []models.MaintenanceStaff `json:"candidates"`
}

// DispatchTrace records how a dispatch decision narrows the roster.
type DispatchTrace struct {
	Location   string                    `json:"location"`
	Stages     []DispatchStage           `json:"stages"`
	Workloads  map[string]int            `json:"workloads,omitempty"`
	Tied       []models.MaintenanceStaff `json:"tied,omitempty"`
	CounterKey string                    `json:"counter_key,omitempty"`
	ReasonCode string                    `json:"reason_code"`
	ReasonText string                    `json:"reason_text"`
	Picked     *models.MaintenanceStaff  `json:"picked,omitempty"`
}

// Evaluate runs every dispatch rule except the round-robin pick. When the
// trace ends in ReasonRoundRobin, Tied holds the subset and CounterKey the
// counter to consult.
func (d *Dispatcher) Evaluate(description, property string, openTasks []models.MaintenanceTask) DispatchTrace {
	desc := strings.ToLower(description)
	staff := d.Directory.Staff()
	trace := DispatchTrace{Location: d.Directory.LocationOf(property)}

	pool := filterStaff(staff, func(s models.MaintenanceStaff) bool {
		return matchesDescription(s, desc)
	})
	trace.Stages = append(trace.Stages, DispatchStage{Name: "keyword_pool", Candidates: pool})

	candidates := pool
	if trace.Location != "" {
		local := filterStaff(pool, func(s models.MaintenanceStaff) bool {
			return s.Location == trace.Location
		})
		if len(local) > 0 {
			candidates = local
		}
	}
	trace.Stages = append(trace.Stages, DispatchStage{Name: "location_rule", Candidates: candidates})

	if len(candidates) == 0 {
		g, ok := d.Directory.Generalist()
		if !ok {
			trace.ReasonCode = ReasonNoEligibleStaff
			trace.ReasonText = "No specialist matched and no generalist is on the roster"
			return trace
		}
		candidates = []models.MaintenanceStaff{g}
		trace.Stages = append(trace.Stages, DispatchStage{Name: "generalist_fallback", Candidates: candidates})
		trace.ReasonCode = ReasonGeneralistFallback
		trace.ReasonText = "No specialist matched, assigned to the generalist"
		trace.Picked = &candidates[0]
		return trace
	}

	if len(candidates) == 1 {
		trace.ReasonCode = ReasonSingleCandidate
		trace.ReasonText = "Only one matching specialist"
		trace.Picked = &candidates[0]
		return trace
	}

	trace.Workloads = Workloads(candidates, openTasks)
	minLoad := -1
	for _, c := range candidates {
		if load := trace.Workloads[c.ID]; minLoad == -1 || load < minLoad {
			minLoad = load
		}
	}
	tied := filterStaff(candidates, func(s models.MaintenanceStaff) bool {
		return trace.Workloads[s.ID] == minLoad
	})
	trace.Stages = append(trace.Stages, DispatchStage{Name: "workload_rule", Candidates: tied})

	if len(tied) == 1 {
		trace.ReasonCode = ReasonLowestWorkload
		trace.ReasonText = "Specialist with the fewest open tasks"
		trace.Picked = &tied[0]
		return trace
	}

	trace.Tied = tied
	trace.CounterKey = counterKey(candidates)
	trace.ReasonCode = ReasonRoundRobin
	trace.ReasonText = "Equal workload, rotating between specialists"
	return trace
}

// Assign picks the staff member for a task. A false result means the task
// stays unassigned.
func (d *Dispatcher) Assign(ctx context.Context, description, property string, openTasks []models.MaintenanceTask) (Assignment, bool) {
	trace := d.Evaluate(description, property, openTasks)
	if trace.ReasonCode == ReasonRoundRobin {
		idx := 0
		n, err := d.Counters.Next(ctx, trace.CounterKey)
		if err != nil {
			d.Logger.Warn().Err(err).Str("key", trace.CounterKey).Msg("round robin counter unavailable, using first tied candidate")
		} else {
			idx = int(n % int64(len(trace.Tied)))
		}
		trace.Picked = &trace.Tied[idx]
	}
	if trace.Picked == nil {
		return Assignment{}, false
	}
	d.Logger.Debug().
		Str("staff_id", trace.Picked.ID).
		Str("reason", trace.ReasonCode).
		Str("property", property).
		Msg("task dispatched")
	return Assignment{StaffID: trace.Picked.ID, StaffName: trace.Picked.Name}, true
}

// Preview is Evaluate plus the pick the next round robin would make, without
// advancing any counter.
func (d *Dispatcher) Preview(ctx context.Context, description, property string, openTasks []models.MaintenanceTask) (DispatchTrace, error) {
	trace := d.Evaluate(description, property, openTasks)
	if trace.ReasonCode != ReasonRoundRobin {
		return trace, nil
	}
	n, err := d.Counters.Peek(ctx, trace.CounterKey)
	if err != nil {
		return trace, err
	}
	trace.Picked = &trace.Tied[int(n%int64(len(trace.Tied)))]
	return trace, nil
}

func matchesDescription(s models.MaintenanceStaff, desc string) bool {
	for _, kw := range s.Specializations {
		if kw == models.GeneralSpecialization || kw == "" {
			continue
		}
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

func counterKey(candidates []models.MaintenanceStaff) string {
	if len(candidates) == 0 || len(candidates[0].Specializations) == 0 {
		return models.GeneralSpecialization
	}
	return candidates[0].Specializations[0]
}

func filterStaff(staff []models.MaintenanceStaff, keep func(models.MaintenanceStaff) bool) []models.MaintenanceStaff {
	out := make([]models.MaintenanceStaff, 0, len(staff))
	for _, s := range staff {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}
