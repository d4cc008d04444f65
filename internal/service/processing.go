package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/staydesk/backend/internal/models"
)

const (
	RunKindTriage    = "triage"
	RunKindLifecycle = "lifecycle"

	RunStatusRunning = "RUNNING"
	RunStatusDone    = "DONE"
	RunStatusError   = "ERROR"
)

type RunSummary struct {
	Events  []map[string]any `json:"events"`
	Counts  map[string]any   `json:"counts"`
	Samples []map[string]any `json:"samples,omitempty"`
}

// ProcessNew runs one triage tick over every New message. Messages are
// processed independently; an error on one is counted and logged. Messages
// not yet started when ctx is cancelled are left New for the next tick.
func (t *Triage) ProcessNew(ctx context.Context) (RunSummary, error) {
	stale := t.failStale(ctx)
	ids, err := t.Store.ListMessageIDsByStatus(ctx, models.MessageNew)
	if err != nil {
		return RunSummary{}, err
	}
	if len(ids) == 0 {
		return RunSummary{Counts: map[string]any{"messages": 0, "stale_failed": stale}}, nil
	}
	bookings, err := t.Store.ListBookings(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	runID, err := t.Store.CreateRun(ctx, RunKindTriage, RunStatusRunning)
	if err != nil {
		return RunSummary{}, err
	}
	start := time.Now()
	summary := RunSummary{Counts: map[string]any{}}
	summary.Events = append(summary.Events, map[string]any{
		"type":     "scan",
		"message":  "Messages ready for triage",
		"count":    len(ids),
		"bookings": len(bookings),
		"time":     time.Now().UTC(),
	})

	var (
		mu       sync.Mutex
		byStatus = map[string]int{}
		byRoute  = map[string]int{}
		skipped  int
		errCount int
		tasks    int
		assigned int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(t.Workers))
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			out, err := t.processSafely(gctx, id, bookings)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errCount++
				t.Logger.Error().Err(err).Str("message_id", id).Msg("triage failed")
				if len(summary.Samples) < 5 {
					summary.Samples = append(summary.Samples, map[string]any{"message_id": id, "error": err.Error()})
				}
			}
			if out.Skipped {
				skipped++
				return nil
			}
			if out.Status != "" {
				byStatus[string(out.Status)]++
			}
			if out.Route != "" {
				byRoute[out.Route]++
			}
			if out.TaskID != "" {
				tasks++
				if out.StaffID != "" {
					assigned++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	summary.Events = append(summary.Events, map[string]any{
		"type":       "triage",
		"message":    "Triage tick complete",
		"elapsed_ms": time.Since(start).Milliseconds(),
		"time":       time.Now().UTC(),
	})
	summary.Counts["messages"] = len(ids)
	summary.Counts["by_status"] = byStatus
	summary.Counts["by_route"] = byRoute
	summary.Counts["skipped"] = skipped
	summary.Counts["stale_failed"] = stale
	summary.Counts["errors"] = errCount
	summary.Counts["tasks_created"] = tasks
	summary.Counts["tasks_assigned"] = assigned

	t.finishRun(ctx, runID, errCount, summary)
	return summary, nil
}

// failStale fails messages that were claimed but never finished, e.g. when
// the store went away between the task insert and the status update.
func (t *Triage) failStale(ctx context.Context) int {
	after := t.StaleAfter
	if after <= 0 {
		after = defaultStaleAfter
	}
	msgs, err := t.Store.FailStaleMessages(ctx, after)
	if err != nil {
		t.Logger.Warn().Err(err).Msg("fail stale messages")
		return 0
	}
	for _, msg := range msgs {
		t.Logger.Warn().Str("message_id", msg.ID).Dur("stale_after", after).Msg("stale processing message marked failed")
		t.Effects.Execute(ctx, failedEffects(msg))
	}
	return len(msgs)
}

// processSafely keeps a panic in one message from taking down the tick.
func (t *Triage) processSafely(ctx context.Context, id string, bookings []models.Booking) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", id, r)
		}
	}()
	return t.Process(ctx, id, bookings)
}

func (t *Triage) finishRun(ctx context.Context, runID string, errCount int, summary RunSummary) {
	status := RunStatusDone
	if errCount > 0 {
		status = RunStatusError
	}
	if err := t.Store.FinishRun(context.WithoutCancel(ctx), runID, status, mustJSON(summary)); err != nil {
		t.Logger.Warn().Err(err).Str("run_id", runID).Msg("finish run")
	}
}

func workerLimit(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
