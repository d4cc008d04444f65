package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/staydesk/backend/internal/ai"
	"github.com/staydesk/backend/internal/models"
)

const lifecyclePlatform = "Airbnb"

// lifecycleWindow is how far ahead of check-in or check-out a reminder goes out,
// and how long after check-in the mid-stay check happens.
const lifecycleWindow = 24 * time.Hour

// DueLifecycleMessages lists the automated messages a booking should get at now.
func DueLifecycleMessages(b models.Booking, now time.Time) []models.LifecycleType {
	var due []models.LifecycleType
	sent := b.AutomatedMessagesSent

	if d := b.CheckIn.Sub(now); d > 0 && d <= lifecycleWindow && !sent.PreArrival {
		due = append(due, models.PreArrival)
	}
	if d := now.Sub(b.CheckIn); d >= lifecycleWindow && now.Before(b.CheckOut) && !sent.MidStay {
		due = append(due, models.MidStay)
	}
	if d := b.CheckOut.Sub(now); d > 0 && d <= lifecycleWindow && !sent.PreDeparture {
		due = append(due, models.PreDeparture)
	}
	return due
}

func LifecycleMessageID(bookingID string, kind models.LifecycleType) string {
	return fmt.Sprintf("sys_%s_%s", bookingID, kind)
}

type LifecycleStore interface {
	ListBookings(ctx context.Context) ([]models.Booking, error)
	EmitLifecycleMessage(ctx context.Context, bookingID string, kind models.LifecycleType, msg models.Message) (bool, error)
	CreateRun(ctx context.Context, kind, status string) (string, error)
	FinishRun(ctx context.Context, runID string, status string, summary []byte) error
}

type Lifecycle struct {
	Store     LifecycleStore
	Generator ai.Generator
	Effects   *EffectExecutor
	Timeout   time.Duration
	Workers   int
	Logger    zerolog.Logger
	Now       func() time.Time
}

type lifecycleResult struct {
	sent    int
	skipped int
	errors  int
}

// Run evaluates every booking once. A generator failure on one booking only
// skips that booking's message until the next run. A send already started
// finishes even if ctx is cancelled; the rest wait for the next run.
func (l *Lifecycle) Run(ctx context.Context) (RunSummary, error) {
	bookings, err := l.Store.ListBookings(ctx)
	if err != nil {
		return RunSummary{}, err
	}
	now := l.now()

	type job struct {
		booking models.Booking
		kind    models.LifecycleType
	}
	var jobs []job
	for _, b := range bookings {
		for _, kind := range DueLifecycleMessages(b, now) {
			jobs = append(jobs, job{booking: b, kind: kind})
		}
	}
	if len(jobs) == 0 {
		return RunSummary{Counts: map[string]any{"bookings": len(bookings), "due": 0}}, nil
	}

	runID, err := l.Store.CreateRun(ctx, RunKindLifecycle, RunStatusRunning)
	if err != nil {
		return RunSummary{}, err
	}

	var (
		mu     sync.Mutex
		total  lifecycleResult
		byType = map[string]int{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workerLimit(l.Workers))
	for _, j := range jobs {
		j := j
		g.Go(func() error {
			if gctx.Err() != nil {
				mu.Lock()
				total.skipped++
				mu.Unlock()
				return nil
			}
			res := l.send(context.WithoutCancel(gctx), j.booking, j.kind, now)
			mu.Lock()
			defer mu.Unlock()
			total.sent += res.sent
			total.skipped += res.skipped
			total.errors += res.errors
			if res.sent > 0 {
				byType[string(j.kind)]++
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := RunSummary{
		Counts: map[string]any{
			"bookings": len(bookings),
			"due":      len(jobs),
			"sent":     total.sent,
			"skipped":  total.skipped,
			"errors":   total.errors,
			"by_type":  byType,
		},
	}
	summary.Events = append(summary.Events, map[string]any{
		"type":    "lifecycle",
		"message": "Scheduled messages evaluated",
		"time":    time.Now().UTC(),
	})

	status := RunStatusDone
	if total.errors > 0 {
		status = RunStatusError
	}
	if err := l.Store.FinishRun(context.WithoutCancel(ctx), runID, status, mustJSON(summary)); err != nil {
		l.Logger.Warn().Err(err).Str("run_id", runID).Msg("finish run")
	}
	return summary, nil
}

func (l *Lifecycle) send(ctx context.Context, b models.Booking, kind models.LifecycleType, now time.Time) lifecycleResult {
	log := l.Logger.With().Str("booking_id", b.ID).Str("type", string(kind)).Logger()

	text, err := l.generate(ctx, kind, b)
	if err != nil {
		log.Warn().Err(err).Msg("generate lifecycle message")
		return lifecycleResult{errors: 1}
	}
	if strings.TrimSpace(text) == "" {
		return lifecycleResult{skipped: 1}
	}

	msg := models.Message{
		ID:         LifecycleMessageID(b.ID, kind),
		GuestName:  b.GuestName,
		Platform:   lifecyclePlatform,
		Content:    fmt.Sprintf("[Automated %s Message]", kind),
		Timestamp:  now,
		Status:     models.MessageResponded,
		AIResponse: text,
		Author:     models.AuthorSystem,
	}
	emitted, err := l.Store.EmitLifecycleMessage(ctx, b.ID, kind, msg)
	if err != nil {
		log.Error().Err(err).Msg("emit lifecycle message")
		return lifecycleResult{errors: 1}
	}
	if !emitted {
		return lifecycleResult{skipped: 1}
	}
	l.Effects.Execute(ctx, []Effect{logEffect(fmt.Sprintf("Sent AI automated %s message to %s", kind, b.GuestName), "System AI Message")})
	log.Info().Msg("lifecycle message sent")
	return lifecycleResult{sent: 1}
}

func (l *Lifecycle) generate(ctx context.Context, kind models.LifecycleType, b models.Booking) (string, error) {
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = defaultClassifyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return l.Generator.Generate(ctx, kind, b.GuestName, b.Property)
}

func (l *Lifecycle) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}
