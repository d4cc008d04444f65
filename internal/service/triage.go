package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/staydesk/backend/internal/ai"
	"github.com/staydesk/backend/internal/db"
	"github.com/staydesk/backend/internal/models"
)

// TaskIntent is the maintenance task a decision asks for.
type TaskIntent struct {
	Description string
	Property    string
}

// Decision is the outcome of a classified message before anything is written.
// For task escalations Effects is empty until the task has been dispatched.
type Decision struct {
	Route    Route
	Status   models.MessageStatus
	Response string
	Sources  []models.Source
	Task     *TaskIntent
	Effects  []Effect
}

// Decide maps a classifier result onto a terminal status and the side effects
// that go with it.
func Decide(msg models.Message, booking *models.Booking, res ai.Result, lookup bool) Decision {
	route, text := ParseRoute(res.Text)
	switch route {
	case RouteTask:
		property := models.UnknownProperty
		if booking != nil {
			property = booking.Property
		}
		return Decision{
			Route:    RouteTask,
			Status:   models.MessageEscalated,
			Response: "Task Created: " + text,
			Task:     &TaskIntent{Description: text, Property: property},
		}
	case RouteEscalation:
		return Decision{
			Route:    RouteEscalation,
			Status:   models.MessageEscalated,
			Response: text,
			Effects: []Effect{
				logEffect("Processed message from "+msg.GuestName, "Escalated"),
				notifyEffect(fmt.Sprintf("🚨 High-priority issue escalated from %s. Please review.", msg.GuestName)),
				alertEffect("Escalated Issue from "+msg.GuestName,
					fmt.Sprintf("Original message:\n\"%s\"\n\nAI Reason: %s", msg.Content, text)),
			},
		}
	}

	d := Decision{Route: RouteDirect, Status: models.MessageResponded, Response: text}
	if len(res.Sources) > 0 {
		d.Sources = res.Sources
	}
	d.Effects = []Effect{logEffect("Processed message from "+msg.GuestName, OutcomeLabel(text, lookup, len(res.Sources)))}
	return d
}

// TaskEffects are the side effects of a created maintenance task.
func TaskEffects(msg models.Message, task models.MaintenanceTask) []Effect {
	var logText, note string
	if task.StaffName != nil {
		logText = "AI assigned task to " + *task.StaffName
		note = fmt.Sprintf("🔧 New Task Assigned to %s: %s at %s.", *task.StaffName, task.Description, task.Property)
	} else {
		logText = "AI created task for " + msg.GuestName
		note = fmt.Sprintf("🔧 New Maintenance Task: %s at %s.", task.Description, task.Property)
	}
	return []Effect{
		logEffect(logText, "Maintenance"),
		notifyEffect(note),
		alertEffect("New Maintenance Task Created for "+task.Property,
			fmt.Sprintf("Guest: %s\nMessage: \"%s\"\n\nTask: %s", msg.GuestName, msg.Content, task.Description)),
	}
}

func failedEffects(msg models.Message) []Effect {
	return []Effect{logEffect("Processing message from "+msg.GuestName, "Failed")}
}

// TriageStore is the storage the triage state machine needs.
type TriageStore interface {
	ClaimMessage(ctx context.Context, id string) (models.Message, bool, error)
	FinishMessage(ctx context.Context, id string, status models.MessageStatus, aiResponse string, sources []models.Source) error
	AppendTask(ctx context.Context, build db.BuildTask) (models.MaintenanceTask, error)
	ListMessageIDsByStatus(ctx context.Context, status models.MessageStatus) ([]string, error)
	FailStaleMessages(ctx context.Context, olderThan time.Duration) ([]models.Message, error)
	ListBookings(ctx context.Context) ([]models.Booking, error)
	CreateRun(ctx context.Context, kind, status string) (string, error)
	FinishRun(ctx context.Context, runID string, status string, summary []byte) error
}

const (
	defaultClassifyTimeout = 30 * time.Second
	defaultStaleAfter      = 10 * time.Minute
)

type Triage struct {
	Store      TriageStore
	Classifier ai.Classifier
	Dispatcher *Dispatcher
	Effects    *EffectExecutor
	Timeout    time.Duration
	// StaleAfter is how long a message may sit in Processing before a tick
	// marks it Failed.
	StaleAfter time.Duration
	Workers    int
	Logger     zerolog.Logger
	Now        func() time.Time
}

type Outcome struct {
	MessageID string               `json:"message_id"`
	Skipped   bool                 `json:"skipped,omitempty"`
	Status    models.MessageStatus `json:"status,omitempty"`
	Route     string               `json:"route,omitempty"`
	TaskID    string               `json:"task_id,omitempty"`
	StaffID   string               `json:"staff_id,omitempty"`
}

// Process drives one message from New to a terminal status. A message that
// is not New is skipped without effect. Once claimed, the message is carried
// to a terminal status even if ctx is cancelled; the classifier is bounded by
// Timeout instead.
func (t *Triage) Process(ctx context.Context, messageID string, bookings []models.Booking) (Outcome, error) {
	out := Outcome{MessageID: messageID}
	msg, claimed, err := t.Store.ClaimMessage(ctx, messageID)
	if err != nil {
		return out, fmt.Errorf("claim %s: %w", messageID, err)
	}
	if !claimed {
		out.Skipped = true
		return out, nil
	}
	ctx = context.WithoutCancel(ctx)
	log := t.Logger.With().Str("message_id", msg.ID).Logger()

	booking := findBooking(bookings, msg.GuestName)
	lookup := NeedsLookup(msg.Content)
	if lookup {
		t.Effects.Execute(ctx, []Effect{logEffect(fmt.Sprintf("Searching for \"%s\"", msg.GuestName), "Querying...")})
	}

	res, err := t.classify(ctx, ai.Request{Content: msg.Content, BookingContext: BookingContext(booking), UseSearch: lookup})
	if err != nil {
		log.Warn().Err(err).Msg("classifier failed")
		return t.fail(ctx, msg, out)
	}

	d := Decide(msg, booking, res, lookup)
	out.Route = d.Route.String()
	if d.Task != nil {
		task, err := t.createTask(ctx, msg, *d.Task)
		if err != nil {
			log.Error().Err(err).Msg("create maintenance task")
			out, ferr := t.fail(ctx, msg, out)
			if ferr != nil {
				log.Error().Err(ferr).Msg("mark failed")
			}
			return out, fmt.Errorf("create task for %s: %w", msg.ID, err)
		}
		out.TaskID = task.ID
		if task.StaffID != nil {
			out.StaffID = *task.StaffID
		}
		d.Effects = TaskEffects(msg, task)
	}

	if err := t.finish(ctx, msg.ID, d.Status, d.Response, d.Sources); err != nil {
		return out, err
	}
	out.Status = d.Status
	t.Effects.Execute(ctx, d.Effects)
	log.Info().Str("status", string(d.Status)).Str("route", out.Route).Msg("message triaged")
	return out, nil
}

func (t *Triage) classify(ctx context.Context, req ai.Request) (ai.Result, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = defaultClassifyTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return t.Classifier.Classify(ctx, req)
}

func (t *Triage) createTask(ctx context.Context, msg models.Message, intent TaskIntent) (models.MaintenanceTask, error) {
	return t.Store.AppendTask(ctx, func(open []models.MaintenanceTask) (models.MaintenanceTask, error) {
		task := models.MaintenanceTask{
			ID:              "task_" + uuid.NewString(),
			CreatedAt:       t.now(),
			Property:        intent.Property,
			Description:     intent.Description,
			Status:          models.TaskToDo,
			SourceMessageID: msg.ID,
		}
		// An unknown property has no location, so only the keyword pool applies.
		if a, ok := t.Dispatcher.Assign(ctx, intent.Description, intent.Property, open); ok {
			task.StaffID = &a.StaffID
			task.StaffName = &a.StaffName
		}
		return task, nil
	})
}

func (t *Triage) fail(ctx context.Context, msg models.Message, out Outcome) (Outcome, error) {
	if err := t.finish(ctx, msg.ID, models.MessageFailed, "", nil); err != nil {
		return out, err
	}
	out.Status = models.MessageFailed
	t.Effects.Execute(ctx, failedEffects(msg))
	return out, nil
}

func (t *Triage) finish(ctx context.Context, id string, status models.MessageStatus, response string, sources []models.Source) error {
	if err := Transition(models.MessageProcessing, status); err != nil {
		return err
	}
	if err := t.Store.FinishMessage(ctx, id, status, response, sources); err != nil {
		if errors.Is(err, db.ErrConflict) {
			return fmt.Errorf("%w: %s left Processing before %s", ErrIllegalTransition, id, status)
		}
		return fmt.Errorf("finish %s: %w", id, err)
	}
	return nil
}

func (t *Triage) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}
