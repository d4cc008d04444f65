package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/staydesk/backend/internal/models"
)

type EffectKind string

const (
	EffectLog    EffectKind = "log"
	EffectNotify EffectKind = "notify"
	EffectAlert  EffectKind = "alert"
)

// Effect is a side effect the triage decision asks for. Log effects use
// Text and Outcome, notifications use Text, alerts use Subject and Body.
type Effect struct {
	Kind    EffectKind
	Text    string
	Outcome string
	Subject string
	Body    string
}

func logEffect(text, outcome string) Effect {
	return Effect{Kind: EffectLog, Text: text, Outcome: outcome}
}

func notifyEffect(text string) Effect {
	return Effect{Kind: EffectNotify, Text: text}
}

func alertEffect(subject, body string) Effect {
	return Effect{Kind: EffectAlert, Subject: subject, Body: body}
}

type AuditLog interface {
	AppendLog(ctx context.Context, e models.LogEntry) error
}

type Notifier interface {
	Notify(ctx context.Context, channel, text string) error
}

type Alerter interface {
	Alert(ctx context.Context, recipient, subject, body string) error
}

const defaultEffectTimeout = 10 * time.Second

// EffectExecutor performs effects without reporting failures back: a sink
// that is down or slow is logged and skipped. Each effect gets its own
// Timeout and is detached from the caller's cancellation.
type EffectExecutor struct {
	Log       AuditLog
	Notifier  Notifier
	Alerter   Alerter
	Channel   string
	Recipient string
	Timeout   time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

func (e *EffectExecutor) Execute(ctx context.Context, effects []Effect) {
	ctx = context.WithoutCancel(ctx)
	for _, eff := range effects {
		if err := e.run(ctx, eff); err != nil {
			e.Logger.Warn().Err(err).Str("effect", string(eff.Kind)).Msg("side effect failed")
		}
	}
}

// run waits for one effect at most Timeout. A sink that ignores its context
// is abandoned; its goroutine ends whenever the sink returns.
func (e *EffectExecutor) run(parent context.Context, eff Effect) error {
	ctx, cancel := context.WithTimeout(parent, e.timeout())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.apply(ctx, eff) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s effect: %w", eff.Kind, ctx.Err())
	}
}

func (e *EffectExecutor) apply(ctx context.Context, eff Effect) error {
	switch eff.Kind {
	case EffectLog:
		if e.Log != nil {
			return e.Log.AppendLog(ctx, models.LogEntry{
				ID:        uuid.NewString(),
				Timestamp: e.now(),
				Message:   eff.Text,
				Outcome:   eff.Outcome,
			})
		}
	case EffectNotify:
		if e.Notifier != nil {
			return e.Notifier.Notify(ctx, e.Channel, eff.Text)
		}
	case EffectAlert:
		if e.Alerter != nil {
			return e.Alerter.Alert(ctx, e.Recipient, eff.Subject, eff.Body)
		}
	}
	return nil
}

func (e *EffectExecutor) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return defaultEffectTimeout
}

func (e *EffectExecutor) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}
