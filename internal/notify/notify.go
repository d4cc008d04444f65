// Package notify delivers staff notifications and management alerts.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/staydesk/backend/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, channel, text string) error
}

type Alerter interface {
	Alert(ctx context.Context, recipient, subject, body string) error
}

// RecordStore persists what was sent so the dashboard can show it.
type RecordStore interface {
	InsertNotification(ctx context.Context, n models.Notification) error
	InsertAlert(ctx context.Context, a models.Alert) error
}

type Recorder struct {
	Store RecordStore
	Now   func() time.Time
}

func (r Recorder) Notify(ctx context.Context, channel, text string) error {
	return r.Store.InsertNotification(ctx, models.Notification{
		ID:        uuid.NewString(),
		Timestamp: r.now(),
		Channel:   channel,
		Message:   text,
	})
}

func (r Recorder) Alert(ctx context.Context, recipient, subject, body string) error {
	return r.Store.InsertAlert(ctx, models.Alert{
		ID:        uuid.NewString(),
		Timestamp: r.now(),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
	})
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

// Fanout sends to every sink, even after one of them fails.
type Fanout struct {
	Notifiers []Notifier
	Alerters  []Alerter
}

func (f Fanout) Notify(ctx context.Context, channel, text string) error {
	var errs []error
	for _, n := range f.Notifiers {
		if err := n.Notify(ctx, channel, text); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Alert(ctx context.Context, recipient, subject, body string) error {
	var errs []error
	for _, a := range f.Alerters {
		if err := a.Alert(ctx, recipient, subject, body); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
