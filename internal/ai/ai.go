package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/staydesk/backend/internal/models"
)

// Routing prefixes the classifier puts at the start of its reply.
const (
	PrefixTaskEscalation = "ESCALATE_TASK:"
	PrefixEscalation     = "ESCALATE:"
)

type Request struct {
	Content        string
	BookingContext string
	UseSearch      bool
}

type Result struct {
	Text    string
	Sources []models.Source
}

// Classifier answers or routes a guest message.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// Generator writes automated lifecycle messages. An empty string means
// nothing should be sent yet.
type Generator interface {
	Generate(ctx context.Context, kind models.LifecycleType, guestName, property string) (string, error)
}

type Adapter interface {
	Classifier
	Generator
}

type RateLimitError struct {
	RetryAfter time.Duration
}

func (r RateLimitError) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", r.RetryAfter)
	}
	return "rate limited"
}

// FallbackGenerator returns the fixed template for a lifecycle message when
// the wrapped generator fails.
type FallbackGenerator struct {
	Next Generator
}

func (f FallbackGenerator) Generate(ctx context.Context, kind models.LifecycleType, guestName, property string) (string, error) {
	text, err := f.Next.Generate(ctx, kind, guestName, property)
	if err != nil {
		return Template(kind, guestName, property), nil
	}
	return text, nil
}

func Template(kind models.LifecycleType, guestName, property string) string {
	switch kind {
	case models.PreArrival:
		return fmt.Sprintf("Hi %s, we're excited for your stay at %s tomorrow! Just a reminder, check-in is anytime after 3 PM. We'll send the access code on the morning of your arrival.", guestName, property)
	case models.MidStay:
		return fmt.Sprintf("Hi %s, hope you're settling in well at %s! Please let us know if there is anything you need to make your stay more comfortable.", guestName, property)
	case models.PreDeparture:
		return fmt.Sprintf("Hi %s, we hope you've enjoyed your stay! This is a friendly reminder that checkout is tomorrow by 11 AM. Please ensure all windows are closed and the main door is locked when you leave. Safe travels!", guestName)
	default:
		return fmt.Sprintf("Hello %s, we have an update regarding your booking at %s.", guestName, property)
	}
}
