package ai

import (
	"context"
	"strings"

	"github.com/staydesk/backend/internal/models"
)

// MockAdapter answers with fixed rules so the service runs without a model.
type MockAdapter struct{}

type cannedRule struct {
	triggers []string
	reply    string
}

var maintenanceTriggers = []string{"leak", "broken", "not working", "stopped working", "drip", "issue with", "problem with", "isn't working", "doesn't seem to be working"}

// Ordered: early/late requests must match before plain check-in questions.
var cannedRules = []cannedRule{
	{
		triggers: []string{"cancel my booking", "cancel my reservation", "can i cancel", "cancellation policy", "how to cancel"},
		reply:    "I understand you're asking about canceling your reservation. To proceed with the cancellation and to see how the refund policy applies to your booking, please go to your Trips page on the Airbnb app or website.",
	},
	{
		triggers: []string{"early check-in", "arrive early", "check in early", "late check-out", "leave later", "check out late"},
		reply:    "I understand you're asking about early check-in or late check-out. These requests are subject to availability and need to be approved by the host directly. Please send a direct message to the host to inquire about this possibility.",
	},
	{
		triggers: []string{"check-in", "check in", "how do i get in", "arrival instructions", "key code", "access code", "lockbox", "arrival details"},
		reply:    "Check-in is usually after 3 PM. The lockbox code will be sent on the day of arrival. Please let us know if you have any questions.",
	},
	{
		triggers: []string{"wi-fi", "wifi", "internet", "network name"},
		reply:    "You can find the Wi-Fi network name and password on the welcome card on the kitchen counter.",
	},
	{
		triggers: []string{"coffee maker", "coffee machine", "keurig", "make coffee"},
		reply:    "Yes, there is a coffee maker available for your use.",
	},
	{
		triggers: []string{"ironing board", "an iron", "the iron"},
		reply:    "Yes, you can find an iron and an ironing board in the laundry closet for your convenience.",
	},
	{
		triggers: []string{"hairdryer", "hair dryer", "blow dryer"},
		reply:    "Yes, a hairdryer is located in the bathroom vanity.",
	},
}

func (MockAdapter) Classify(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	lower := strings.ToLower(req.Content)

	if containsAny(lower, maintenanceTriggers) {
		return Result{Text: PrefixTaskEscalation + " " + describeIssue(req.Content)}, nil
	}
	if req.UseSearch {
		return Result{Text: "I couldn't find specific information about that right now. Please contact the host directly for personal recommendations."}, nil
	}
	for _, rule := range cannedRules {
		if containsAny(lower, rule.triggers) {
			return Result{Text: rule.reply}, nil
		}
	}
	return Result{Text: PrefixEscalation + " Guest question needs a host decision."}, nil
}

func (MockAdapter) Generate(ctx context.Context, kind models.LifecycleType, guestName, property string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return Template(kind, guestName, property), nil
}

// describeIssue picks the sentence mentioning the problem.
func describeIssue(content string) string {
	sentences := strings.FieldsFunc(content, func(r rune) bool {
		return r == '.' || r == '!' || r == '?'
	})
	for _, s := range sentences {
		if containsAny(strings.ToLower(s), maintenanceTriggers) {
			return "Investigate guest report: " + strings.TrimSpace(s) + "."
		}
	}
	return "Investigate guest report: " + strings.TrimSpace(content)
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
