package service

import (
	"fmt"
	"strings"

	"github.com/staydesk/backend/internal/ai"
	"github.com/staydesk/backend/internal/models"
)

const noBookingContext = "Context: No booking context available."

var lookupKeywords = []string{"recommend", "attractions", "restaurants", "events", "what to do", "local spots", "best place", "open hours"}

const checkInSentence = "check-in is usually after 3 pm"

// NeedsLookup reports whether a guest message asks for real-world information.
func NeedsLookup(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range lookupKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func BookingContext(b *models.Booking) string {
	if b == nil {
		return noBookingContext
	}
	return fmt.Sprintf("Context: The guest '%s' has a booking for '%s' from %s to %s.",
		b.GuestName, b.Property, b.CheckIn.Format("Jan 2, 2006"), b.CheckOut.Format("Jan 2, 2006"))
}

func findBooking(bookings []models.Booking, guestName string) *models.Booking {
	for i := range bookings {
		if bookings[i].GuestName == guestName {
			return &bookings[i]
		}
	}
	return nil
}

// OutcomeLabel names a direct response for the audit log. The first matching
// rule wins.
func OutcomeLabel(response string, lookup bool, sourceCount int) string {
	if lookup {
		if sourceCount > 0 {
			return "Found Info"
		}
		return "Search No Results"
	}
	lower := strings.ToLower(response)
	switch {
	case strings.Contains(lower, "cancel"):
		return "Cancellation Request"
	case strings.Contains(lower, checkInSentence):
		return "Provided Check-in Instructions"
	case strings.Contains(lower, "early check-in") || strings.Contains(lower, "late check-out"):
		return "Check-in/Out Request"
	case strings.Contains(lower, "booking") && strings.Contains(lower, "confirmed"):
		return "Booking Confirmed"
	}
	return "Responded"
}

type Route int

const (
	RouteDirect Route = iota
	RouteEscalation
	RouteTask
)

func (r Route) String() string {
	switch r {
	case RouteTask:
		return "task"
	case RouteEscalation:
		return "escalation"
	}
	return "direct"
}

// ParseRoute splits a classifier reply into its route and the text after the
// prefix. ESCALATE_TASK: is checked before ESCALATE:. The prefix must open the
// reply; a direct reply is returned as is.
func ParseRoute(text string) (Route, string) {
	switch {
	case strings.HasPrefix(text, ai.PrefixTaskEscalation):
		return RouteTask, strings.TrimSpace(strings.TrimPrefix(text, ai.PrefixTaskEscalation))
	case strings.HasPrefix(text, ai.PrefixEscalation):
		return RouteEscalation, strings.TrimSpace(strings.TrimPrefix(text, ai.PrefixEscalation))
	}
	return RouteDirect, text
}
