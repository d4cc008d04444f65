package ai

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/staydesk/backend/internal/models"
)

// HTTPAdapter talks to an external classifier service.
type HTTPAdapter struct {
	client *resty.Client
}

type classifyRequest struct {
	Message   string `json:"message"`
	Context   string `json:"context"`
	UseSearch bool   `json:"use_search"`
}

type classifyResponse struct {
	Text    string `json:"text"`
	Sources []struct {
		Title string `json:"title"`
		URI   string `json:"uri"`
	} `json:"sources"`
}

type generateRequest struct {
	Type      string `json:"type"`
	GuestName string `json:"guest_name"`
	Property  string `json:"property"`
}

type generateResponse struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	return &HTTPAdapter{client: client}
}

func (h *HTTPAdapter) Classify(ctx context.Context, req Request) (Result, error) {
	var out classifyResponse
	var apiErr errorResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(classifyRequest{Message: req.Content, Context: req.BookingContext, UseSearch: req.UseSearch}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/classify")
	if err != nil {
		return Result{}, fmt.Errorf("classify request: %w", err)
	}
	if err := statusError(resp, apiErr); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(out.Text) == "" {
		return Result{}, fmt.Errorf("empty classifier response")
	}

	result := Result{Text: out.Text}
	for _, s := range out.Sources {
		if s.URI == "" {
			continue
		}
		result.Sources = append(result.Sources, models.Source{Title: s.Title, URI: s.URI})
	}
	return result, nil
}

func (h *HTTPAdapter) Generate(ctx context.Context, kind models.LifecycleType, guestName, property string) (string, error) {
	var out generateResponse
	var apiErr errorResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(generateRequest{Type: string(kind), GuestName: guestName, Property: property}).
		SetResult(&out).
		SetError(&apiErr).
		Post("/generate")
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	if err := statusError(resp, apiErr); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Text), nil
}

func statusError(resp *resty.Response, apiErr errorResponse) error {
	if !resp.IsError() {
		return nil
	}
	if resp.StatusCode() == http.StatusTooManyRequests {
		return RateLimitError{RetryAfter: retryAfter(resp.Header().Get("Retry-After"))}
	}
	if apiErr.Error != "" {
		return fmt.Errorf("ai service error: %s: %s", resp.Status(), apiErr.Error)
	}
	return fmt.Errorf("ai service error: %s", resp.Status())
}

func retryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
