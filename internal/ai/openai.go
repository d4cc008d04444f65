package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/staydesk/backend/internal/models"
)

const classifierPersona = `You are a professional and helpful Airbnb assistant. Answer common guest questions directly and escalate complex issues by creating tasks or flagging them for human review.

Live search:
- When web search is available and the guest asks for recommendations, local attractions, events, opening hours or other real-world information, use it and summarize what you find.
- If the search does not answer the question, say you could not find the information and suggest contacting the host directly. Never invent information.

Common questions (never escalate these):
1. Check-in instructions ("check-in", "how do I get in", "key code", "access code", "lockbox code", "arrival details"): reply exactly 'Check-in is usually after 3 PM. The lockbox code will be sent on the day of arrival. Please let us know if you have any questions.'
2. Wi-Fi password ("Wi-Fi", "wifi password", "internet", "network name"): reply 'You can find the Wi-Fi network name and password on the welcome card on the kitchen counter.'
3. Amenities: coffee maker -> 'Yes, there is a coffee maker available for your use.'; iron -> 'Yes, you can find an iron and an ironing board in the laundry closet for your convenience.'; hairdryer -> 'Yes, a hairdryer is located in the bathroom vanity.'
4. Cancellation ("cancel my booking", "can I cancel", "cancellation policy"): reply 'I understand you're asking about canceling your reservation. To proceed with the cancellation and to see how the refund policy applies to your booking, please go to your Trips page on the Airbnb app or website.'
5. Early check-in or late check-out: reply 'I understand you're asking about early check-in or late check-out. These requests are subject to availability and need to be approved by the host directly. Please send a direct message to the host to inquire about this possibility.'
6. Booking details: confirm them from the context provided.

Escalation:
1. Maintenance ("leak", "broken", "not working", "stopped working", "drip", "issue with", "problem with"): start the reply with "ESCALATE_TASK:" followed by a short task description for a maintenance person, e.g. "ESCALATE_TASK: Fix slow water leak under the kitchen sink."
2. Any other complaint, emergency or question you cannot answer: start the reply with "ESCALATE:" followed by a brief reason.

Keep non-escalated replies friendly and welcoming.`

const generatorPersona = `You are a friendly and professional Airbnb host assistant. Your tone is warm, welcoming and helpful. Do not use markdown or formatting. Keep the message concise.`

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	SearchModel string
}

// OpenAIAdapter classifies and writes messages with the chat completions API.
type OpenAIAdapter struct {
	client      openai.Client
	model       string
	searchModel string
}

func NewOpenAIAdapter(cfg OpenAIConfig) (*OpenAIAdapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIAdapter{
		client:      openai.NewClient(opts...),
		model:       model,
		searchModel: cfg.SearchModel,
	}, nil
}

func (a *OpenAIAdapter) Classify(ctx context.Context, req Request) (Result, error) {
	prompt := fmt.Sprintf("%s\n\nA guest has sent the following message:\n---\n%s\n---", req.BookingContext, req.Content)
	params := openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(classifierPersona),
			openai.UserMessage(prompt),
		},
	}
	if req.UseSearch && a.searchModel != "" {
		params.Model = a.searchModel
		params.WebSearchOptions = openai.ChatCompletionNewParamsWebSearchOptions{SearchContextSize: "medium"}
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Result{}, wrapOpenAIError("openai classify", err)
	}
	if len(resp.Choices) == 0 {
		return Result{}, fmt.Errorf("empty assistant response")
	}

	msg := resp.Choices[0].Message
	result := Result{Text: msg.Content}
	for _, ann := range msg.Annotations {
		if ann.URLCitation.URL == "" {
			continue
		}
		result.Sources = append(result.Sources, models.Source{Title: ann.URLCitation.Title, URI: ann.URLCitation.URL})
	}
	return result, nil
}

func (a *OpenAIAdapter) Generate(ctx context.Context, kind models.LifecycleType, guestName, property string) (string, error) {
	prompt := lifecyclePrompt(kind, guestName, property)
	if prompt == "" {
		return "", nil
	}
	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(generatorPersona),
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", wrapOpenAIError("openai generate", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func lifecyclePrompt(kind models.LifecycleType, guestName, property string) string {
	switch kind {
	case models.PreArrival:
		return fmt.Sprintf("Write a pre-arrival message for a guest named %s who is checking in tomorrow at the property %q.\n- Remind them that check-in is anytime after 3 PM.\n- Let them know you will send the access code on the morning of their arrival.", guestName, property)
	case models.MidStay:
		return fmt.Sprintf("Write a mid-stay check-in message for a guest named %s who is currently staying at %q.\n- Ask them if they are settling in well.\n- Offer assistance and ask if there's anything they need to make their stay more comfortable.", guestName, property)
	case models.PreDeparture:
		return fmt.Sprintf("Write a pre-departure message for a guest named %s staying at %q. Checkout is tomorrow.\n- Remind them that checkout is by 11 AM.\n- Briefly list key checkout instructions: close all windows, and lock the main door.\n- Wish them safe travels.", guestName, property)
	}
	return ""
}

func wrapOpenAIError(op string, err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		var wait time.Duration
		if apiErr.Response != nil {
			wait = retryAfter(apiErr.Response.Header.Get("Retry-After"))
		}
		return fmt.Errorf("%s: %w", op, RateLimitError{RetryAfter: wait})
	}
	return fmt.Errorf("%s: %w", op, err)
}
