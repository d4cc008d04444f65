package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/slack-go/slack"
)

// SlackNotifier posts notifications to a Slack channel with a bot token.
type SlackNotifier struct {
	api *slack.Client
}

const slackTimeout = 10 * time.Second

// NewSlackNotifier bounds every Slack call with slackTimeout unless opts
// supply their own HTTP client.
func NewSlackNotifier(token string, opts ...slack.Option) *SlackNotifier {
	opts = append([]slack.Option{slack.OptionHTTPClient(&http.Client{Timeout: slackTimeout})}, opts...)
	return &SlackNotifier{api: slack.New(token, opts...)}
}

func (s *SlackNotifier) Notify(ctx context.Context, channel, text string) error {
	_, _, err := s.api.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}
