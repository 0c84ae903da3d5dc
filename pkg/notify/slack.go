package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	goslack "github.com/slack-go/slack"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

const (
	defaultSlackTokenEnv = "SLACK_BOT_TOKEN"
	slackPostTimeout     = 10 * time.Second
)

// slackSender posts events to a channel via the Slack Web API. Clients are
// cached per token env binding. A missing token fails the single target,
// never the run.
type slackSender struct {
	env    map[string]string
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*goslack.Client
	apiURL  string // test override
}

func newSlackSender(env map[string]string, logger *slog.Logger) *slackSender {
	return &slackSender{
		env:     env,
		logger:  logger.With("sender", "slack"),
		clients: make(map[string]*goslack.Client),
	}
}

func (s *slackSender) client(tokenEnv string) (*goslack.Client, error) {
	if tokenEnv == "" {
		tokenEnv = defaultSlackTokenEnv
	}
	token := s.env[tokenEnv]
	if token == "" {
		return nil, fmt.Errorf("slack token env %s not bound", tokenEnv)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if api, ok := s.clients[tokenEnv]; ok {
		return api, nil
	}
	opts := []goslack.Option{}
	if s.apiURL != "" {
		opts = append(opts, goslack.OptionAPIURL(s.apiURL))
	}
	api := goslack.New(token, opts...)
	s.clients[tokenEnv] = api
	return api, nil
}

func (s *slackSender) Send(ctx context.Context, target ensemble.NotificationConfig, event Event) Result {
	start := time.Now()
	result := Result{
		Type:   ensemble.NotificationSlack,
		Target: target.Channel,
		Event:  event.Event,
	}

	api, err := s.client(target.TokenEnv)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	postCtx, cancel := context.WithTimeout(ctx, slackPostTimeout)
	defer cancel()

	ensembleName, _ := event.Data["ensemble"].(string)
	attachment := goslack.Attachment{
		Color: strings.TrimPrefix(headerColor(event.Event), "#"),
		Title: string(event.Event),
		Fields: []goslack.AttachmentField{
			{Title: "Ensemble", Value: ensembleName, Short: true},
			{Title: "Timestamp", Value: event.Timestamp, Short: true},
		},
	}

	_, _, err = api.PostMessageContext(postCtx, target.Channel,
		goslack.MsgOptionText(fmt.Sprintf("%s: %s", event.Event, ensembleName), false),
		goslack.MsgOptionAttachments(attachment))
	if err != nil {
		result.Error = fmt.Sprintf("chat.postMessage failed: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	result.Success = true
	result.Attempts = 1
	result.Duration = time.Since(start)
	return result
}
