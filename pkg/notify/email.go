package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

const (
	defaultMailEndpoint = "https://api.mailchannels.net/tx/v1/send"
	defaultMailFrom     = "notifications@conductor.local"
	mailSenderName      = "Conductor Notifications"
	defaultMailSubject  = "[Conductor] ${event} - ${ensemble.name}"
	mailTimeout         = 10 * time.Second
)

// Header colors by event class.
const (
	colorDefault   = "#2563eb" // blue
	colorCompleted = "#16a34a" // green
	colorFailed    = "#dc2626" // red
)

// MailPayload is the MailChannels transactional send schema.
type MailPayload struct {
	Personalizations []Personalization `json:"personalizations"`
	From             MailAddress       `json:"from"`
	Subject          string            `json:"subject"`
	Content          []MailContent     `json:"content"`
}

type Personalization struct {
	To []MailAddress `json:"to"`
}

type MailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type MailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// emailSender delivers events through a MailChannels-style transactional
// mail API. The endpoint is overridable via MAIL_API_URL for testing.
type emailSender struct {
	client   *http.Client
	endpoint string
	logger   *slog.Logger
}

func newEmailSender(env map[string]string, logger *slog.Logger) *emailSender {
	endpoint := env["MAIL_API_URL"]
	if endpoint == "" {
		endpoint = defaultMailEndpoint
	}
	return &emailSender{
		client:   &http.Client{Timeout: mailTimeout},
		endpoint: endpoint,
		logger:   logger.With("sender", "email"),
	}
}

func (s *emailSender) Send(ctx context.Context, target ensemble.NotificationConfig, event Event) Result {
	start := time.Now()
	result := Result{
		Type:   ensemble.NotificationEmail,
		Target: strings.Join(target.To, ","),
		Event:  event.Event,
	}

	payload := BuildMailPayload(target, event)
	body, err := json.Marshal(payload)
	if err != nil {
		result.Error = fmt.Sprintf("encoding payload: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	result.StatusCode = resp.StatusCode
	result.Attempts = 1
	if resp.StatusCode >= 400 {
		result.Error = fmt.Sprintf("mail API returned %d", resp.StatusCode)
	} else {
		result.Success = true
	}
	result.Duration = time.Since(start)
	return result
}

// BuildMailPayload renders the outgoing mail for one event. The subject
// supports the tokens ${event}, ${ensemble.name}, and ${timestamp}.
func BuildMailPayload(target ensemble.NotificationConfig, event Event) MailPayload {
	from := target.From
	if from == "" {
		from = defaultMailFrom
	}
	subject := target.Subject
	if subject == "" {
		subject = defaultMailSubject
	}
	ensembleName, _ := event.Data["ensemble"].(string)
	replacer := strings.NewReplacer(
		"${event}", string(event.Event),
		"${ensemble.name}", ensembleName,
		"${timestamp}", event.Timestamp,
	)
	subject = replacer.Replace(subject)

	to := make([]MailAddress, 0, len(target.To))
	for _, addr := range target.To {
		to = append(to, MailAddress{Email: addr})
	}

	return MailPayload{
		Personalizations: []Personalization{{To: to}},
		From:             MailAddress{Email: from, Name: mailSenderName},
		Subject:          subject,
		Content: []MailContent{
			{Type: "text/plain", Value: textBody(event)},
			{Type: "text/html", Value: htmlBody(event, ensembleName)},
		},
	}
}

func textBody(event Event) string {
	data, _ := json.MarshalIndent(event.Data, "", "  ")
	return fmt.Sprintf("Event: %s\nTimestamp: %s\n\n%s\n", event.Event, event.Timestamp, data)
}

func htmlBody(event Event, ensembleName string) string {
	data, _ := json.MarshalIndent(event.Data, "", "  ")
	return fmt.Sprintf(`<html><body style="font-family:sans-serif">
<div style="background:%s;color:#fff;padding:16px"><h2 style="margin:0">%s</h2></div>
<div style="padding:16px">
<p><strong>Ensemble:</strong> %s</p>
<p><strong>Timestamp:</strong> %s</p>
<pre style="background:#f3f4f6;padding:12px">%s</pre>
</div>
</body></html>`,
		headerColor(event.Event),
		html.EscapeString(string(event.Event)),
		html.EscapeString(ensembleName),
		html.EscapeString(event.Timestamp),
		html.EscapeString(string(data)))
}

func headerColor(eventType ensemble.EventType) string {
	switch eventType {
	case ensemble.EventExecutionCompleted:
		return colorCompleted
	case ensemble.EventExecutionFailed, ensemble.EventExecutionTimeout:
		return colorFailed
	default:
		return colorDefault
	}
}
