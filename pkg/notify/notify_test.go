package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-edge/conductor/pkg/ensemble"
)

func shortenRetrySchedule(t *testing.T) {
	t.Helper()
	original := retrySchedule
	retrySchedule = []time.Duration{time.Millisecond, time.Millisecond}
	t.Cleanup(func() { retrySchedule = original })
}

func webhookEnsemble(targets ...ensemble.NotificationConfig) *ensemble.Ensemble {
	return &ensemble.Ensemble{Name: "greet", Notifications: targets}
}

func TestWebhookDeliveryHeadersAndSignature(t *testing.T) {
	type captured struct {
		headers http.Header
		body    []byte
	}
	got := make(chan captured, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- captured{headers: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewManager(nil, nil)
	results := m.EmitExecutionCompleted(context.Background(), webhookEnsemble(ensemble.NotificationConfig{
		Type:   ensemble.NotificationWebhook,
		URL:    server.URL,
		Secret: "s3cret",
		Events: []ensemble.EventType{ensemble.EventExecutionCompleted},
	}), map[string]any{"output": "done"})

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, http.StatusOK, results[0].StatusCode)

	req := <-got
	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))
	assert.Equal(t, "Conductor-Webhook/1.0", req.headers.Get("User-Agent"))
	assert.Equal(t, "execution.completed", req.headers.Get("X-Conductor-Event"))
	assert.Equal(t, "1", req.headers.Get("X-Conductor-Delivery-Attempt"))
	require.NotEmpty(t, req.headers.Get("X-Conductor-Timestamp"))

	// The receiver can verify the signature from the header timestamp and
	// the raw body.
	assert.True(t, VerifySignature("s3cret",
		req.headers.Get("X-Conductor-Timestamp"), req.body,
		req.headers.Get("X-Conductor-Signature")))

	var event Event
	require.NoError(t, json.Unmarshal(req.body, &event))
	assert.Equal(t, ensemble.EventExecutionCompleted, event.Event)
	assert.Equal(t, "greet", event.Data["ensemble"])
	assert.Equal(t, "done", event.Data["output"])
}

func TestWebhookRetriesOnServerError(t *testing.T) {
	shortenRetrySchedule(t)

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	m := NewManager(nil, nil)
	results := m.EmitExecutionFailed(context.Background(), webhookEnsemble(ensemble.NotificationConfig{
		Type:   ensemble.NotificationWebhook,
		URL:    server.URL,
		Events: []ensemble.EventType{ensemble.EventExecutionFailed},
	}), nil)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestWebhookExhaustedRetriesReportFailure(t *testing.T) {
	shortenRetrySchedule(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	retries := 2
	m := NewManager(nil, nil)
	results := m.EmitExecutionFailed(context.Background(), webhookEnsemble(ensemble.NotificationConfig{
		Type:    ensemble.NotificationWebhook,
		URL:     server.URL,
		Retries: &retries,
		Events:  []ensemble.EventType{ensemble.EventExecutionFailed},
	}), nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, http.StatusInternalServerError, results[0].StatusCode)
	assert.Contains(t, results[0].Error, "500")
}

func TestEventFilteringFanOut(t *testing.T) {
	var completed, failed atomic.Int32
	completedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		completed.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer completedServer.Close()
	failedServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		failed.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer failedServer.Close()

	e := webhookEnsemble(
		ensemble.NotificationConfig{
			Type:   ensemble.NotificationWebhook,
			URL:    completedServer.URL,
			Events: []ensemble.EventType{ensemble.EventExecutionCompleted},
		},
		ensemble.NotificationConfig{
			Type:   ensemble.NotificationWebhook,
			URL:    failedServer.URL,
			Events: []ensemble.EventType{ensemble.EventExecutionFailed},
		},
	)

	m := NewManager(nil, nil)

	results := m.EmitExecutionCompleted(context.Background(), e, nil)
	require.Len(t, results, 1)
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, int32(0), failed.Load())

	results = m.EmitExecutionFailed(context.Background(), e, nil)
	require.Len(t, results, 1)
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, int32(1), failed.Load())

	// No target subscribes to state.updated.
	assert.Nil(t, m.EmitStateUpdated(context.Background(), e, nil))
}

func TestDeliveryFailureNeverPropagates(t *testing.T) {
	retries := 1
	m := NewManager(nil, nil)
	results := m.EmitExecutionCompleted(context.Background(), webhookEnsemble(ensemble.NotificationConfig{
		Type:    ensemble.NotificationWebhook,
		URL:     "http://127.0.0.1:1/unreachable",
		Retries: &retries,
		Events:  []ensemble.EventType{ensemble.EventExecutionCompleted},
	}), nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].Error)
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"event":"execution.completed"}`)
	sig := Signature("secret", "1700000000", body)
	assert.True(t, VerifySignature("secret", "1700000000", body, sig))
	assert.False(t, VerifySignature("wrong", "1700000000", body, sig))
	assert.False(t, VerifySignature("secret", "1700000001", body, sig))
	assert.Contains(t, sig, "sha256=")
}

func TestBuildMailPayload(t *testing.T) {
	event := Event{
		Event:     ensemble.EventExecutionCompleted,
		Timestamp: "2026-01-02T03:04:05Z",
		Data:      map[string]any{"ensemble": "greet", "output": "done"},
	}
	payload := BuildMailPayload(ensemble.NotificationConfig{
		Type:    ensemble.NotificationEmail,
		To:      ensemble.StringList{"ops@example.com", "oncall@example.com"},
		Subject: "${event} for ${ensemble.name} at ${timestamp}",
	}, event)

	require.Len(t, payload.Personalizations, 1)
	require.Len(t, payload.Personalizations[0].To, 2)
	assert.Equal(t, "ops@example.com", payload.Personalizations[0].To[0].Email)
	assert.Equal(t, "Conductor Notifications", payload.From.Name)
	assert.Equal(t, "execution.completed for greet at 2026-01-02T03:04:05Z", payload.Subject)

	require.Len(t, payload.Content, 2)
	assert.Equal(t, "text/plain", payload.Content[0].Type)
	assert.Contains(t, payload.Content[0].Value, "execution.completed")
	assert.Equal(t, "text/html", payload.Content[1].Type)
	assert.Contains(t, payload.Content[1].Value, colorCompleted, "completed events get the green header")
}

func TestMailHeaderColors(t *testing.T) {
	assert.Equal(t, colorCompleted, headerColor(ensemble.EventExecutionCompleted))
	assert.Equal(t, colorFailed, headerColor(ensemble.EventExecutionFailed))
	assert.Equal(t, colorFailed, headerColor(ensemble.EventExecutionTimeout))
	assert.Equal(t, colorDefault, headerColor(ensemble.EventExecutionStarted))
}

func TestEmailSenderPostsToMailAPI(t *testing.T) {
	var body []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	m := NewManager(map[string]string{"MAIL_API_URL": server.URL}, nil)
	results := m.EmitExecutionFailed(context.Background(), webhookEnsemble(ensemble.NotificationConfig{
		Type:   ensemble.NotificationEmail,
		To:     ensemble.StringList{"ops@example.com"},
		Events: []ensemble.EventType{ensemble.EventExecutionFailed},
	}), map[string]any{"message": "boom"})

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, http.StatusAccepted, results[0].StatusCode)

	var payload MailPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Contains(t, payload.Subject, "execution.failed")
}

func TestSlackSenderWithoutToken(t *testing.T) {
	m := NewManager(nil, nil)
	results := m.EmitExecutionCompleted(context.Background(), webhookEnsemble(ensemble.NotificationConfig{
		Type:    ensemble.NotificationSlack,
		Channel: "#ops",
		Events:  []ensemble.EventType{ensemble.EventExecutionCompleted},
	}), nil)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "SLACK_BOT_TOKEN")
}

func TestSlackSenderPostsMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"#ops","ts":"1"}`))
	}))
	defer server.Close()

	s := newSlackSender(map[string]string{"SLACK_BOT_TOKEN": "xoxb-test"}, testLogger())
	s.apiURL = server.URL + "/"

	result := s.Send(context.Background(), ensemble.NotificationConfig{
		Type:    ensemble.NotificationSlack,
		Channel: "#ops",
	}, Event{
		Event:     ensemble.EventExecutionCompleted,
		Timestamp: "2026-01-02T03:04:05Z",
		Data:      map[string]any{"ensemble": "greet"},
	})

	assert.True(t, result.Success)
	assert.Equal(t, "#ops", result.Target)
}

func testLogger() *slog.Logger { return slog.Default() }
