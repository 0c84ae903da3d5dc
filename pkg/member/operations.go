package member

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"sync"
	"time"
)

// NewFromConfig constructs an agent for an inline config by dispatching on
// its operation. An inline handler in cfg.Config["handler"] overrides the
// operation's default body. Unknown operations are an ErrAgentConfig.
func NewFromConfig(cfg AgentConfig, env map[string]string) (Agent, error) {
	op := cfg.Operation
	if op == "" {
		op = OperationCode
	}

	if run, ok := handlerFromConfig(cfg); ok {
		return NewHandlerAgent(cfg.Name, op, run), nil
	}

	switch op {
	case OperationThink:
		return NewHandlerAgent(cfg.Name, op, thinkHandler), nil
	case OperationHTTP:
		return NewHandlerAgent(cfg.Name, op, requestHandler), nil
	case OperationStorage:
		return newDataAgent(cfg.Name), nil
	case OperationEmail:
		return NewHandlerAgent(cfg.Name, op, deliveryHandler("EMAIL_API_URL", env)), nil
	case OperationSMS:
		return NewHandlerAgent(cfg.Name, op, deliveryHandler("SMS_API_URL", env)), nil
	case OperationForm:
		return NewHandlerAgent(cfg.Name, op, formHandler(stringSlice(cfg.Config["fields"]))), nil
	case OperationPage, OperationHTML:
		return NewHandlerAgent(cfg.Name, op, renderHandler), nil
	case OperationPDF, OperationDocs:
		return NewHandlerAgent(cfg.Name, op, unboundRenderer(op)), nil
	case OperationCode:
		return NewHandlerAgent(cfg.Name, op, echoHandler), nil
	default:
		return nil, fmt.Errorf("%w: unsupported operation %q", ErrAgentConfig, op)
	}
}

// thinkHandler is the default think body when no model is bound: it echoes
// the prompt so flows remain runnable in isolation. Hosts bind a real model
// by registering an agent or supplying an inline handler.
func thinkHandler(_ context.Context, mc *Context) (any, error) {
	prompt := stringField(mc.Input, "prompt")
	if prompt == "" {
		if s, ok := mc.Input.(string); ok {
			prompt = s
		}
	}
	return map[string]any{"prompt": prompt, "model": "unbound"}, nil
}

// requestHandler performs a full HTTP request described by the input:
// {url, method?, headers?, body?}.
func requestHandler(ctx context.Context, mc *Context) (any, error) {
	url := stringField(mc.Input, "url")
	if url == "" {
		return nil, fmt.Errorf("%w: http operation requires a url", ErrAgentConfig)
	}
	method := stringField(mc.Input, "method")
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if m, ok := mc.Input.(map[string]any); ok {
		if raw, ok := m["body"]; ok {
			data, err := json.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("encoding request body: %w", err)
			}
			body = bytes.NewReader(data)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if m, ok := mc.Input.(map[string]any); ok {
		if headers, ok := m["headers"].(map[string]any); ok {
			for k, v := range headers {
				if s, ok := v.(string); ok {
					req.Header.Set(k, s)
				}
			}
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		decoded = string(data)
	}
	return map[string]any{"status": resp.StatusCode, "body": decoded}, nil
}

// dataAgent is the storage operation: an in-process KV scoped to the agent
// instance. Input: {op: get|set|delete|list, key?, value?}.
type dataAgent struct {
	name string
	mu   sync.Mutex
	kv   map[string]any
}

func newDataAgent(name string) *dataAgent {
	return &dataAgent{name: name, kv: make(map[string]any)}
}

func (a *dataAgent) Name() string         { return a.name }
func (a *dataAgent) Operation() Operation { return OperationStorage }

func (a *dataAgent) Execute(_ context.Context, mc *Context) (*Response, error) {
	start := time.Now()
	op := stringField(mc.Input, "op")
	key := stringField(mc.Input, "key")

	a.mu.Lock()
	defer a.mu.Unlock()

	switch op {
	case "get":
		val, ok := a.kv[key]
		if !ok {
			return Fail(a, fmt.Sprintf("key %q not found", key), time.Since(start)), nil
		}
		return Succeed(a, map[string]any{"key": key, "value": val}, time.Since(start)), nil
	case "set":
		var value any
		if m, ok := mc.Input.(map[string]any); ok {
			value = m["value"]
		}
		a.kv[key] = value
		return Succeed(a, map[string]any{"key": key, "stored": true}, time.Since(start)), nil
	case "delete":
		delete(a.kv, key)
		return Succeed(a, map[string]any{"key": key, "deleted": true}, time.Since(start)), nil
	case "list":
		keys := make([]any, 0, len(a.kv))
		for k := range a.kv {
			keys = append(keys, k)
		}
		return Succeed(a, map[string]any{"keys": keys}, time.Since(start)), nil
	default:
		return Fail(a, fmt.Sprintf("unsupported storage op %q", op), time.Since(start)), nil
	}
}

// deliveryHandler posts the input payload to an env-bound endpoint. Without
// a bound endpoint the delivery is a dry run, reported in-band.
func deliveryHandler(envKey string, env map[string]string) HandlerFunc {
	return func(ctx context.Context, mc *Context) (any, error) {
		endpoint := env[envKey]
		if endpoint == "" {
			return map[string]any{"delivered": false, "dryRun": true, "reason": envKey + " not bound"}, nil
		}

		payload, err := json.Marshal(mc.Input)
		if err != nil {
			return nil, fmt.Errorf("encoding delivery payload: %w", err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("delivering to %s: %w", endpoint, err)
		}
		defer func() { _ = resp.Body.Close() }()
		_, _ = io.Copy(io.Discard, resp.Body)

		return map[string]any{"delivered": resp.StatusCode < 300, "status": resp.StatusCode}, nil
	}
}

// formHandler validates that the declared fields are present, then echoes
// the normalized field map.
func formHandler(fields []string) HandlerFunc {
	return func(_ context.Context, mc *Context) (any, error) {
		input, _ := mc.Input.(map[string]any)
		var missing []string
		values := make(map[string]any, len(fields))
		for _, field := range fields {
			val, ok := input[field]
			if !ok {
				missing = append(missing, field)
				continue
			}
			values[field] = val
		}
		return map[string]any{"valid": len(missing) == 0, "missing": missing, "fields": values}, nil
	}
}

// renderHandler produces a minimal HTML document from {title, content}.
func renderHandler(_ context.Context, mc *Context) (any, error) {
	title := stringField(mc.Input, "title")
	content := stringField(mc.Input, "content")
	doc := fmt.Sprintf("<!doctype html><html><head><title>%s</title></head><body>%s</body></html>",
		html.EscapeString(title), content)
	return map[string]any{"html": doc}, nil
}

// unboundRenderer reports in-band that no renderer is bound for the
// operation. PDF and docs rendering are host-provided capabilities.
func unboundRenderer(op Operation) HandlerFunc {
	return func(_ context.Context, _ *Context) (any, error) {
		return map[string]any{"rendered": false, "reason": fmt.Sprintf("no %s renderer bound", op)}, nil
	}
}

// echoHandler is the code-operation default when no inline handler is
// given: it passes the input through unchanged.
func echoHandler(_ context.Context, mc *Context) (any, error) {
	return mc.Input, nil
}
