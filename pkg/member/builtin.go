package member

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// BuiltinNames is the seed set of bundled members. Stable from process
// start: IsBuiltIn returns true for each of these before any resolver call.
var BuiltinNames = []string{"scrape", "validate", "rag", "hitl", "fetch", "tools", "queries"}

const defaultFetchTimeout = 30 * time.Second

// seedBuiltins registers the bundled members. Operation-typed constructors
// (think/http/storage/...) are not seeded here; they are instantiated by
// operation dispatch in NewFromConfig.
func seedBuiltins(r *Registry) {
	r.Register(EntryMetadata{
		Name: "fetch", Version: "1.0.0", Operation: OperationHTTP,
		Description: "HTTP GET a URL and return status and body",
		Tags:        []string{"http", "network"},
	}, func(cfg AgentConfig, env map[string]string) (Agent, error) {
		return NewHandlerAgent(cfg.Name, OperationHTTP, fetchHandler(false)), nil
	})

	r.Register(EntryMetadata{
		Name: "scrape", Version: "1.0.0", Operation: OperationHTTP,
		Description: "fetch a page and return its visible text content",
		Tags:        []string{"http", "scrape"},
	}, func(cfg AgentConfig, env map[string]string) (Agent, error) {
		return NewHandlerAgent(cfg.Name, OperationHTTP, fetchHandler(true)), nil
	})

	r.Register(EntryMetadata{
		Name: "validate", Version: "1.0.0", Operation: OperationCode,
		Description: "check required fields on the input object",
		Tags:        []string{"validation"},
		Schemas: map[string]any{
			"config": map[string]any{"required": "list of field names"},
		},
	}, func(cfg AgentConfig, env map[string]string) (Agent, error) {
		required := stringSlice(cfg.Config["required"])
		return NewHandlerAgent(cfg.Name, OperationCode, func(_ context.Context, mc *Context) (any, error) {
			input, _ := mc.Input.(map[string]any)
			var missing []string
			for _, field := range required {
				if _, ok := input[field]; !ok {
					missing = append(missing, field)
				}
			}
			return map[string]any{"valid": len(missing) == 0, "missing": missing}, nil
		}), nil
	})

	r.Register(EntryMetadata{
		Name: "rag", Version: "1.0.0", Operation: OperationDocs,
		Description: "retrieve documents for a query from the bound document store",
		Tags:        []string{"retrieval"},
	}, func(cfg AgentConfig, env map[string]string) (Agent, error) {
		return NewHandlerAgent(cfg.Name, OperationDocs, func(_ context.Context, mc *Context) (any, error) {
			query := stringField(mc.Input, "query")
			// No document store bound in-process. Built-ins win bare-name
			// resolution, so hosts that want their own retrieval register
			// an agent and reference it under a versioned name.
			return map[string]any{"query": query, "documents": []any{}}, nil
		}), nil
	})

	r.Register(EntryMetadata{
		Name: "hitl", Version: "1.0.0", Operation: OperationForm,
		Description: "hand the current payload to a human and report pending approval",
		Tags:        []string{"human"},
	}, func(cfg AgentConfig, env map[string]string) (Agent, error) {
		return NewHandlerAgent(cfg.Name, OperationForm, func(_ context.Context, mc *Context) (any, error) {
			return map[string]any{"status": "pending", "payload": mc.Input}, nil
		}), nil
	})

	r.Register(EntryMetadata{
		Name: "tools", Version: "1.0.0", Operation: OperationCode,
		Description: "list the members available in this process",
		Tags:        []string{"introspection"},
	}, func(cfg AgentConfig, env map[string]string) (Agent, error) {
		return NewHandlerAgent(cfg.Name, OperationCode, func(_ context.Context, _ *Context) (any, error) {
			metas := Builtins().List()
			names := make([]any, 0, len(metas))
			for _, m := range metas {
				names = append(names, map[string]any{"name": m.Name, "operation": string(m.Operation)})
			}
			return map[string]any{"tools": names}, nil
		}), nil
	})

	r.Register(EntryMetadata{
		Name: "queries", Version: "1.0.0", Operation: OperationStorage,
		Description: "run a named query against the bound repository",
		Tags:        []string{"storage"},
	}, func(cfg AgentConfig, env map[string]string) (Agent, error) {
		return NewHandlerAgent(cfg.Name, OperationStorage, func(_ context.Context, mc *Context) (any, error) {
			return map[string]any{"query": stringField(mc.Input, "query"), "rows": []any{}}, nil
		}), nil
	})
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// fetchHandler GETs the input URL. With stripMarkup it collapses the body
// to visible text, which is what the scrape member returns.
func fetchHandler(stripMarkup bool) HandlerFunc {
	return func(ctx context.Context, mc *Context) (any, error) {
		url := stringField(mc.Input, "url")
		if url == "" {
			if s, ok := mc.Input.(string); ok {
				url = s
			}
		}
		if url == "" {
			return nil, fmt.Errorf("%w: fetch requires a url", ErrAgentConfig)
		}

		reqCtx, cancel := context.WithTimeout(ctx, defaultFetchTimeout)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetching %s: %w", url, err)
		}
		defer func() { _ = resp.Body.Close() }()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response body: %w", err)
		}

		content := string(body)
		if stripMarkup {
			content = strings.Join(strings.Fields(tagPattern.ReplaceAllString(content, " ")), " ")
		}
		return map[string]any{"url": url, "status": resp.StatusCode, "content": content}, nil
	}
}

func stringField(input any, field string) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[field].(string)
	return s
}

func stringSlice(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			if s, ok := elem.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
