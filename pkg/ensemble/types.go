// Package ensemble defines the declarative workflow document (a named flow
// of agent invocations with shared state, scoring, triggers, and
// notifications) and the parser/validator that turns YAML into a typed,
// immutable Ensemble.
package ensemble

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Ensemble is a parsed and validated workflow document. Immutable after
// Parse returns it.
type Ensemble struct {
	Name          string               `yaml:"name"`
	Description   string               `yaml:"description,omitempty"`
	State         *StateConfig         `yaml:"state,omitempty"`
	Scoring       *ScoringConfig       `yaml:"scoring,omitempty"`
	Triggers      []TriggerConfig      `yaml:"trigger,omitempty"`
	Notifications []NotificationConfig `yaml:"notifications,omitempty"`
	Flow          []FlowStep           `yaml:"flow"`
	Output        map[string]any       `yaml:"output,omitempty"`
}

// StateConfig declares the shared state of a run. Schema is metadata only;
// Initial seeds the state manager.
type StateConfig struct {
	Schema  map[string]any `yaml:"schema,omitempty"`
	Initial map[string]any `yaml:"initial,omitempty"`
}

// Thresholds are score cut-offs in [0,1]. Minimum gates pass/fail; Target
// and Excellent are reporting bands.
type Thresholds struct {
	Minimum   float64  `yaml:"minimum"`
	Target    *float64 `yaml:"target,omitempty"`
	Excellent *float64 `yaml:"excellent,omitempty"`
}

// ScoringConfig enables evaluator-driven quality gates for the whole
// ensemble. Per-step overrides live on FlowStep.Scoring.
type ScoringConfig struct {
	Enabled           bool               `yaml:"enabled"`
	DefaultThresholds *Thresholds        `yaml:"defaultThresholds,omitempty"`
	MaxRetries        int                `yaml:"maxRetries,omitempty"`
	BackoffStrategy   BackoffStrategy    `yaml:"backoffStrategy,omitempty"`
	InitialBackoffMS  int                `yaml:"initialBackoff,omitempty"`
	TrackInState      bool               `yaml:"trackInState,omitempty"`
	Criteria          map[string]float64 `yaml:"criteria,omitempty"`
	Aggregation       Aggregation        `yaml:"aggregation,omitempty"`
}

// TriggerConfig is one entry in the ensemble's trigger list. Type selects
// the variant; the remaining fields apply per type. Webhook, mcp, and email
// triggers must carry Auth or Public=true.
type TriggerConfig struct {
	Type     TriggerType    `yaml:"type"`
	Auth     map[string]any `yaml:"auth,omitempty"`
	Public   bool           `yaml:"public,omitempty"`
	Path     string         `yaml:"path,omitempty"`     // webhook
	Schedule string         `yaml:"schedule,omitempty"` // cron
	Queue    string         `yaml:"queue,omitempty"`    // queue
	Address  string         `yaml:"address,omitempty"`  // email
}

// NotificationConfig is one notification target. Type selects the variant.
type NotificationConfig struct {
	Type   NotificationType `yaml:"type"`
	Events []EventType      `yaml:"events"`

	// Webhook fields
	URL       string `yaml:"url,omitempty"`
	Secret    string `yaml:"secret,omitempty"`
	Retries   *int   `yaml:"retries,omitempty"`
	TimeoutMS *int   `yaml:"timeout,omitempty"`

	// Email fields
	To      StringList `yaml:"to,omitempty"`
	Subject string     `yaml:"subject,omitempty"`
	From    string     `yaml:"from,omitempty"`

	// Slack fields
	Channel  string `yaml:"channel,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
}

// FlowStep is one agent invocation in the flow.
type FlowStep struct {
	Agent   string         `yaml:"agent"`
	Input   map[string]any `yaml:"input,omitempty"`
	State   *StepState     `yaml:"state,omitempty"`
	Cache   *CacheConfig   `yaml:"cache,omitempty"`
	Scoring *StepScoring   `yaml:"scoring,omitempty"`

	// Condition is reserved for future use; the engine parses but does not
	// evaluate it.
	Condition string `yaml:"condition,omitempty"`
}

// StepState declares which state keys a step may read (Use) and write (Set).
type StepState struct {
	Use []string `yaml:"use,omitempty"`
	Set []string `yaml:"set,omitempty"`
}

// CacheConfig is advisory caching metadata consumed by the agent itself.
type CacheConfig struct {
	TTL    int  `yaml:"ttl,omitempty"`
	Bypass bool `yaml:"bypass,omitempty"`
}

// StepScoring overrides ensemble-wide scoring for a single step.
type StepScoring struct {
	Evaluator          string             `yaml:"evaluator"`
	Thresholds         *Thresholds        `yaml:"thresholds,omitempty"`
	Criteria           map[string]float64 `yaml:"criteria,omitempty"`
	OnFailure          FailurePolicy      `yaml:"onFailure,omitempty"`
	RetryLimit         int                `yaml:"retryLimit,omitempty"`
	RequireImprovement bool               `yaml:"requireImprovement,omitempty"`
	MinImprovement     float64            `yaml:"minImprovement,omitempty"`
}

// StringList accepts either a single YAML string or a sequence of strings.
type StringList []string

// UnmarshalYAML implements custom unmarshaling to support both:
//   - Short-form:  to: ops@example.com
//   - Long-form:   to: [ops@example.com, oncall@example.com]
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*l = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		out := make(StringList, 0, len(value.Content))
		for i, node := range value.Content {
			if node.Kind != yaml.ScalarNode {
				return fmt.Errorf("entry %d: expected string, got %s", i, node.Tag)
			}
			out = append(out, node.Value)
		}
		*l = out
		return nil
	default:
		return fmt.Errorf("expected string or sequence, got %v", value.Tag)
	}
}

// AgentNames returns the deduplicated, version-stripped agent names used by
// the flow (evaluators included).
func (e *Ensemble) AgentNames() []string {
	seen := make(map[string]bool)
	names := make([]string, 0, len(e.Flow))
	add := func(ref string) {
		parsed, err := ParseAgentReference(ref)
		if err != nil {
			return
		}
		if !seen[parsed.Name] {
			seen[parsed.Name] = true
			names = append(names, parsed.Name)
		}
	}
	for _, step := range e.Flow {
		add(step.Agent)
		if step.Scoring != nil && step.Scoring.Evaluator != "" {
			add(step.Scoring.Evaluator)
		}
	}
	return names
}
