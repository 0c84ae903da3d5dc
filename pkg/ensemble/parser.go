package ensemble

import (
	"bytes"
	"fmt"
	"os"
	"regexp"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// envTokenPattern matches ${env.NAME} tokens. Only this namespaced form is
// expanded at parse time; all other ${...} tokens belong to the runtime
// interpolation engine and must survive parsing untouched.
var envTokenPattern = regexp.MustCompile(`\$\{env\.([A-Za-z_][A-Za-z0-9_]*)\}`)

// cronParser accepts standard five-field cron expressions plus descriptors
// like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ExpandEnv replaces every ${env.NAME} token in a YAML document with the
// value of the NAME environment variable. Missing variables expand to the
// empty string; validation catches required fields that end up empty.
func ExpandEnv(data []byte) []byte {
	return envTokenPattern.ReplaceAllFunc(data, func(token []byte) []byte {
		name := envTokenPattern.FindSubmatch(token)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Parse turns YAML text into a validated Ensemble. ${env.NAME} tokens are
// expanded first. All failures are ParseError; no partial ensembles are
// ever returned.
func Parse(data []byte) (*Ensemble, error) {
	expanded := ExpandEnv(data)

	var e Ensemble
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&e); err != nil {
		return nil, newParseError(peekName(expanded), nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
	}

	if issues := validate(&e); len(issues) > 0 {
		return nil, newParseError(e.Name, issues, ErrValidationFailed)
	}

	return &e, nil
}

// peekName best-effort extracts the document name for error context when
// full decoding failed.
func peekName(data []byte) string {
	var doc struct {
		Name string `yaml:"name"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Name
}

// validate runs the full schema check and returns every violation found,
// path-annotated. The caller fails fast on the first non-empty batch.
func validate(e *Ensemble) []Issue {
	var issues []Issue
	add := func(path, format string, args ...any) {
		issues = append(issues, Issue{Path: path, Reason: fmt.Sprintf(format, args...)})
	}

	if e.Name == "" {
		add("name", "must not be empty")
	}

	if len(e.Flow) == 0 {
		add("flow", "must contain at least one step")
	}
	for i, step := range e.Flow {
		path := fmt.Sprintf("flow.%d", i)
		if step.Agent == "" {
			add(path+".agent", "must not be empty")
		} else if _, err := ParseAgentReference(step.Agent); err != nil {
			add(path+".agent", "%v", err)
		}
		if step.Scoring != nil {
			validateStepScoring(path+".scoring", step.Scoring, add)
		}
	}

	if e.Scoring != nil {
		validateScoring("scoring", e.Scoring, add)
	}

	for i, trigger := range e.Triggers {
		validateTrigger(fmt.Sprintf("trigger.%d", i), &trigger, add)
	}

	for i, notification := range e.Notifications {
		validateNotification(fmt.Sprintf("notifications.%d", i), &notification, add)
	}

	return issues
}

func validateScoring(path string, s *ScoringConfig, add func(string, string, ...any)) {
	if s.DefaultThresholds != nil {
		validateThresholds(path+".defaultThresholds", s.DefaultThresholds, add)
	}
	// Zero means "not set"; the executor applies the default of 3.
	if s.MaxRetries < 0 {
		add(path+".maxRetries", "must be at least 1")
	}
	if s.BackoffStrategy != "" && !s.BackoffStrategy.IsValid() {
		add(path+".backoffStrategy", "must be one of linear, exponential, fixed")
	}
	if s.InitialBackoffMS < 0 {
		add(path+".initialBackoff", "must not be negative")
	}
	if s.Aggregation != "" && !s.Aggregation.IsValid() {
		add(path+".aggregation", "must be one of weighted_average, minimum, geometric_mean")
	}
}

func validateStepScoring(path string, s *StepScoring, add func(string, string, ...any)) {
	if s.Evaluator == "" {
		add(path+".evaluator", "must not be empty")
	} else if _, err := ParseAgentReference(s.Evaluator); err != nil {
		add(path+".evaluator", "%v", err)
	}
	if s.Thresholds != nil {
		validateThresholds(path+".thresholds", s.Thresholds, add)
	}
	if s.OnFailure != "" && !s.OnFailure.IsValid() {
		add(path+".onFailure", "must be one of retry, continue, abort")
	}
	if s.RetryLimit < 0 {
		add(path+".retryLimit", "must be at least 1")
	}
	if s.MinImprovement < 0 || s.MinImprovement > 1 {
		add(path+".minImprovement", "must be within [0,1]")
	}
}

func validateThresholds(path string, t *Thresholds, add func(string, string, ...any)) {
	if t.Minimum < 0 || t.Minimum > 1 {
		add(path+".minimum", "must be within [0,1]")
	}
	if t.Target != nil && (*t.Target < 0 || *t.Target > 1) {
		add(path+".target", "must be within [0,1]")
	}
	if t.Excellent != nil && (*t.Excellent < 0 || *t.Excellent > 1) {
		add(path+".excellent", "must be within [0,1]")
	}
}

func validateTrigger(path string, t *TriggerConfig, add func(string, string, ...any)) {
	if !t.Type.IsValid() {
		add(path+".type", "must be one of webhook, mcp, email, queue, cron")
		return
	}
	if t.Type.RequiresAuth() && len(t.Auth) == 0 && !t.Public {
		add(path, "%s trigger requires auth or explicit public: true", t.Type)
	}
	if t.Type == TriggerCron {
		if t.Schedule == "" {
			add(path+".schedule", "cron trigger requires a schedule")
		} else if _, err := cronParser.Parse(t.Schedule); err != nil {
			add(path+".schedule", "invalid cron expression: %v", err)
		}
	}
	if t.Type == TriggerQueue && t.Queue == "" {
		add(path+".queue", "queue trigger requires a queue name")
	}
}

func validateNotification(path string, n *NotificationConfig, add func(string, string, ...any)) {
	if !n.Type.IsValid() {
		add(path+".type", "must be one of webhook, email, slack")
		return
	}
	if len(n.Events) == 0 {
		add(path+".events", "must list at least one event")
	}
	for i, event := range n.Events {
		if !event.IsValid() {
			add(fmt.Sprintf("%s.events.%d", path, i), "unknown event %q", event)
		}
	}
	switch n.Type {
	case NotificationWebhook:
		if n.URL == "" {
			add(path+".url", "webhook notification requires a url")
		}
		if n.Retries != nil && *n.Retries < 0 {
			add(path+".retries", "must not be negative")
		}
		if n.TimeoutMS != nil && *n.TimeoutMS <= 0 {
			add(path+".timeout", "must be positive")
		}
	case NotificationEmail:
		if len(n.To) == 0 {
			add(path+".to", "email notification requires at least one recipient")
		}
	case NotificationSlack:
		if n.Channel == "" {
			add(path+".channel", "slack notification requires a channel")
		}
	}
}
