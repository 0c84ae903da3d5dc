package ensemble

// BackoffStrategy defines how the scoring retry delay grows between attempts
type BackoffStrategy string

const (
	// BackoffLinear adds one second per attempt, capped at 30s
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential doubles the delay per attempt, capped at 60s
	BackoffExponential BackoffStrategy = "exponential"
	// BackoffFixed keeps the initial delay for every attempt
	BackoffFixed BackoffStrategy = "fixed"
)

// IsValid checks if the backoff strategy is valid
func (s BackoffStrategy) IsValid() bool {
	return s == BackoffLinear || s == BackoffExponential || s == BackoffFixed
}

// Aggregation defines how per-step scores combine into the ensemble score
type Aggregation string

const (
	// AggregationWeightedAverage weights each agent's latest passing score
	AggregationWeightedAverage Aggregation = "weighted_average"
	// AggregationMinimum takes the lowest passing score
	AggregationMinimum Aggregation = "minimum"
	// AggregationGeometricMean multiplies passing scores and takes the nth root
	AggregationGeometricMean Aggregation = "geometric_mean"
)

// IsValid checks if the aggregation mode is valid
func (a Aggregation) IsValid() bool {
	return a == AggregationWeightedAverage || a == AggregationMinimum || a == AggregationGeometricMean
}

// FailurePolicy defines what a scored step does when its score stays below
// the minimum threshold
type FailurePolicy string

const (
	// FailureRetry re-executes the step with backoff until the retry limit
	FailureRetry FailurePolicy = "retry"
	// FailureContinue accepts the below-threshold output after one attempt
	FailureContinue FailurePolicy = "continue"
	// FailureAbort fails the run immediately
	FailureAbort FailurePolicy = "abort"
)

// IsValid checks if the failure policy is valid
func (p FailurePolicy) IsValid() bool {
	return p == FailureRetry || p == FailureContinue || p == FailureAbort
}

// TriggerType defines how an ensemble run can be initiated
type TriggerType string

const (
	TriggerWebhook TriggerType = "webhook"
	TriggerMCP     TriggerType = "mcp"
	TriggerEmail   TriggerType = "email"
	TriggerQueue   TriggerType = "queue"
	TriggerCron    TriggerType = "cron"
)

// IsValid checks if the trigger type is valid
func (t TriggerType) IsValid() bool {
	switch t {
	case TriggerWebhook, TriggerMCP, TriggerEmail, TriggerQueue, TriggerCron:
		return true
	default:
		return false
	}
}

// RequiresAuth reports whether this trigger kind must carry auth or be
// explicitly marked public.
func (t TriggerType) RequiresAuth() bool {
	return t == TriggerWebhook || t == TriggerMCP || t == TriggerEmail
}

// NotificationType defines the delivery channel for a notification target
type NotificationType string

const (
	NotificationWebhook NotificationType = "webhook"
	NotificationEmail   NotificationType = "email"
	NotificationSlack   NotificationType = "slack"
)

// IsValid checks if the notification type is valid
func (t NotificationType) IsValid() bool {
	return t == NotificationWebhook || t == NotificationEmail || t == NotificationSlack
}

// EventType identifies a run lifecycle event that notifications and the
// event stream can subscribe to
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionTimeout   EventType = "execution.timeout"
	EventAgentCompleted     EventType = "agent.completed"
	EventStateUpdated       EventType = "state.updated"
)

// IsValid checks if the event type is valid
func (e EventType) IsValid() bool {
	switch e {
	case EventExecutionStarted, EventExecutionCompleted, EventExecutionFailed,
		EventExecutionTimeout, EventAgentCompleted, EventStateUpdated:
		return true
	default:
		return false
	}
}
