package ensemble

import (
	"fmt"
	"regexp"
	"strings"
)

// refPattern is the full agent reference syntax: a name, optionally
// followed by a single @version. Both parts share the same character set.
var refPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+(@[A-Za-z0-9._-]+)?$`)

// AgentReference is a parsed `name` or `name@version` reference.
type AgentReference struct {
	Name    string
	Version string
}

// String renders the reference back to its wire form.
func (r AgentReference) String() string {
	if r.Version == "" {
		return r.Name
	}
	return r.Name + "@" + r.Version
}

// ParseAgentReference splits a reference on its single optional @.
// Any other shape (empty parts, multiple @, illegal characters) is an
// ErrInvalidReference.
func ParseAgentReference(ref string) (AgentReference, error) {
	if !refPattern.MatchString(ref) {
		return AgentReference{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
	name, version, found := strings.Cut(ref, "@")
	if !found {
		return AgentReference{Name: name}, nil
	}
	return AgentReference{Name: name, Version: version}, nil
}

// ValidateAgentReferences checks every flow step's agent (and evaluator)
// against the set of available agent names, versions stripped. Returns a
// ParseError naming each missing agent, or nil when all resolve.
func ValidateAgentReferences(e *Ensemble, available map[string]bool) error {
	var missing []Issue
	seen := make(map[string]bool)

	check := func(path, ref string) {
		parsed, err := ParseAgentReference(ref)
		if err != nil {
			missing = append(missing, Issue{Path: path, Reason: err.Error()})
			return
		}
		if !available[parsed.Name] && !seen[parsed.Name] {
			seen[parsed.Name] = true
			missing = append(missing, Issue{
				Path:   path,
				Reason: fmt.Sprintf("agent %q is not available", parsed.Name),
			})
		}
	}

	for i, step := range e.Flow {
		check(fmt.Sprintf("flow.%d.agent", i), step.Agent)
		if step.Scoring != nil && step.Scoring.Evaluator != "" {
			check(fmt.Sprintf("flow.%d.scoring.evaluator", i), step.Scoring.Evaluator)
		}
	}

	if len(missing) > 0 {
		return newParseError(e.Name, missing, ErrUnknownAgent)
	}
	return nil
}
