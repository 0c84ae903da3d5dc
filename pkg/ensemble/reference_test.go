package ensemble

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAgentReference(t *testing.T) {
	tests := []struct {
		ref     string
		want    AgentReference
		wantErr bool
	}{
		{ref: "fetch", want: AgentReference{Name: "fetch"}},
		{ref: "quality-checker", want: AgentReference{Name: "quality-checker"}},
		{ref: "fetch@1.2.0", want: AgentReference{Name: "fetch", Version: "1.2.0"}},
		{ref: "my_agent.v2@beta-1", want: AgentReference{Name: "my_agent.v2", Version: "beta-1"}},
		{ref: "", wantErr: true},
		{ref: "a@b@c", wantErr: true},
		{ref: "@1.0", wantErr: true},
		{ref: "fetch@", wantErr: true},
		{ref: "bad name", wantErr: true},
		{ref: "agent!", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ParseAgentReference(tt.ref)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidReference))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.ref, got.String())
		})
	}
}

func TestValidateAgentReferences(t *testing.T) {
	e := &Ensemble{
		Name: "greet",
		Flow: []FlowStep{
			{Agent: "A"},
			{Agent: "B@2.0", Scoring: &StepScoring{Evaluator: "judge"}},
			{Agent: "ghost"},
		},
	}

	available := map[string]bool{"A": true, "B": true, "judge": true}

	err := ValidateAgentReferences(e, available)
	require.Error(t, err)

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.True(t, errors.Is(err, ErrUnknownAgent))
	assert.Contains(t, err.Error(), "ghost")
	assert.NotContains(t, err.Error(), `"A"`)

	available["ghost"] = true
	assert.NoError(t, ValidateAgentReferences(e, available))
}

func TestAgentNames(t *testing.T) {
	e := &Ensemble{
		Flow: []FlowStep{
			{Agent: "A@1.0"},
			{Agent: "B", Scoring: &StepScoring{Evaluator: "judge"}},
			{Agent: "A"},
		},
	}
	assert.Equal(t, []string{"A", "B", "judge"}, e.AgentNames())
}
