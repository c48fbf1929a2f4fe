package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/domain"
)

func TestDefaultPolicyDecisions(t *testing.T) {
	ctx := context.Background()
	gate, err := NewGate(ctx, "")
	require.NoError(t, err)

	tests := []struct {
		name     string
		toolName string
		want     string
	}{
		{"ordinary tool allowed", "web_search", domain.DisplayAllow},
		{"secret reader redacted", "vault_secret_read", domain.DisplayRedact},
		{"credential tool redacted", "aws_credential_export", domain.DisplayRedact},
		{"shell collapsed", "shell_exec", domain.DisplayRequireAck},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gate.Evaluate(ctx, tt.toolName, []byte(`{"q":"x"}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCustomPolicy(t *testing.T) {
	ctx := context.Background()
	gate, err := NewGate(ctx, `
package weft.display

default decision = "redact"

decision = "allow" {
	input.tool_name == "clock_now"
}
`)
	require.NoError(t, err)

	got, err := gate.Evaluate(ctx, "clock_now", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DisplayAllow, got)

	got, err = gate.Evaluate(ctx, "anything_else", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DisplayRedact, got)
}

func TestInvalidPolicyRejected(t *testing.T) {
	_, err := NewGate(context.Background(), "this is not rego")
	assert.Error(t, err)
}

func TestNonJSONInputTolerated(t *testing.T) {
	ctx := context.Background()
	gate, err := NewGate(ctx, "")
	require.NoError(t, err)

	got, err := gate.Evaluate(ctx, "web_search", []byte("plain text args"))
	require.NoError(t, err)
	assert.Equal(t, domain.DisplayAllow, got)
}
