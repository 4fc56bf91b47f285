package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exprView() map[string]any {
	return map[string]any{
		"status":  "APPROVED",
		"amount":  float64(150),
		"active":  true,
		"comment": "",
		"input":   map[string]any{"tier": "gold"},
		"nodes": map[string]any{
			"check": map[string]any{"score": float64(0.87)},
		},
	}
}

func TestEvaluateExpressionComparisons(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"status == 'APPROVED'", true},
		{"status != 'APPROVED'", false},
		{"amount > 100", true},
		{"amount >= 150", true},
		{"amount < 100", false},
		{"amount <= 150", true},
		{"input.tier == 'gold'", true},
		{"nodes.check.score > 0.9", false},
		{"nodes.check.score <= 0.87", true},
	}
	for _, tc := range cases {
		got, err := EvaluateExpression(tc.expr, exprView())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateExpressionTruthiness(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"active", true},
		{"!active", false},
		{"comment", false},
		{"!comment", true},
		{"missing.path", false},
		{"!missing.path", true},
	}
	for _, tc := range cases {
		got, err := EvaluateExpression(tc.expr, exprView())
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateExpressionNullComparison(t *testing.T) {
	got, err := EvaluateExpression("missing.path == null", exprView())
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvaluateExpressionEmptyIsError(t *testing.T) {
	_, err := EvaluateExpression("   ", exprView())
	require.Error(t, err)
	assert.True(t, IsConfigurationError(err))
}
