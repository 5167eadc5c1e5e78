package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateEqMatchesDottedPath(t *testing.T) {
	rule := Rule{Comparator: ComparatorEq, Path: "actor.type", Value: "service-account"}
	input := Input{Actor: map[string]any{"type": "service-account"}}
	result := Evaluate(rule, input)
	require.True(t, result.Match)
}

func TestEvaluateAndRequiresAllChildren(t *testing.T) {
	rule := Rule{Combinator: CombinatorAnd, Children: []Rule{
		{Comparator: ComparatorEq, Path: "action", Value: "ledger.post"},
		{Comparator: ComparatorGte, Path: "resource.amount_cents", Value: float64(100000)},
	}}
	matching := Input{Action: "ledger.post", Resource: map[string]any{"amount_cents": float64(250000)}}
	require.True(t, Evaluate(rule, matching).Match)

	nonMatching := Input{Action: "ledger.post", Resource: map[string]any{"amount_cents": float64(500)}}
	require.False(t, Evaluate(rule, nonMatching).Match)
}

func TestEvaluateNotInvertsChild(t *testing.T) {
	rule := Rule{Combinator: CombinatorNot, Children: []Rule{
		{Comparator: ComparatorEq, Path: "actor.id", Value: "trusted-service"},
	}}
	require.False(t, Evaluate(rule, Input{Actor: map[string]any{"id": "trusted-service"}}).Match)
	require.True(t, Evaluate(rule, Input{Actor: map[string]any{"id": "unknown"}}).Match)
}

func TestEvaluateInAndRegex(t *testing.T) {
	inRule := Rule{Comparator: ComparatorIn, Path: "actor.roles", Value: []any{"admin", "auditor"}}
	require.False(t, Evaluate(inRule, Input{Actor: map[string]any{"roles": "viewer"}}).Match)

	regexRule := Rule{Comparator: ComparatorRegex, Path: "resource.id", Value: `^div-\d+$`}
	require.True(t, Evaluate(regexRule, Input{Resource: map[string]any{"id": "div-42"}}).Match)
	require.False(t, Evaluate(regexRule, Input{Resource: map[string]any{"id": "division-42"}}).Match)
}

func TestEvaluateExistsOnMissingPath(t *testing.T) {
	rule := Rule{Comparator: ComparatorExists, Path: "context.flagged"}
	require.False(t, Evaluate(rule, Input{Context: map[string]any{}}).Match)
	require.True(t, Evaluate(rule, Input{Context: map[string]any{"flagged": true}}).Match)
}

func TestEvaluateIsPureAndDeterministic(t *testing.T) {
	rule := Rule{Comparator: ComparatorEq, Path: "action", Value: "delete"}
	input := Input{Action: "delete"}
	first := Evaluate(rule, input)
	second := Evaluate(rule, input)
	require.Equal(t, first.Match, second.Match)
}
