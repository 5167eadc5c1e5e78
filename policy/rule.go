// Package policy implements the policy engine: a pure rule-tree
// evaluator, the evaluateAction decision pipeline, the policy lifecycle
// state machine, canary sampling and auto-rollback, and a short-TTL
// active-policy cache.
package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Combinator enumerates the boolean combinators a Rule node may use.
type Combinator string

const (
	CombinatorAnd Combinator = "and"
	CombinatorOr  Combinator = "or"
	CombinatorNot Combinator = "not"
)

// Comparator enumerates the leaf predicates a Rule node may use.
type Comparator string

const (
	ComparatorEq     Comparator = "eq"
	ComparatorNeq    Comparator = "neq"
	ComparatorIn     Comparator = "in"
	ComparatorRegex  Comparator = "regex"
	ComparatorGt     Comparator = "gt"
	ComparatorGte    Comparator = "gte"
	ComparatorLt     Comparator = "lt"
	ComparatorLte    Comparator = "lte"
	ComparatorExists Comparator = "exists"
)

// Rule is a node in the opaque expression tree the evaluator walks:
// exactly one of Combinator or Comparator is set. Combinator nodes
// recurse into Children (NOT uses exactly one). Comparator nodes
// compare the value found at Path (a dotted lookup into the decision
// input) against Value.
type Rule struct {
	Combinator Combinator `json:"combinator,omitempty"`
	Children   []Rule     `json:"children,omitempty"`

	Comparator Comparator `json:"comparator,omitempty"`
	Path       string     `json:"path,omitempty"`
	Value      any        `json:"value,omitempty"`
}

// Input is the decision input passed to EvaluateAction: {action,
// actor{id,type,roles}, resource, context, request_id}.
type Input struct {
	Action    string         `json:"action"`
	Actor     map[string]any `json:"actor"`
	Resource  map[string]any `json:"resource"`
	Context   map[string]any `json:"context"`
	RequestID string         `json:"request_id"`
}

// asMap flattens Input into the dotted-path lookup namespace the rule
// tree addresses: "action", "actor.id", "resource.foo", "context.bar".
func (in Input) asMap() map[string]any {
	return map[string]any{
		"action":     in.Action,
		"actor":      in.Actor,
		"resource":   in.Resource,
		"context":    in.Context,
		"request_id": in.RequestID,
	}
}

// EvalResult is the evaluator's pure output for a single rule against a
// single input: {match, evidence, explanation}.
type EvalResult struct {
	Match       bool
	Evidence    map[string]any
	Explanation string
}

// Evaluate is a deterministic, side-effect-free pure function of rule
// and input.
func Evaluate(rule Rule, input Input) EvalResult {
	root := input.asMap()
	match, explanation := evalNode(rule, root)
	return EvalResult{
		Match:       match,
		Evidence:    map[string]any{"path": rule.Path, "comparator": rule.Comparator},
		Explanation: explanation,
	}
}

func evalNode(rule Rule, root map[string]any) (bool, string) {
	if rule.Combinator != "" {
		return evalCombinator(rule, root)
	}
	return evalComparator(rule, root)
}

func evalCombinator(rule Rule, root map[string]any) (bool, string) {
	switch rule.Combinator {
	case CombinatorAnd:
		for _, child := range rule.Children {
			ok, reason := evalNode(child, root)
			if !ok {
				return false, "and: " + reason
			}
		}
		return true, "and: all children matched"
	case CombinatorOr:
		for _, child := range rule.Children {
			ok, reason := evalNode(child, root)
			if ok {
				return true, "or: " + reason
			}
		}
		return false, "or: no children matched"
	case CombinatorNot:
		if len(rule.Children) != 1 {
			return false, "not: requires exactly one child"
		}
		ok, reason := evalNode(rule.Children[0], root)
		return !ok, "not: " + reason
	default:
		return false, fmt.Sprintf("unknown combinator %q", rule.Combinator)
	}
}

func evalComparator(rule Rule, root map[string]any) (bool, string) {
	value, found := lookupPath(root, rule.Path)
	switch rule.Comparator {
	case ComparatorExists:
		return found, fmt.Sprintf("exists(%s) == %v", rule.Path, found)
	case ComparatorEq:
		if !found {
			return false, fmt.Sprintf("%s not found", rule.Path)
		}
		return looseEqual(value, rule.Value), fmt.Sprintf("%s == %v", rule.Path, rule.Value)
	case ComparatorNeq:
		if !found {
			return true, fmt.Sprintf("%s not found", rule.Path)
		}
		return !looseEqual(value, rule.Value), fmt.Sprintf("%s != %v", rule.Path, rule.Value)
	case ComparatorIn:
		if !found {
			return false, fmt.Sprintf("%s not found", rule.Path)
		}
		set, ok := rule.Value.([]any)
		if !ok {
			return false, "in: value is not a list"
		}
		for _, candidate := range set {
			if looseEqual(value, candidate) {
				return true, fmt.Sprintf("%s in set", rule.Path)
			}
		}
		return false, fmt.Sprintf("%s not in set", rule.Path)
	case ComparatorRegex:
		if !found {
			return false, fmt.Sprintf("%s not found", rule.Path)
		}
		pattern, ok := rule.Value.(string)
		if !ok {
			return false, "regex: value is not a string"
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Sprintf("regex: invalid pattern %q", pattern)
		}
		str := fmt.Sprintf("%v", value)
		return re.MatchString(str), fmt.Sprintf("%s matches /%s/", rule.Path, pattern)
	case ComparatorGt, ComparatorGte, ComparatorLt, ComparatorLte:
		if !found {
			return false, fmt.Sprintf("%s not found", rule.Path)
		}
		lhs, lok := asFloat(value)
		rhs, rok := asFloat(rule.Value)
		if !lok || !rok {
			return false, "numeric comparator requires numeric operands"
		}
		switch rule.Comparator {
		case ComparatorGt:
			return lhs > rhs, fmt.Sprintf("%s > %v", rule.Path, rhs)
		case ComparatorGte:
			return lhs >= rhs, fmt.Sprintf("%s >= %v", rule.Path, rhs)
		case ComparatorLt:
			return lhs < rhs, fmt.Sprintf("%s < %v", rule.Path, rhs)
		default:
			return lhs <= rhs, fmt.Sprintf("%s <= %v", rule.Path, rhs)
		}
	default:
		return false, fmt.Sprintf("unknown comparator %q", rule.Comparator)
	}
}

func lookupPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = root
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func looseEqual(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
