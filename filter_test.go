package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRule(t *testing.T, rc FilterRuleConfig) *FilterRule {
	rule, err := parseFilterRule(rc)
	require.NoError(t, err)
	return rule
}

func TestFilterEmptyRuleset(t *testing.T) {
	action, _, hasTag := EvaluateFilter(testFlowRecord(), nil)
	assert.Equal(t, FilterAccept, action)
	assert.False(t, hasTag)
}

func TestFilterDiscard(t *testing.T) {
	rules := []*FilterRule{
		mustRule(t, FilterRuleConfig{Action: "discard", Source: "10.0.0.0/8"}),
	}

	action, _, _ := EvaluateFilter(testFlowRecord(), rules)
	assert.Equal(t, FilterDiscard, action)
}

func TestFilterFirstMatchWins(t *testing.T) {
	tag := uint32(7)
	rules := []*FilterRule{
		mustRule(t, FilterRuleConfig{Action: "accept", Tag: &tag, Protocol: intPtr(6)}),
		mustRule(t, FilterRuleConfig{Action: "discard"}),
	}

	action, gotTag, hasTag := EvaluateFilter(testFlowRecord(), rules)
	assert.Equal(t, FilterAccept, action)
	assert.True(t, hasTag)
	assert.Equal(t, tag, gotTag)
}

func TestFilterCriteria(t *testing.T) {
	rec := testFlowRecord()

	for _, tc := range []struct {
		name    string
		rule    FilterRuleConfig
		matches bool
	}{
		{"agent match", FilterRuleConfig{Action: "discard", Agent: "192.0.2.0/24"}, true},
		{"agent mismatch", FilterRuleConfig{Action: "discard", Agent: "198.51.100.0/24"}, false},
		{"source host", FilterRuleConfig{Action: "discard", Source: "10.0.0.1"}, true},
		{"source mismatch", FilterRuleConfig{Action: "discard", Source: "10.0.0.2"}, false},
		{"destination", FilterRuleConfig{Action: "discard", Destination: "10.0.1.0/24"}, true},
		{"protocol", FilterRuleConfig{Action: "discard", Protocol: intPtr(6)}, true},
		{"protocol mismatch", FilterRuleConfig{Action: "discard", Protocol: intPtr(17)}, false},
		{"source port", FilterRuleConfig{Action: "discard", SourcePort: intPtr(4321)}, true},
		{"dest port mismatch", FilterRuleConfig{Action: "discard", DestinationPort: intPtr(443)}, false},
		{"all criteria", FilterRuleConfig{
			Action: "discard", Agent: "192.0.2.1",
			Source: "10.0.0.0/8", Destination: "10.0.1.0/24",
			Protocol: intPtr(6), SourcePort: intPtr(4321), DestinationPort: intPtr(80),
		}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			action, _, _ := EvaluateFilter(rec, []*FilterRule{mustRule(t, tc.rule)})
			if tc.matches {
				assert.Equal(t, FilterDiscard, action)
			} else {
				assert.Equal(t, FilterAccept, action)
			}
		})
	}
}

func TestFilterDoesNotMutateRules(t *testing.T) {
	tag := uint32(9)
	rule := mustRule(t, FilterRuleConfig{Action: "accept", Tag: &tag})
	before := *rule

	EvaluateFilter(testFlowRecord(), []*FilterRule{rule})
	assert.Equal(t, before, *rule)
}

func TestFilterRuleString(t *testing.T) {
	tag := uint32(5)
	rule := mustRule(t, FilterRuleConfig{
		Action: "accept", Tag: &tag, Source: "10.0.0.0/8", Protocol: intPtr(6),
	})

	s := rule.String()
	assert.Contains(t, s, "accept")
	assert.Contains(t, s, "tag 5")
	assert.Contains(t, s, "10.0.0.0/8")
	assert.Contains(t, s, "proto 6")
}

func intPtr(i int) *int {
	return &i
}
