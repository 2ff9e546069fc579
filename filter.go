package main

import (
	"fmt"
	"net"
	"strings"
)

type FilterAction int

const (
	FilterAccept FilterAction = iota
	FilterDiscard
)

// FilterRule is one evaluated rule. The rule grammar lives in the
// configuration layer; here a rule is just a set of optional
// criteria that must all match, plus the action and an optional tag.
// Port and protocol criteria use -1 for "any".
type FilterRule struct {
	Action FilterAction
	Tag    uint32
	HasTag bool

	Agent       *net.IPNet
	Source      *net.IPNet
	Destination *net.IPNet
	Protocol    int
	SourcePort  int
	DestPort    int
}

func (r *FilterRule) matches(rec *FlowRecord) bool {
	if r.Agent != nil && !r.Agent.Contains(rec.AgentAddr.IP()) {
		return false
	}
	if r.Source != nil && !r.Source.Contains(rec.SrcAddr.IP()) {
		return false
	}
	if r.Destination != nil && !r.Destination.Contains(rec.DstAddr.IP()) {
		return false
	}
	if r.Protocol >= 0 && uint8(r.Protocol) != rec.Protocol {
		return false
	}
	if r.SourcePort >= 0 && uint16(r.SourcePort) != rec.SrcPort {
		return false
	}
	if r.DestPort >= 0 && uint16(r.DestPort) != rec.DstPort {
		return false
	}

	return true
}

func (r *FilterRule) String() string {
	var b strings.Builder

	if r.Action == FilterDiscard {
		b.WriteString("discard")
	} else {
		b.WriteString("accept")
	}
	if r.HasTag {
		fmt.Fprintf(&b, " tag %d", r.Tag)
	}
	if r.Agent != nil {
		fmt.Fprintf(&b, " agent %s", r.Agent)
	}
	if r.Source != nil {
		fmt.Fprintf(&b, " src %s", r.Source)
	}
	if r.Destination != nil {
		fmt.Fprintf(&b, " dst %s", r.Destination)
	}
	if r.Protocol >= 0 {
		fmt.Fprintf(&b, " proto %d", r.Protocol)
	}
	if r.SourcePort >= 0 {
		fmt.Fprintf(&b, " src port %d", r.SourcePort)
	}
	if r.DestPort >= 0 {
		fmt.Fprintf(&b, " dst port %d", r.DestPort)
	}

	return b.String()
}

// EvaluateFilter runs the rule list over one record. The first rule
// whose criteria all match decides; a flow no rule matches is
// accepted untagged. The rule list is never mutated.
func EvaluateFilter(rec *FlowRecord, rules []*FilterRule) (FilterAction, uint32, bool) {
	for _, rule := range rules {
		if !rule.matches(rec) {
			continue
		}
		if rule.Action == FilterDiscard {
			return FilterDiscard, 0, false
		}
		return FilterAccept, rule.Tag, rule.HasTag
	}

	return FilterAccept, 0, false
}
