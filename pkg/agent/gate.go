package agent

import (
	"github.com/harun/convoy/pkg/session"
	"github.com/harun/convoy/pkg/skills"
)

// GatePolicy decides which tool calls need a confirmation first.
type GatePolicy interface {
	IsGated(call session.ToolCall) bool
}

// StaticGatePolicy gates a fixed set of tool names plus every tool whose
// definition requires confirmation. The name "*" gates everything.
type StaticGatePolicy struct {
	names    map[string]bool
	all      bool
	registry *skills.Registry
}

// NewStaticGatePolicy builds a policy; registry may be nil.
func NewStaticGatePolicy(names []string, registry *skills.Registry) *StaticGatePolicy {
	p := &StaticGatePolicy{names: make(map[string]bool, len(names)), registry: registry}
	for _, name := range names {
		if name == "*" {
			p.all = true
			continue
		}
		p.names[name] = true
	}
	return p
}

func (p *StaticGatePolicy) IsGated(call session.ToolCall) bool {
	if p.all || p.names[call.Name] {
		return true
	}
	return p.registry != nil && p.registry.RequiresConfirmation(call.Name)
}
