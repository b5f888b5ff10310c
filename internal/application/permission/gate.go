// Package permission implements the capability check consulted before every transition.
package permission

import (
	"context"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// Wildcard grants every capability
const Wildcard = "*"

// CapabilityGate allows an actor when it holds all required capabilities.
// Role resolution happens upstream; actors arrive with capabilities attached.
type CapabilityGate struct{}

var _ port.PermissionGate = (*CapabilityGate)(nil)

// NewCapabilityGate creates a gate
func NewCapabilityGate() *CapabilityGate {
	return &CapabilityGate{}
}

// Can implements port.PermissionGate
func (g *CapabilityGate) Can(_ context.Context, actor entity.Actor, required []string) bool {
	if actor.System || len(required) == 0 {
		return true
	}
	if actor.Has(Wildcard) {
		return true
	}
	for _, c := range required {
		if c != "" && !actor.Has(c) {
			return false
		}
	}
	return true
}
