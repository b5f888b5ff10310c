// Package actions holds the dispatch table of service tasks a template can invoke.
package actions

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// Handler runs one service task
type Handler func(ctx context.Context, inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error)

// Registry maps service names to handlers
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *zap.Logger
}

var _ port.ActionRegistry = (*Registry)(nil)

// NewRegistry creates a registry with the built-in log service registered
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
	r.Register(ServiceLog, r.logService)
	return r
}

// Register adds or replaces a handler
func (r *Registry) Register(service string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[service] = h
}

// Has implements port.ActionRegistry
func (r *Registry) Has(service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[service]
	return ok
}

// Services returns the registered service names, sorted
func (r *Registry) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch implements port.ActionRegistry
func (r *Registry) Dispatch(ctx context.Context, service string, inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error) {
	r.mu.RLock()
	h, ok := r.handlers[service]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	return h(ctx, inst, config)
}

// ServiceLog writes the instance and a configured message to the application log
const ServiceLog = "log"

func (r *Registry) logService(_ context.Context, inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error) {
	msg, _ := config["message"].(string)
	if msg == "" {
		msg = "Workflow service task"
	}
	r.logger.Info(msg,
		zap.Int64("instance_id", inst.ID),
		zap.String("state", inst.CurrentStateID),
		zap.String("entity_type", inst.EntityType),
		zap.String("entity_id", inst.EntityID),
	)
	return entity.ActionOutput{"logged": true}, nil
}

// StringConfig reads a string option, falling back to def
func StringConfig(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}
