package dispatcher

import (
	"context"

	"github.com/garyjia/workflow-engine/internal/domain/event"
)

// Handler processes domain events
type Handler func(ctx context.Context, evt *event.Event) error

// HandlerInfo contains handler metadata for debugging
type HandlerInfo struct {
	Name        string
	EventType   event.Type
	Handler     Handler
	Description string
}

// Publisher is the narrow view the engine and scheduler need.
// Engine events are advisory, so publishing never fails the caller.
type Publisher interface {
	DispatchAsync(ctx context.Context, evt *event.Event)
}

// NopPublisher drops every event
type NopPublisher struct{}

// DispatchAsync implements Publisher
func (NopPublisher) DispatchAsync(context.Context, *event.Event) {}
