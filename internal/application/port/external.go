package port

import (
	"context"
	"io"
	"time"

	"github.com/garyjia/workflow-engine/internal/domain/entity"
)

// PermissionGate decides whether an actor holds every required capability
type PermissionGate interface {
	Can(ctx context.Context, actor entity.Actor, required []string) bool
}

// ActionRegistry is the host-provided dispatch table for service tasks
type ActionRegistry interface {
	Dispatch(ctx context.Context, service string, inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error)
	Has(service string) bool
}

// Notification is a message sent on behalf of a workflow
type Notification struct {
	ReceiveID     string
	ReceiveIDType string
	Title         string
	Content       string
}

// Notifier delivers notifications to people
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Assessment is the structured answer of an AI review
type Assessment struct {
	Decision   string   `json:"decision"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
	Model      string   `json:"model"`
}

// Assessor asks a language model to review instance data
type Assessor interface {
	Assess(ctx context.Context, instruction string, data map[string]any) (*Assessment, error)
}

// Locker provides a best-effort distributed mutex
type Locker interface {
	// TryLock returns false without error when another holder owns the key
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(context.Context) error, ok bool, err error)
}

// HistoryExporter renders an instance's audit trail into a document
type HistoryExporter interface {
	Export(ctx context.Context, inst *entity.WorkflowInstance, history []*entity.WorkflowHistory, w io.Writer) error
}

// Clock abstracts time so schedulers can be tested deterministically
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now implements Clock
func (SystemClock) Now() time.Time { return time.Now() }
