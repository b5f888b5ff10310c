package actions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"text/template"

	"go.uber.org/zap"

	"github.com/garyjia/workflow-engine/internal/application/dispatcher"
	"github.com/garyjia/workflow-engine/internal/application/port"
	"github.com/garyjia/workflow-engine/internal/domain/entity"
	"github.com/garyjia/workflow-engine/internal/domain/event"
)

const (
	// ServiceNotify sends a message through the configured Notifier
	ServiceNotify = "send_notification"
	// ServiceAssess asks the configured Assessor to review the instance data
	ServiceAssess = "ai_assessment"
)

// templateData is what title and content templates can reference
type templateData struct {
	Instance *entity.WorkflowInstance
	Data     map[string]any
}

// NotifyHandler builds the send_notification service.
//
// Config keys: receive_id (required), receive_id_type (default open_id),
// title and content. Title and content are Go templates over .Instance and .Data.
func NotifyHandler(n port.Notifier) Handler {
	return func(ctx context.Context, inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error) {
		receiveID := StringConfig(config, "receive_id", "")
		if receiveID == "" {
			return nil, errors.New("send_notification: receive_id is required")
		}

		data := templateData{Instance: inst, Data: inst.Data}
		title, err := render(StringConfig(config, "title", "Workflow update"), data)
		if err != nil {
			return nil, fmt.Errorf("send_notification title: %w", err)
		}
		content, err := render(StringConfig(config, "content", "Instance {{.Instance.ID}} is now in {{.Instance.CurrentStateID}}"), data)
		if err != nil {
			return nil, fmt.Errorf("send_notification content: %w", err)
		}

		msg := port.Notification{
			ReceiveID:     receiveID,
			ReceiveIDType: StringConfig(config, "receive_id_type", "open_id"),
			Title:         title,
			Content:       content,
		}
		if err := n.Notify(ctx, msg); err != nil {
			return nil, err
		}
		return entity.ActionOutput{"notified": receiveID}, nil
	}
}

// AssessHandler builds the ai_assessment service.
//
// Config key: instruction, the question put to the model about the instance data.
// The assessment is returned as output; it never moves the instance by itself.
func AssessHandler(a port.Assessor) Handler {
	return func(ctx context.Context, inst *entity.WorkflowInstance, config map[string]any) (entity.ActionOutput, error) {
		instruction := StringConfig(config, "instruction", "Review this request and decide whether it should be approved.")

		res, err := a.Assess(ctx, instruction, inst.Data)
		if err != nil {
			return nil, err
		}
		return entity.ActionOutput{
			"decision":   res.Decision,
			"confidence": res.Confidence,
			"reasons":    res.Reasons,
			"model":      res.Model,
		}, nil
	}
}

// SLAEscalation returns an event handler that notifies receiveID about sla.violated events
func SLAEscalation(n port.Notifier, receiveID, receiveIDType string, logger *zap.Logger) dispatcher.Handler {
	if receiveIDType == "" {
		receiveIDType = "open_id"
	}
	return func(ctx context.Context, evt *event.Event) error {
		if evt.Type != event.TypeSLAViolated {
			return nil
		}

		hours := evt.GetPayloadFloat("elapsed_hours")
		limit := evt.GetPayloadFloat("max_duration")
		state := evt.GetPayloadString("current_state_id")

		msg := port.Notification{
			ReceiveID:     receiveID,
			ReceiveIDType: receiveIDType,
			Title:         fmt.Sprintf("SLA exceeded: workflow instance %d", evt.InstanceID),
			Content: fmt.Sprintf("Instance %d of template %d has been running %.1fh (limit %.1fh) and is in state %s.",
				evt.InstanceID, evt.TemplateID, hours, limit, state),
		}
		if err := n.Notify(ctx, msg); err != nil {
			logger.Error("SLA escalation failed",
				zap.Int64("instance_id", evt.InstanceID),
				zap.Error(err))
			return err
		}

		logger.Info("SLA escalation sent",
			zap.Int64("instance_id", evt.InstanceID),
			zap.String("receive_id", receiveID))
		return nil
	}
}

func render(text string, data templateData) (string, error) {
	tmpl, err := template.New("message").Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
