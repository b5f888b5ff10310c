package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestType_IsValid(t *testing.T) {
	tests := []struct {
		eventType Type
		want      bool
	}{
		{TypeInstanceStarted, true},
		{TypeTransitionApplied, true},
		{TypeInstanceCompleted, true},
		{TypeInstanceCancelled, true},
		{TypeSLAViolated, true},
		{TypeActionFailed, true},
		{TypeTimerFired, true},
		{Type("instance.approved"), false},
		{Type(""), false},
	}

	for _, tt := range tests {
		t.Run(tt.eventType.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.eventType.IsValid())
		})
	}
}

func TestNewEvent(t *testing.T) {
	e := NewEvent(TypeInstanceStarted, 7, 3, map[string]any{"state": "draft"})

	assert.NotEmpty(t, e.ID)
	assert.NotEmpty(t, e.CorrelationID)
	assert.NotEqual(t, e.ID, e.CorrelationID)
	assert.Equal(t, int64(7), e.InstanceID)
	assert.Equal(t, int64(3), e.TemplateID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, "draft", e.GetPayloadString("state"))
}

func TestNewEventWithCorrelation(t *testing.T) {
	e := NewEventWithCorrelation(TypeSLAViolated, 1, 1, nil, "sweep-1")
	assert.Equal(t, "sweep-1", e.CorrelationID)
}

func TestEvent_WithPayload(t *testing.T) {
	orig := NewEvent(TypeTimerFired, 1, 1, map[string]any{"a": 1})

	next := orig.WithPayload("b", 2.5)

	assert.Equal(t, orig.ID, next.ID)
	assert.Equal(t, int64(1), next.GetPayloadInt("a"))
	assert.Equal(t, 2.5, next.GetPayloadFloat("b"))
	_, exists := orig.Payload["b"]
	assert.False(t, exists, "original must be unchanged")
}

func TestEvent_PayloadDefaults(t *testing.T) {
	e := NewEvent(TypeActionFailed, 1, 1, map[string]any{"n": "not a number"})

	assert.Equal(t, "", e.GetPayloadString("missing"))
	assert.Equal(t, int64(0), e.GetPayloadInt("n"))
	assert.Equal(t, 0.0, e.GetPayloadFloat("missing"))
}
