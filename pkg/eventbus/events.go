package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// base carries the correlation id shared by all typed events so each
// concrete event type need only embed it once.
type base struct {
	CorrID string
}

// CorrelationID implements Event.
func (b base) CorrelationID() string { return b.CorrID }

// CapsuleCreatedEvent is emitted immediately after a capsule is persisted
// and stamped by the Integrity Service (spec §2 data-flow).
type CapsuleCreatedEvent struct {
	base
	CapsuleID uuid.UUID
	Type      string
	CreatedBy string
	CreatedAt time.Time
}

// EventType implements Event.
func (CapsuleCreatedEvent) EventType() string { return "capsule.created" }

// CapsuleUpdatedEvent is emitted whenever an existing capsule's content or
// trust level changes.
type CapsuleUpdatedEvent struct {
	base
	CapsuleID uuid.UUID
	Version   int
}

// EventType implements Event.
func (CapsuleUpdatedEvent) EventType() string { return "capsule.updated" }

// CapsuleDeletedEvent is emitted after a capsule and its owned edges are
// removed.
type CapsuleDeletedEvent struct {
	base
	CapsuleID uuid.UUID
}

// EventType implements Event.
func (CapsuleDeletedEvent) EventType() string { return "capsule.deleted" }

// CascadeHopEvent is emitted after each hop the Cascade Pipeline processes,
// carrying enough state for tracing and replay.
type CascadeHopEvent struct {
	base
	CascadeID     uuid.UUID
	SourceOverlay string
	InsightType   string
	HopCount      int
	MaxHops       int
	ImpactScore   float64
}

// EventType implements Event.
func (CascadeHopEvent) EventType() string { return "cascade.hop" }

// CascadeCompletedEvent is emitted when a cascade chain transitions to
// COMPLETED (spec §4.5 state machine).
type CascadeCompletedEvent struct {
	base
	CascadeID         uuid.UUID
	TotalHops         int
	InsightsGenerated int
}

// EventType implements Event.
func (CascadeCompletedEvent) EventType() string { return "cascade.completed" }

// OverlayActivatedEvent is emitted by the Overlay Registry when an overlay
// transitions registered/stopped -> active.
type OverlayActivatedEvent struct {
	base
	OverlayID string
}

// EventType implements Event.
func (OverlayActivatedEvent) EventType() string { return "overlay.activated" }

// OverlayDeactivatedEvent is emitted on the active -> stopped transition.
type OverlayDeactivatedEvent struct {
	base
	OverlayID string
}

// EventType implements Event.
func (OverlayDeactivatedEvent) EventType() string { return "overlay.deactivated" }

// ToolCallEvent records a copilot-style agent invoking a named capability,
// supplementing spec.md's event list per original_source's copilot routes
// (see SPEC_FULL.md §3.1).
type ToolCallEvent struct {
	base
	Tool  string
	Args  map[string]interface{}
	Actor string
}

// EventType implements Event.
func (ToolCallEvent) EventType() string { return "tool.call" }

// NewCapsuleCreated constructs a CapsuleCreatedEvent with the given
// correlation id.
func NewCapsuleCreated(correlationID string, capsuleID uuid.UUID, typ, createdBy string, createdAt time.Time) CapsuleCreatedEvent {
	return CapsuleCreatedEvent{base: base{CorrID: correlationID}, CapsuleID: capsuleID, Type: typ, CreatedBy: createdBy, CreatedAt: createdAt}
}

// NewToolCall constructs a ToolCallEvent with the given correlation id.
func NewToolCall(correlationID, tool, actor string, args map[string]interface{}) ToolCallEvent {
	return ToolCallEvent{base: base{CorrID: correlationID}, Tool: tool, Actor: actor, Args: args}
}
