// Package events carries the core's append-only event streams: state
// transitions, limit changes, risk and abuse events, and admin overrides.
package events

import (
	"encoding/json"
	"time"

	"github.com/aman-churiwal/wa-throttle/internal/models"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type Stream string

const (
	StreamStateTransition Stream = "state_transition"
	StreamLimitChange     Stream = "limit_change"
	StreamRisk            Stream = "risk"
	StreamAbuse           Stream = "abuse"
	StreamRestriction     Stream = "restriction"
	StreamOverride        Stream = "override"
)

// Event kinds
const (
	KindTransition        = "transition"
	KindLimitChange       = "limits"
	KindRiskLevelChange   = "level_change"
	KindRiskScored        = "scored"
	KindRiskDecay         = "decay"
	KindAbuseTriggered    = "rule_triggered"
	KindEscalation        = "escalation"
	KindRestrictionChange = "status_change"
)

// Event is immutable once built; Before, After and Payload hold the
// marshaled values at the time of the event.
type Event struct {
	ID         string          `json:"id"`
	Stream     Stream          `json:"stream"`
	Kind       string          `json:"kind"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	KlienID    string          `json:"klien_id,omitempty"`
	Trigger    string          `json:"trigger,omitempty"`
	Actor      string          `json:"actor,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Marshals v for an event field; nil stays empty
func Raw(v interface{}) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Fills in the id and timestamp when missing
func (e Event) Stamp(now time.Time) Event {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now.UTC()
	}
	return e
}

// Decodes the payload into v
func (e Event) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

func (e Event) DecodeAfter(v interface{}) error {
	if len(e.After) == 0 {
		return nil
	}
	return json.Unmarshal(e.After, v)
}

func (e Event) Model() *models.EventLog {
	return &models.EventLog{
		ID:         e.ID,
		Stream:     string(e.Stream),
		Kind:       e.Kind,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		KlienID:    e.KlienID,
		Trigger:    e.Trigger,
		Actor:      e.Actor,
		Before:     datatypes.JSON(e.Before),
		After:      datatypes.JSON(e.After),
		Payload:    datatypes.JSON(e.Payload),
		OccurredAt: e.OccurredAt,
	}
}

func FromModel(m models.EventLog) Event {
	return Event{
		ID:         m.ID,
		Stream:     Stream(m.Stream),
		Kind:       m.Kind,
		EntityType: m.EntityType,
		EntityID:   m.EntityID,
		KlienID:    m.KlienID,
		Trigger:    m.Trigger,
		Actor:      m.Actor,
		Before:     json.RawMessage(m.Before),
		After:      json.RawMessage(m.After),
		Payload:    json.RawMessage(m.Payload),
		OccurredAt: m.OccurredAt,
	}
}

// Publisher is what components emit events through.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
