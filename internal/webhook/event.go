// Package webhook ingests signed delivery callbacks from external
// platforms and tracks the externally reported status of each message,
// closing the loop between internal delivery intent and platform truth.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/herald-io/herald/internal/message"
)

// EventType identifies an inbound webhook event.
type EventType string

// Status events.
const (
	EventSent      EventType = "sent"
	EventDelivered EventType = "delivered"
	EventRead      EventType = "read"
	EventFailed    EventType = "failed"
	EventExpired   EventType = "expired"
	EventRecalled  EventType = "recalled"
)

// Interaction events.
const (
	EventClick   EventType = "click"
	EventReply   EventType = "reply"
	EventForward EventType = "forward"
)

// IsInteraction reports whether the event describes a user interaction
// rather than a delivery status change.
func (t EventType) IsInteraction() bool {
	switch t {
	case EventClick, EventReply, EventForward:
		return true
	}
	return false
}

// Status maps a status event type onto the message status it reports.
func (t EventType) Status() (message.Status, bool) {
	switch t {
	case EventSent:
		return message.StatusSent, true
	case EventDelivered:
		return message.StatusDelivered, true
	case EventRead:
		return message.StatusRead, true
	case EventFailed:
		return message.StatusFailed, true
	case EventExpired:
		return message.StatusExpired, true
	case EventRecalled:
		return message.StatusRecalled, true
	}
	return "", false
}

// Event is a verified, parsed platform callback.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	MessageID string         `json:"message_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Parser turns a verified raw request body into events. Platforms with
// custom payload shapes register their own.
type Parser func(body []byte) ([]Event, error)

// wireEvent is the default JSON wire shape.
type wireEvent struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"` // unix seconds, 0 means now
	Source    string         `json:"source"`
	MessageID string         `json:"message_id"`
	UserID    string         `json:"user_id"`
	Data      map[string]any `json:"data"`
}

// ParseJSON is the default parser: a single event object or an
// {"events": [...]} envelope.
func ParseJSON(body []byte) ([]Event, error) {
	var envelope struct {
		Events []wireEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Events) > 0 {
		return convertWire(envelope.Events)
	}

	var single wireEvent
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if single.Type == "" {
		return nil, fmt.Errorf("event type is required")
	}
	return convertWire([]wireEvent{single})
}

func convertWire(wire []wireEvent) ([]Event, error) {
	events := make([]Event, 0, len(wire))
	for _, w := range wire {
		if w.Type == "" {
			return nil, fmt.Errorf("event type is required")
		}
		ts := time.Now()
		if w.Timestamp > 0 {
			ts = time.Unix(w.Timestamp, 0)
		}
		events = append(events, Event{
			Type:      EventType(w.Type),
			Timestamp: ts,
			Source:    w.Source,
			MessageID: w.MessageID,
			UserID:    w.UserID,
			Data:      w.Data,
		})
	}
	return events, nil
}
