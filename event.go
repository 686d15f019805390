package chatsync

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Event names the backend pushes.
const (
	EventMessagesUpsert = "messages.upsert"
	EventMessagesUpdate = "messages.update"
	EventMessagesDelete = "messages.delete"

	MessageTypeEdited = "editedMessage"
)

// Event is one realtime push event. Envelope-wrapped payloads
// ({"event": ..., "data": {...}}) are flattened by ParseEvent.
type Event struct {
	Name             string          `json:"event,omitempty"`
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	MessageType      string          `json:"messageType"`
	Message          json.RawMessage `json:"message,omitempty"`
	MessageTimestamp Timestamp       `json:"messageTimestamp"`

	// Raw is the payload exactly as received.
	Raw json.RawMessage `json:"-"`
}

// ParseEvent decodes a realtime payload.
func ParseEvent(data []byte) (*Event, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty event payload")
	}
	var wire struct {
		Event
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	ev := wire.Event
	if ev.Key.RemoteJID == "" && ev.Key.ID == "" {
		if inner, ok := asObject(wire.Data); ok && inner["key"] != nil {
			name := ev.Name
			ev = Event{}
			if err := json.Unmarshal(wire.Data, &ev); err != nil {
				return nil, err
			}
			if ev.Name == "" {
				ev.Name = name
			}
		}
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return &ev, nil
}

// Identity returns the canonical conversation identity, or "" when the
// event carries none.
func (e *Event) Identity() string {
	if strings.TrimSpace(e.Key.RemoteJID) == "" {
		return ""
	}
	return Normalize(e.Key.RemoteJID)
}

// IsEdit reports whether the event mutates an existing message.
func (e *Event) IsEdit() bool {
	return e.MessageType == MessageTypeEdited
}

// IsDelete reports whether the event removes Key.ID.
func (e *Event) IsDelete() bool {
	return e.Name == EventMessagesDelete
}

// Record converts an insertion event into a cacheable record.
func (e *Event) Record() MessageRecord {
	return MessageRecord{
		Key: MessageKey{
			RemoteJID:   e.Identity(),
			FromMe:      e.Key.FromMe,
			ID:          e.Key.ID,
			Participant: e.Key.Participant,
		},
		PushName:         e.PushName,
		MessageType:      e.MessageType,
		Message:          e.Message,
		MessageTimestamp: e.MessageTimestamp,
		Status:           StatusConfirmed,
	}
}

// Edit returns the id of the edited message and its replacement text.
func (e *Event) Edit() (targetID, text string, ok bool) {
	if !e.IsEdit() || len(e.Message) == 0 {
		return "", "", false
	}
	var root any
	if err := json.Unmarshal(e.Message, &root); err != nil {
		return "", "", false
	}
	if proto, found := findObject(root, "protocolMessage"); found {
		if key, ok := proto["key"].(map[string]any); ok {
			targetID, _ = key["id"].(string)
		}
		if edited, ok := proto["editedMessage"]; ok {
			if raw, err := json.Marshal(edited); err == nil {
				text = MessageText(raw)
			}
		}
	}
	if targetID == "" {
		if obj, ok := root.(map[string]any); ok {
			targetID, _ = obj["originalId"].(string)
			if text == "" {
				text, _ = obj["text"].(string)
			}
		}
	}
	return targetID, text, targetID != ""
}

// findObject searches v depth-first for an object stored under name.
func findObject(v any, name string) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		if obj, ok := t[name].(map[string]any); ok {
			return obj, true
		}
		for _, child := range t {
			if obj, ok := findObject(child, name); ok {
				return obj, true
			}
		}
	case []any:
		for _, child := range t {
			if obj, ok := findObject(child, name); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

// applyEdit rewrites the text of a cached record's payload. A payload that
// is not a JSON object is replaced outright and the decode error returned.
func applyEdit(r *MessageRecord, text string) error {
	var decodeErr error
	payload := map[string]any{}
	if len(r.Message) > 0 {
		if err := json.Unmarshal(r.Message, &payload); err != nil {
			decodeErr = fmt.Errorf("decode payload of %s: %w", r.Key.ID, err)
		}
		if decodeErr != nil || payload == nil {
			payload = map[string]any{}
		}
	}
	switch {
	case payload["extendedTextMessage"] != nil:
		payload["extendedTextMessage"] = map[string]any{"text": text}
	default:
		delete(payload, "extendedTextMessage")
		payload["conversation"] = text
	}
	payload["edited"] = true
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	r.Message = raw
	return decodeErr
}
