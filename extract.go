package chatsync

import (
	"bytes"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// ============================================================================
// Response unwrapping
// ============================================================================

// Extractor pulls the element array out of a decoded response body. It
// returns ok=false when the body does not have the shape it looks for.
type Extractor func(body json.RawMessage) (items []json.RawMessage, ok bool)

// Field names under which backends nest result arrays, in priority order.
var (
	messageArrayKeys = []string{"messages", "records", "data", "items", "results"}
	chatArrayKeys    = []string{"chats", "data", "items", "results", "records"}
	contactArrayKeys = []string{"contacts", "data", "items", "results", "records"}
)

// DefaultExtractors returns the strategies tried in order: the body is the
// array itself, the array sits under one of keys, or under one of keys one
// object deeper.
func DefaultExtractors(keys ...string) []Extractor {
	return []Extractor{
		bareArray,
		keyedArray(keys),
		nestedKeyedArray(keys),
	}
}

// ExtractArray runs extractors in sequence and returns the first success.
func ExtractArray(body []byte, extractors []Extractor) ([]json.RawMessage, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || !json.Valid(body) {
		return nil, false
	}
	for _, ex := range extractors {
		if items, ok := ex(body); ok {
			return items, true
		}
	}
	return nil, false
}

func bareArray(body json.RawMessage) ([]json.RawMessage, bool) {
	if len(body) == 0 || body[0] != '[' {
		return nil, false
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, false
	}
	return items, true
}

func keyedArray(keys []string) Extractor {
	return func(body json.RawMessage) ([]json.RawMessage, bool) {
		obj, ok := asObject(body)
		if !ok {
			return nil, false
		}
		for _, k := range keys {
			if items, ok := bareArray(obj[k]); ok {
				return items, true
			}
		}
		return nil, false
	}
}

func nestedKeyedArray(keys []string) Extractor {
	inner := keyedArray(keys)
	return func(body json.RawMessage) ([]json.RawMessage, bool) {
		obj, ok := asObject(body)
		if !ok {
			return nil, false
		}
		// Known keys first so the result does not depend on map order.
		for _, k := range keys {
			if items, ok := inner(obj[k]); ok {
				return items, true
			}
		}
		return nil, false
	}
}

func asObject(body json.RawMessage) (map[string]json.RawMessage, bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || body[0] != '{' {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// ============================================================================
// Record sanitization
// ============================================================================

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeRecords decodes and sanitizes raw message elements. Elements that
// fail shape validation are dropped. fallbackJID fills a missing
// conversation reference.
func decodeRecords(items []json.RawMessage, fallbackJID string, logger *slog.Logger) []MessageRecord {
	out := make([]MessageRecord, 0, len(items))
	for _, item := range items {
		rec, err := decodeRecord(item, fallbackJID)
		if err != nil {
			logger.Debug("dropping malformed message record", "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

func decodeRecord(item json.RawMessage, fallbackJID string) (MessageRecord, error) {
	var wire struct {
		MessageRecord
		// Some backends put the id and JID at the top level.
		ID        string `json:"id"`
		RemoteJID string `json:"remoteJid"`
	}
	if err := json.Unmarshal(item, &wire); err != nil {
		return MessageRecord{}, err
	}
	rec := wire.MessageRecord
	if rec.Key.ID == "" {
		rec.Key.ID = wire.ID
	}
	if rec.Key.RemoteJID == "" {
		rec.Key.RemoteJID = wire.RemoteJID
	}
	if rec.Key.RemoteJID == "" {
		rec.Key.RemoteJID = fallbackJID
	}
	rec.Key.RemoteJID = Normalize(rec.Key.RemoteJID)
	rec.MessageType = strings.TrimSpace(rec.MessageType)
	rec.MessageTimestamp = Timestamp(NormalizeTimestamp(int64(rec.MessageTimestamp)))
	// The backend's own status field is a delivery state, not ours.
	rec.Status = StatusConfirmed
	if err := validate.Struct(&rec); err != nil {
		return MessageRecord{}, err
	}
	return rec, nil
}

// decodeArray decodes every element into T, skipping elements that fail.
func decodeArray[T any](items []json.RawMessage) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
