package chatsync

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrUnauthorized is matched by errors.Is for HTTP 401 and 403 responses.
	ErrUnauthorized = errors.New("chatsync: unauthorized")
	// ErrTransient marks timeouts, connection failures and 5xx responses.
	ErrTransient = errors.New("chatsync: transient network failure")
	// ErrMalformed marks a response body that is empty or not JSON.
	ErrMalformed = errors.New("chatsync: malformed response")
	// ErrNotFound is returned by a Store when the key is absent.
	ErrNotFound = errors.New("chatsync: not found")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("chatsync: closed")
	// ErrProtocolUnavailable is returned by a Dialer that cannot run here.
	ErrProtocolUnavailable = errors.New("chatsync: protocol unavailable")
)

// APIError represents a non-2xx backend response.
type APIError struct {
	StatusCode int    `json:"statusCode"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Is lets callers test an APIError against ErrUnauthorized and ErrTransient.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrTransient:
		return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
	}
	return false
}

// IsTransient reports whether err is eligible for a silent retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// ============================================================================
// Timestamps
// ============================================================================

// Timestamp is a UNIX time in seconds.
//
// Decoding accepts JSON numbers, numeric strings and protobuf-style
// {"low","high"} objects. Millisecond (or finer) inputs are scaled to seconds.
type Timestamp int64

// NormalizeTimestamp scales millisecond, microsecond and nanosecond epoch
// values down to seconds.
func NormalizeTimestamp(v int64) int64 {
	for v >= 1e11 || v <= -1e11 {
		v /= 1000
	}
	return v
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "" || s == "null" {
		*t = 0
		return nil
	}
	if strings.HasPrefix(s, "{") {
		var long struct {
			Low  int64 `json:"low"`
			High int64 `json:"high"`
		}
		if err := json.Unmarshal(data, &long); err != nil {
			*t = 0
			return nil
		}
		*t = Timestamp(NormalizeTimestamp(long.High<<32 | int64(uint32(long.Low))))
		return nil
	}
	s = strings.Trim(s, `"`)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = Timestamp(NormalizeTimestamp(n))
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		*t = Timestamp(NormalizeTimestamp(int64(f)))
		return nil
	}
	*t = 0
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// RecordStatus tracks an optimistic record through its send lifecycle.
type RecordStatus string

const (
	StatusPending   RecordStatus = "pending"
	StatusConfirmed RecordStatus = "confirmed"
	StatusFailed    RecordStatus = "failed"
)

// MessageKey identifies a message within its conversation.
type MessageKey struct {
	RemoteJID   string `json:"remoteJid"`
	FromMe      *bool  `json:"fromMe" validate:"required"`
	ID          string `json:"id" validate:"required"`
	Participant string `json:"participant,omitempty"`
}

// MessageRecord is one message as returned by /findMessages or pushed in
// realtime.
type MessageRecord struct {
	Key              MessageKey      `json:"key"`
	PushName         string          `json:"pushName,omitempty"`
	MessageType      string          `json:"messageType" validate:"required"`
	Message          json.RawMessage `json:"message,omitempty"`
	MessageTimestamp Timestamp       `json:"messageTimestamp"`
	Status           RecordStatus    `json:"status,omitempty"`
	CorrelationID    string          `json:"correlationId,omitempty"`
}

// FromMe reports the sender flag, treating an absent flag as inbound.
func (m *MessageRecord) FromMe() bool {
	return m.Key.FromMe != nil && *m.Key.FromMe
}

// Text returns the text body or media caption of the record.
func (m *MessageRecord) Text() string {
	return MessageText(m.Message)
}

// before reports whether m sorts before o in conversation order.
func (m *MessageRecord) before(o *MessageRecord) bool {
	if m.MessageTimestamp != o.MessageTimestamp {
		return m.MessageTimestamp < o.MessageTimestamp
	}
	return m.Key.ID < o.Key.ID
}

// SortNewestFirst orders records descending by (timestamp, id), the order
// in which pages are stored and rendered from the top.
func SortNewestFirst(records []MessageRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[j].before(&records[i])
	})
}

func boolPtr(b bool) *bool { return &b }

// MessageText extracts the human-readable text from a message payload.
func MessageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var m struct {
		Conversation        string `json:"conversation"`
		ExtendedTextMessage *struct {
			Text string `json:"text"`
		} `json:"extendedTextMessage"`
		ImageMessage    *captioned `json:"imageMessage"`
		VideoMessage    *captioned `json:"videoMessage"`
		DocumentMessage *captioned `json:"documentMessage"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	switch {
	case m.Conversation != "":
		return m.Conversation
	case m.ExtendedTextMessage != nil:
		return m.ExtendedTextMessage.Text
	case m.ImageMessage != nil:
		return m.ImageMessage.Caption
	case m.VideoMessage != nil:
		return m.VideoMessage.Caption
	case m.DocumentMessage != nil:
		return m.DocumentMessage.Caption
	}
	return ""
}

type captioned struct {
	Caption string `json:"caption"`
	URL     string `json:"url,omitempty"`
}

// ============================================================================
// Conversations
// ============================================================================

// LastMessage is the denormalized preview carried by a ConversationSummary.
type LastMessage struct {
	MessageType string    `json:"messageType"`
	FromMe      bool      `json:"fromMe"`
	Text        string    `json:"text,omitempty"`
	Timestamp   Timestamp `json:"messageTimestamp"`
}

// UnmarshalJSON accepts both the flat preview shape and a full message
// object ({key, message, messageType, messageTimestamp}).
func (l *LastMessage) UnmarshalJSON(data []byte) error {
	var wire struct {
		Key         *MessageKey     `json:"key"`
		FromMe      *bool           `json:"fromMe"`
		MessageType string          `json:"messageType"`
		Message     json.RawMessage `json:"message"`
		Text        string          `json:"text"`
		Timestamp   Timestamp       `json:"messageTimestamp"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	l.MessageType = wire.MessageType
	l.Timestamp = wire.Timestamp
	l.Text = wire.Text
	if l.Text == "" {
		l.Text = MessageText(wire.Message)
	}
	switch {
	case wire.FromMe != nil:
		l.FromMe = *wire.FromMe
	case wire.Key != nil && wire.Key.FromMe != nil:
		l.FromMe = *wire.Key.FromMe
	}
	return nil
}

// DealRef links a conversation to a CRM deal and its pipeline stage.
type DealRef struct {
	ID      string `json:"id"`
	StageID string `json:"stageId,omitempty"`
	Stage   string `json:"stage,omitempty"`
}

// ConversationSummary is one row of the chat list.
type ConversationSummary struct {
	// Key is the canonical identity, assigned by Merge.
	Key           string       `json:"key,omitempty"`
	RemoteJID     string       `json:"remoteJid"`
	Name          string       `json:"pushName,omitempty"`
	ProfilePicURL string       `json:"profilePicUrl,omitempty"`
	ContactID     string       `json:"contactId,omitempty"`
	Deal          *DealRef     `json:"deal,omitempty"`
	Tags          []string     `json:"tags,omitempty"`
	UnreadCount   int          `json:"unreadCount,omitempty"`
	LastMessage   *LastMessage `json:"lastMessage,omitempty"`
	// LastInboundAt is the timestamp of the newest message not sent by us.
	LastInboundAt Timestamp `json:"lastInboundAt,omitempty"`
}

// timestamp returns the last message time, 0 when unknown.
func (s *ConversationSummary) timestamp() Timestamp {
	if s.LastMessage == nil {
		return 0
	}
	return s.LastMessage.Timestamp
}

// Contact is a CRM contact, keyed loosely by phone number or JID.
type Contact struct {
	ID        string   `json:"id"`
	RemoteJID string   `json:"remoteJid,omitempty"`
	Phone     string   `json:"phone,omitempty"`
	Name      string   `json:"name,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// ============================================================================
// Cache pages
// ============================================================================

// CachePage is one fully-populated page of records, newest first.
type CachePage struct {
	Records     []MessageRecord `json:"records"`
	LastUpdated int64           `json:"lastUpdated"`
	ExpireAt    int64           `json:"expireAt"`
}

// CacheRecord holds every cached page of one conversation, keyed by
// "pageSize:pageNumber".
type CacheRecord struct {
	ByPage      map[string]*CachePage `json:"byPage"`
	ExpireAt    int64                 `json:"expireAt"`
	LastUpdated int64                 `json:"lastUpdated"`
}

func pageKey(pageSize, pageNumber int) string {
	return strconv.Itoa(pageSize) + ":" + strconv.Itoa(pageNumber)
}

// ============================================================================
// Send
// ============================================================================

// SendRequest is the body of POST /sendMessage.
type SendRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	// Delay asks the backend to show "typing" for this many milliseconds.
	Delay int `json:"delay,omitempty"`
}
