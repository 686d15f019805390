package chatsync

import (
	"sort"
	"sync"
)

// ============================================================================
// Merge
// ============================================================================

// Merge folds incoming summaries into existing ones and returns a new,
// deduplicated list sorted newest first.
//
// Summaries are grouped by canonical identity. Within a group the newest
// last message wins (a later entry wins a tie) and inherits from the others
// any contact id, last message or last-inbound marker it lacks. Summaries
// without a last message sort last. Inputs are not modified.
func Merge(existing, incoming []ConversationSummary) []ConversationSummary {
	all := make([]ConversationSummary, 0, len(existing)+len(incoming))
	all = append(all, existing...)
	all = append(all, incoming...)

	index := make(map[string]int, len(all))
	out := make([]ConversationSummary, 0, len(all))
	for _, s := range all {
		s.Key = Normalize(s.RemoteJID)
		i, seen := index[s.Key]
		if !seen {
			index[s.Key] = len(out)
			out = append(out, s)
			continue
		}
		cur := out[i]
		if s.timestamp() >= cur.timestamp() {
			out[i] = backfill(s, cur)
		} else {
			out[i] = backfill(cur, s)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].timestamp() > out[j].timestamp()
	})
	return out
}

// backfill copies onto winner the denormalized fields it lacks from loser.
// Only these three fields are carried over; name and deal are not.
func backfill(winner, loser ConversationSummary) ConversationSummary {
	if winner.ContactID == "" {
		winner.ContactID = loser.ContactID
	}
	if winner.LastMessage == nil {
		winner.LastMessage = loser.LastMessage
	}
	if winner.LastInboundAt == 0 {
		winner.LastInboundAt = loser.LastInboundAt
	}
	return winner
}

// SummaryFromEvent builds the single-row update a realtime insertion makes
// to the chat list.
func SummaryFromEvent(e *Event) (ConversationSummary, bool) {
	id := e.Identity()
	if id == "" || e.IsEdit() || e.IsDelete() {
		return ConversationSummary{}, false
	}
	return SummaryFromRecord(e.Record()), true
}

// SummaryFromRecord builds the chat row a single message implies.
func SummaryFromRecord(rec MessageRecord) ConversationSummary {
	s := ConversationSummary{
		RemoteJID: Normalize(rec.Key.RemoteJID),
		LastMessage: &LastMessage{
			MessageType: rec.MessageType,
			FromMe:      rec.FromMe(),
			Text:        rec.Text(),
			Timestamp:   rec.MessageTimestamp,
		},
	}
	if !rec.FromMe() {
		s.Name = rec.PushName
		s.LastInboundAt = rec.MessageTimestamp
	}
	return s
}

// ============================================================================
// Contact join
// ============================================================================

// ContactIndex joins loosely-keyed contacts to conversations: by canonical
// identity first, then by digits only.
type ContactIndex struct {
	byIdentity map[string]*Contact
	byDigits   map[string]*Contact
}

// NewContactIndex indexes contacts under every key they can be found by.
func NewContactIndex(contacts []Contact) *ContactIndex {
	idx := &ContactIndex{
		byIdentity: make(map[string]*Contact, len(contacts)),
		byDigits:   make(map[string]*Contact, len(contacts)),
	}
	for i := range contacts {
		c := &contacts[i]
		for _, raw := range []string{c.RemoteJID, c.Phone} {
			if raw == "" {
				continue
			}
			for _, k := range Candidates(raw) {
				if _, ok := idx.byIdentity[k]; !ok {
					idx.byIdentity[k] = c
				}
			}
			if d, ok := DigitsOnly(raw); ok {
				if _, exists := idx.byDigits[d]; !exists {
					idx.byDigits[d] = c
				}
			}
		}
	}
	return idx
}

// Lookup finds the contact for a conversation identity.
func (idx *ContactIndex) Lookup(identity string) (*Contact, bool) {
	if idx == nil {
		return nil, false
	}
	for _, k := range Candidates(identity) {
		if c, ok := idx.byIdentity[k]; ok {
			return c, true
		}
	}
	if d, ok := DigitsOnly(identity); ok {
		if c, ok := idx.byDigits[d]; ok {
			return c, true
		}
	}
	return nil, false
}

// ============================================================================
// ChatList
// ============================================================================

// ChatList is the goroutine-safe visible collection of conversations.
type ChatList struct {
	mu       sync.RWMutex
	items    []ConversationSummary
	contacts *ContactIndex
}

// NewChatList creates an empty chat list.
func NewChatList() *ChatList {
	return &ChatList{}
}

// Merge folds incoming summaries in and returns the new snapshot.
func (l *ChatList) Merge(incoming []ConversationSummary) []ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = Merge(l.items, incoming)
	l.enrichLocked()
	return l.snapshotLocked()
}

// ApplyEvent folds one realtime insertion into the list. It reports false
// for events that do not change the list.
func (l *ChatList) ApplyEvent(e *Event) bool {
	s, ok := SummaryFromEvent(e)
	if !ok {
		return false
	}
	l.applySummary(s)
	return true
}

// ApplyMessage folds a single message (sent or received) into its row and
// returns the new snapshot. The row keeps everything except its last
// message and last-inbound marker.
func (l *ChatList) ApplyMessage(rec MessageRecord) []ConversationSummary {
	return l.applySummary(SummaryFromRecord(rec))
}

func (l *ChatList) applySummary(s ConversationSummary) []ConversationSummary {
	l.mu.Lock()
	defer l.mu.Unlock()

	update := s
	key := Normalize(s.RemoteJID)
	for _, row := range l.items {
		if row.Key != key {
			continue
		}
		update = row
		update.Tags = append([]string(nil), row.Tags...)
		update.LastMessage = s.LastMessage
		if s.LastInboundAt > update.LastInboundAt {
			update.LastInboundAt = s.LastInboundAt
		}
		if update.Name == "" {
			update.Name = s.Name
		}
		break
	}
	l.items = Merge(l.items, []ConversationSummary{update})
	l.enrichLocked()
	return l.snapshotLocked()
}

// Enrich sets the contact directory and joins it onto every row.
func (l *ChatList) Enrich(idx *ContactIndex) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.contacts = idx
	l.enrichLocked()
}

// Reset drops every row, keeping the contact directory.
func (l *ChatList) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
}

// Snapshot returns a copy of the current rows.
func (l *ChatList) Snapshot() []ConversationSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshotLocked()
}

// Get returns the row for an identity in any format.
func (l *ChatList) Get(identity string) (ConversationSummary, bool) {
	key := Normalize(identity)
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, s := range l.items {
		if s.Key == key {
			return s, true
		}
	}
	return ConversationSummary{}, false
}

func (l *ChatList) enrichLocked() {
	if l.contacts == nil {
		return
	}
	for i := range l.items {
		s := &l.items[i]
		c, ok := l.contacts.Lookup(s.Key)
		if !ok {
			continue
		}
		s.ContactID = c.ID
		if s.Name == "" {
			s.Name = c.Name
		}
		if len(c.Tags) > 0 {
			s.Tags = append([]string(nil), c.Tags...)
		}
	}
}

func (l *ChatList) snapshotLocked() []ConversationSummary {
	return append([]ConversationSummary(nil), l.items...)
}
