package chatsync

import (
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractArray(t *testing.T) {
	ex := DefaultExtractors(messageArrayKeys...)

	t.Run("bare array", func(t *testing.T) {
		items, ok := ExtractArray([]byte(`[{"a":1},{"a":2}]`), ex)
		require.True(t, ok)
		assert.Len(t, items, 2)
	})

	t.Run("keyed", func(t *testing.T) {
		items, ok := ExtractArray([]byte(`{"total":1,"messages":[{"a":1}]}`), ex)
		require.True(t, ok)
		assert.Len(t, items, 1)
	})

	t.Run("nested", func(t *testing.T) {
		items, ok := ExtractArray([]byte(`{"messages":{"total":3,"records":[{},{},{}]}}`), ex)
		require.True(t, ok)
		assert.Len(t, items, 3)
	})

	t.Run("key priority", func(t *testing.T) {
		items, ok := ExtractArray([]byte(`{"data":[{}],"messages":[{},{}]}`), ex)
		require.True(t, ok)
		assert.Len(t, items, 2)
	})

	t.Run("empty array", func(t *testing.T) {
		items, ok := ExtractArray([]byte(`{"messages":{"records":[]}}`), ex)
		require.True(t, ok)
		assert.Empty(t, items)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, body := range []string{"", "   ", "<html>502</html>", `{"messages":`, `{"status":"ok"}`, `"text"`} {
			_, ok := ExtractArray([]byte(body), ex)
			assert.False(t, ok, "body %q", body)
		}
	})
}

func TestDecodeRecords(t *testing.T) {
	items := []json.RawMessage{
		// valid, ms timestamp
		json.RawMessage(`{"key":{"remoteJid":"5511999998888@s.whatsapp.net","fromMe":false,"id":"A"},"messageType":"conversation","message":{"conversation":"hi"},"messageTimestamp":1700000000000}`),
		// id and JID at the top level
		json.RawMessage(`{"id":"B","remoteJid":"123@lid","key":{"fromMe":true},"messageType":"conversation","messageTimestamp":"1700000001"}`),
		// JID missing everywhere: falls back
		json.RawMessage(`{"key":{"fromMe":true,"id":"C"},"messageType":"imageMessage","messageTimestamp":{"low":1700000002,"high":0}}`),
		// missing id
		json.RawMessage(`{"key":{"remoteJid":"1@s.whatsapp.net","fromMe":true},"messageType":"conversation"}`),
		// missing fromMe
		json.RawMessage(`{"key":{"remoteJid":"1@s.whatsapp.net","id":"E"},"messageType":"conversation"}`),
		// missing messageType
		json.RawMessage(`{"key":{"remoteJid":"1@s.whatsapp.net","fromMe":true,"id":"F"},"messageType":"  "}`),
		json.RawMessage(`not json`),
	}

	recs := decodeRecords(items, "999@s.whatsapp.net", slog.Default())
	require.Len(t, recs, 3)

	assert.Equal(t, "A", recs[0].Key.ID)
	assert.Equal(t, Timestamp(1700000000), recs[0].MessageTimestamp)
	assert.Equal(t, StatusConfirmed, recs[0].Status)
	assert.Equal(t, "hi", recs[0].Text())
	assert.False(t, recs[0].FromMe())

	assert.Equal(t, "B", recs[1].Key.ID)
	assert.Equal(t, "123@lid", recs[1].Key.RemoteJID)
	assert.Equal(t, Timestamp(1700000001), recs[1].MessageTimestamp)
	assert.True(t, recs[1].FromMe())

	assert.Equal(t, "999@s.whatsapp.net", recs[2].Key.RemoteJID)
	assert.Equal(t, Timestamp(1700000002), recs[2].MessageTimestamp)
}

func TestTimestampUnmarshal(t *testing.T) {
	tests := []struct {
		in   string
		want Timestamp
	}{
		{`1700000000`, 1700000000},
		{`1700000000123`, 1700000000},
		{`"1700000000"`, 1700000000},
		{`1700000000.5`, 1700000000},
		{`{"low":1700000000,"high":0,"unsigned":true}`, 1700000000},
		{`null`, 0},
		{`"garbage"`, 0},
		{`true`, 0},
	}
	for _, tt := range tests {
		var ts Timestamp
		require.NoError(t, json.Unmarshal([]byte(tt.in), &ts), tt.in)
		assert.Equal(t, tt.want, ts, tt.in)
	}
}

func TestSortNewestFirst(t *testing.T) {
	recs := []MessageRecord{
		{Key: MessageKey{ID: "a"}, MessageTimestamp: 10},
		{Key: MessageKey{ID: "c"}, MessageTimestamp: 30},
		{Key: MessageKey{ID: "b2"}, MessageTimestamp: 20},
		{Key: MessageKey{ID: "b1"}, MessageTimestamp: 20},
	}
	SortNewestFirst(recs)
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.Key.ID
	}
	assert.Equal(t, []string{"c", "b2", "b1", "a"}, ids)
}

func TestMessageText(t *testing.T) {
	assert.Equal(t, "plain", MessageText(json.RawMessage(`{"conversation":"plain"}`)))
	assert.Equal(t, "ext", MessageText(json.RawMessage(`{"extendedTextMessage":{"text":"ext"}}`)))
	assert.Equal(t, "cap", MessageText(json.RawMessage(`{"imageMessage":{"caption":"cap","url":"u"}}`)))
	assert.Equal(t, "", MessageText(nil))
	assert.Equal(t, "", MessageText(json.RawMessage(`[1]`)))
}

func TestAPIErrorClassification(t *testing.T) {
	var err error = &APIError{StatusCode: 401, Message: "nope"}
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, IsTransient(err))

	err = &APIError{StatusCode: 503}
	assert.True(t, IsTransient(err))
	assert.NotErrorIs(t, err, ErrUnauthorized)

	err = &APIError{StatusCode: 404}
	assert.False(t, IsTransient(err))
}
