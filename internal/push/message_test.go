package push

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpdatedFilesMerge(t *testing.T) {
	merged := KnownFiles(1, 2).Merge(KnownFiles(2, 3))
	ids, known := merged.Known()
	require.True(t, known)
	assert.Equal(t, []uint64{1, 2, 3}, ids)

	_, known = KnownFiles(1).Merge(UnknownFiles()).Known()
	assert.False(t, known)
	_, known = UnknownFiles().Merge(KnownFiles(1)).Known()
	assert.False(t, known)
}

func TestEncode(t *testing.T) {
	assert.Equal(t, "notify_file", FileMessage(UnknownFiles()).Encode(false))
	assert.Equal(t, "notify_file", FileMessage(KnownFiles(1)).Encode(false))
	assert.Equal(t, "notify_file_id [1,2]", FileMessage(KnownFiles(1, 2)).Encode(true))
	assert.Equal(t, "notify_file", FileMessage(UnknownFiles()).Encode(true))

	assert.Equal(t, "notify_activity", ActivityMessage().Encode(false))
	assert.Equal(t, "notify_notification", NotificationMessage().Encode(false))

	assert.Equal(t, "my_event", CustomMessage("my_event", nil).Encode(false))
	assert.Equal(t, "my_event", CustomMessage("my_event", json.RawMessage("null")).Encode(false))
	assert.Equal(t, `my_event {"a":1}`, CustomMessage("my_event", json.RawMessage(`{"a":1}`)).Encode(false))
	assert.Equal(t, `my_event "text"`, CustomMessage("my_event", json.RawMessage(`"text"`)).Encode(false))
}

func TestDebounceTime(t *testing.T) {
	file := FileMessage(UnknownFiles())

	// scales with connection count, one second per ten connections
	assert.Equal(t, time.Second, file.DebounceTime(0, 15, 1))
	assert.Equal(t, time.Second, file.DebounceTime(19, 15, 1))
	assert.Equal(t, 2*time.Second, file.DebounceTime(20, 15, 1))
	assert.Equal(t, 15*time.Second, file.DebounceTime(1000, 15, 1))

	// per-connection factor spreads release times
	assert.Equal(t, 5*time.Second, file.DebounceTime(100, 15, 0.5))

	assert.Equal(t, time.Second, NotificationMessage().DebounceTime(1000, 15, 1))
	assert.Equal(t, time.Millisecond, CustomMessage("x", nil).DebounceTime(1000, 15, 1))
}
