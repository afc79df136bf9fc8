package push

import (
	"encoding/json"
	"time"

	"github.com/fsyncd/pushgate/internal/metrics"
)

// UpdatedFiles tracks which file ids a coalesced file notification covers.
// The zero value is Unknown.
type UpdatedFiles struct {
	known bool
	ids   []uint64
}

// KnownFiles builds an UpdatedFiles covering the given ids.
func KnownFiles(ids ...uint64) UpdatedFiles {
	return UpdatedFiles{known: true, ids: ids}
}

// UnknownFiles marks that an unspecified set of files changed.
func UnknownFiles() UpdatedFiles {
	return UpdatedFiles{}
}

func (u UpdatedFiles) Known() ([]uint64, bool) {
	return u.ids, u.known
}

// Merge unions two file sets, preserving first-seen order. Unknown absorbs.
func (u UpdatedFiles) Merge(other UpdatedFiles) UpdatedFiles {
	if !u.known || !other.known {
		return UnknownFiles()
	}
	merged := append([]uint64(nil), u.ids...)
	for _, id := range other.ids {
		if !containsID(merged, id) {
			merged = append(merged, id)
		}
	}
	return UpdatedFiles{known: true, ids: merged}
}

func containsID(ids []uint64, id uint64) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

// MessageKind identifies the debounce slot a message belongs to.
type MessageKind int

const (
	KindFile MessageKind = iota
	KindActivity
	KindNotification
	KindCustom
)

func (k MessageKind) metricLabel() string {
	switch k {
	case KindFile:
		return metrics.TypeFile
	case KindActivity:
		return metrics.TypeActivity
	case KindNotification:
		return metrics.TypeNotification
	default:
		return metrics.TypeCustom
	}
}

// PushMessage is one outbound notification for a user.
type PushMessage struct {
	Kind  MessageKind
	Files UpdatedFiles // KindFile only

	// KindCustom only. A nil or JSON-null body is omitted on the wire.
	CustomType string
	CustomBody json.RawMessage
}

func FileMessage(files UpdatedFiles) PushMessage {
	return PushMessage{Kind: KindFile, Files: files}
}

func ActivityMessage() PushMessage {
	return PushMessage{Kind: KindActivity}
}

func NotificationMessage() PushMessage {
	return PushMessage{Kind: KindNotification}
}

func CustomMessage(messageType string, body json.RawMessage) PushMessage {
	return PushMessage{Kind: KindCustom, CustomType: messageType, CustomBody: body}
}

// Merge coalesces another message of the same kind into this one. Only file
// messages carry state to merge.
func (m PushMessage) Merge(other PushMessage) PushMessage {
	if m.Kind == KindFile && other.Kind == KindFile {
		m.Files = m.Files.Merge(other.Files)
	}
	return m
}

// Encode renders the wire text frame. listenFileID enables the richer
// notify_file_id form that carries the file ids.
func (m PushMessage) Encode(listenFileID bool) string {
	switch m.Kind {
	case KindFile:
		if ids, known := m.Files.Known(); known && listenFileID {
			encoded, err := json.Marshal(ids)
			if err == nil {
				return "notify_file_id " + string(encoded)
			}
		}
		return "notify_file"
	case KindActivity:
		return "notify_activity"
	case KindNotification:
		return "notify_notification"
	default:
		if len(m.CustomBody) == 0 || string(m.CustomBody) == "null" {
			return m.CustomType
		}
		return m.CustomType + " " + string(m.CustomBody)
	}
}

// DebounceTime computes how long a message of this kind is held back. File
// and activity messages scale with instance load and the per-connection
// factor; notifications are flat; custom messages are never queued.
func (m PushMessage) DebounceTime(connectionCount, maxDebounceTime int, debounceFactor float64) time.Duration {
	seconds := connectionCount / 10
	if seconds > maxDebounceTime {
		seconds = maxDebounceTime
	}
	if seconds < 1 {
		seconds = 1
	}
	scaled := time.Duration(float64(seconds) * debounceFactor * float64(time.Second))

	switch m.Kind {
	case KindFile, KindActivity:
		return scaled
	case KindNotification:
		return time.Second
	default:
		return time.Millisecond
	}
}
