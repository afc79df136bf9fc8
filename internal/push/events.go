package push

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fsyncd/pushgate/internal/user"
)

// EventChannels is the fixed set of pub/sub channels the gateway consumes.
// In cluster mode subscribing on a single node is sufficient because
// pub/sub is multicast cluster-wide.
var EventChannels = []string{
	"notify_storage_update",
	"notify_group_membership_update",
	"notify_user_share_created",
	"notify_test_cookie",
	"notify_activity",
	"notify_notification",
	"notify_pre_auth",
	"notify_custom",
	"notify_config",
	"notify_query",
	"notify_signal",
}

// ErrUnsupportedEventType marks a frame on a channel the decoder does not
// know.
var ErrUnsupportedEventType = errors.New("unsupported event type")

// Event is a decoded pub/sub frame.
type Event interface {
	fmt.Stringer
	event()
}

// StorageUpdate reports a change on a storage. The storage id is accepted
// as any JSON integer; historical backends disagree on its sign.
type StorageUpdateEvent struct {
	Storage int64  `json:"storage"`
	Path    string `json:"path"`
	FileID  uint64 `json:"file_id"`
}

type GroupUpdateEvent struct {
	User  user.ID `json:"user"`
	Group string  `json:"group"`
}

type ShareCreateEvent struct {
	User user.ID `json:"user"`
}

type TestCookieEvent struct {
	Cookie uint32
}

type ActivityEvent struct {
	User user.ID `json:"user"`
}

type NotificationEvent struct {
	User user.ID `json:"user"`
}

type PreAuthEvent struct {
	User  user.ID `json:"user"`
	Token string  `json:"token"`
}

type CustomEvent struct {
	User    user.ID         `json:"user"`
	Message string          `json:"message"`
	Body    json.RawMessage `json:"body"`
}

// ConfigEvent carries either a temporary log spec or the request to
// restore the previous one.
type ConfigEvent struct {
	LogSpec string
	Restore bool
}

type MetricsQueryEvent struct{}

type ResetEvent struct{}

func (StorageUpdateEvent) event() {}
func (GroupUpdateEvent) event()   {}
func (ShareCreateEvent) event()   {}
func (TestCookieEvent) event()    {}
func (ActivityEvent) event()      {}
func (NotificationEvent) event()  {}
func (PreAuthEvent) event()       {}
func (CustomEvent) event()        {}
func (ConfigEvent) event()        {}
func (MetricsQueryEvent) event()  {}
func (ResetEvent) event()         {}

func (e StorageUpdateEvent) String() string {
	return fmt.Sprintf("storage update notification for storage %d and path %s", e.Storage, e.Path)
}

func (e GroupUpdateEvent) String() string {
	return fmt.Sprintf("group update notification for user %s", e.User)
}

func (e ShareCreateEvent) String() string {
	return fmt.Sprintf("share create notification for user %s", e.User)
}

func (e TestCookieEvent) String() string {
	return fmt.Sprintf("test cookie %d", e.Cookie)
}

func (e ActivityEvent) String() string {
	return fmt.Sprintf("activity notification for user %s", e.User)
}

func (e NotificationEvent) String() string {
	return fmt.Sprintf("notification notification for user %s", e.User)
}

func (e PreAuthEvent) String() string {
	return fmt.Sprintf("pre_auth user %s", e.User)
}

func (e CustomEvent) String() string {
	return fmt.Sprintf("custom notification %s for user %s", e.Message, e.User)
}

func (e ConfigEvent) String() string {
	return "config update"
}

func (MetricsQueryEvent) String() string {
	return "metrics query"
}

func (ResetEvent) String() string {
	return "reset signal"
}

// DecodeEvent parses a pub/sub payload according to its channel name.
func DecodeEvent(channel string, payload []byte) (Event, error) {
	switch channel {
	case "notify_storage_update":
		return decodeJSON[StorageUpdateEvent](payload)
	case "notify_group_membership_update":
		return decodeJSON[GroupUpdateEvent](payload)
	case "notify_user_share_created":
		return decodeJSON[ShareCreateEvent](payload)
	case "notify_test_cookie":
		var cookie uint32
		if err := json.Unmarshal(payload, &cookie); err != nil {
			return nil, fmt.Errorf("json deserialization error: %w", err)
		}
		return TestCookieEvent{Cookie: cookie}, nil
	case "notify_activity":
		return decodeJSON[ActivityEvent](payload)
	case "notify_notification":
		return decodeJSON[NotificationEvent](payload)
	case "notify_pre_auth":
		return decodeJSON[PreAuthEvent](payload)
	case "notify_custom":
		return decodeJSON[CustomEvent](payload)
	case "notify_config":
		return decodeConfigEvent(payload)
	case "notify_query":
		var query string
		if err := json.Unmarshal(payload, &query); err != nil {
			return nil, fmt.Errorf("json deserialization error: %w", err)
		}
		if query != "metrics" {
			return nil, fmt.Errorf("json deserialization error: unknown query %q", query)
		}
		return MetricsQueryEvent{}, nil
	case "notify_signal":
		var signal string
		if err := json.Unmarshal(payload, &signal); err != nil {
			return nil, fmt.Errorf("json deserialization error: %w", err)
		}
		if signal != "reset" {
			return nil, fmt.Errorf("json deserialization error: unknown signal %q", signal)
		}
		return ResetEvent{}, nil
	default:
		return nil, ErrUnsupportedEventType
	}
}

func decodeJSON[E Event](payload []byte) (Event, error) {
	var event E
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("json deserialization error: %w", err)
	}
	return event, nil
}

// notify_config payloads are either {"log_spec": "..."} or the bare string
// "log_restore".
func decodeConfigEvent(payload []byte) (Event, error) {
	var restore string
	if err := json.Unmarshal(payload, &restore); err == nil {
		if restore != "log_restore" {
			return nil, fmt.Errorf("json deserialization error: unknown config event %q", restore)
		}
		return ConfigEvent{Restore: true}, nil
	}

	var spec struct {
		LogSpec *string `json:"log_spec"`
	}
	if err := json.Unmarshal(payload, &spec); err != nil {
		return nil, fmt.Errorf("json deserialization error: %w", err)
	}
	if spec.LogSpec == nil {
		return nil, fmt.Errorf("json deserialization error: missing log_spec")
	}
	return ConfigEvent{LogSpec: *spec.LogSpec}, nil
}
