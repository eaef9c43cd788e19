package eventstream

import (
	"time"

	"github.com/codexusage/codexusage/pkg/usage"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeUsageRecorded is emitted after a usage event is persisted.
	EventTypeUsageRecorded = "codexusage.usage.recorded"
)

// UsageRecordedEvent is a transport-neutral payload for a persisted usage
// event.
type UsageRecordedEvent struct {
	SchemaVersion int         `json:"schema_version"`
	EventType     string      `json:"event_type"`
	EventID       string      `json:"event_id"`
	EmittedAt     time.Time   `json:"emitted_at"`
	Source        EventSource `json:"source"`
	Usage         usage.Event `json:"usage"`
}

// EventSource identifies the proxy instance that observed the usage.
type EventSource struct {
	Instance string `json:"instance,omitempty"`
	Upstream string `json:"upstream,omitempty"`
}
