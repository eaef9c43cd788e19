// Package eventstream defines the optional mirror of persisted usage
// events onto an external stream. Publishing is strictly after-the-fact:
// the aggregator persists first and publishes second, and a publish
// failure never fails ingestion.
package eventstream

import "context"

// Publisher publishes usage events to an event stream backend.
type Publisher interface {
	PublishUsage(ctx context.Context, event *UsageRecordedEvent) error
	Close() error
}
