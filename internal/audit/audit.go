// Package audit defines the lifecycle event sink consumed by the Lockbox
// engine. Sinks are fire-and-forget: a failing or panicking sink never
// affects the cryptographic or storage operation that emitted the event.
package audit

import (
	"context"
	"log/slog"
)

// Level classifies the severity of an audit event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// EventType identifies the lifecycle event being reported.
type EventType string

const (
	EventKeyStore    EventType = "key.store"
	EventKeyRetrieve EventType = "key.retrieve"
	EventKeyDelete   EventType = "key.delete"

	EventItemStore    EventType = "item.store"
	EventItemRetrieve EventType = "item.retrieve"
	EventItemDelete   EventType = "item.delete"
	EventItemList     EventType = "item.list"

	EventStoreInitialize EventType = "store.initialize"
	EventStoreSetup      EventType = "store.setup"
	EventStoreUnlock     EventType = "store.unlock"
	EventStoreLock       EventType = "store.lock"

	EventMigrationStart    EventType = "migration.start"
	EventMigrationResume   EventType = "migration.resume"
	EventMigrationRollback EventType = "migration.rollback"
	EventMigrationFinish   EventType = "migration.finish"
)

// Event is one audit record. Metadata must never carry key material or
// plaintext content.
type Event struct {
	Level       Level          `json:"level"`
	Type        EventType      `json:"type"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Sink receives audit events.
type Sink interface {
	Log(ctx context.Context, event Event)
}

// Fire delivers an event to the sink, swallowing panics. A nil sink is a
// no-op.
func Fire(ctx context.Context, s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Log(ctx, event)
}

// NopSink discards all events.
type NopSink struct{}

// Log implements Sink.
func (NopSink) Log(context.Context, Event) {}

// SlogSink writes audit events through a slog.Logger.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink returns a sink over the given logger, or slog.Default() when
// nil.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

// Log implements Sink.
func (s *SlogSink) Log(ctx context.Context, event Event) {
	attrs := []any{
		slog.String("type", string(event.Type)),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}

	switch event.Level {
	case LevelError:
		s.logger.ErrorContext(ctx, event.Description, attrs...)
	case LevelWarn:
		s.logger.WarnContext(ctx, event.Description, attrs...)
	default:
		s.logger.InfoContext(ctx, event.Description, attrs...)
	}
}
