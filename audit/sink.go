// Package audit defines the immutable audit sink consumed by ingestion
// and enforcement. Entries are fire-and-forget: a sink must never block
// or fail the operation that produced the entry.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Action identifies what an audit entry records.
type Action string

// Audit actions emitted by the core paths.
const (
	ActionEventIngested   Action = "event.ingested"
	ActionEventDuplicate  Action = "event.duplicate"
	ActionEventRejected   Action = "event.rejected"
	ActionQuotaAllowed    Action = "quota.allowed"
	ActionQuotaDenied     Action = "quota.denied"
	ActionQuotaOverage    Action = "quota.overage"
	ActionConfigChanged   Action = "config.changed"
	ActionReservationMade Action = "reservation.made"
)

// Entry is one structured audit record. Details carries
// action-specific context; keys should be stable across versions since
// downstream systems index on them.
type Entry struct {
	Action    Action         `json:"action"`
	Identity  string         `json:"identity,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Cause     string         `json:"cause,omitempty"`
	At        time.Time      `json:"at"`
	Details   map[string]any `json:"details,omitempty"`
}

// Sink accepts audit entries. Implementations must be safe for
// concurrent use and must not block the caller on downstream I/O.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// SlogSink writes entries as structured log records.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink wraps a logger as an audit sink. A nil logger uses the
// process default.
func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &SlogSink{logger: logger}
}

// Record implements Sink.
func (s *SlogSink) Record(ctx context.Context, entry Entry) {
	attrs := []any{
		"action", string(entry.Action),
		"at", entry.At,
	}
	if entry.Identity != "" {
		attrs = append(attrs, "identity", entry.Identity)
	}
	if entry.EventType != "" {
		attrs = append(attrs, "event_type", entry.EventType)
	}
	if entry.EventID != "" {
		attrs = append(attrs, "event_id", entry.EventID)
	}
	if entry.Cause != "" {
		attrs = append(attrs, "cause", entry.Cause)
	}
	for k, v := range entry.Details {
		attrs = append(attrs, k, v)
	}

	s.logger.InfoContext(ctx, "audit", attrs...)
}

// NopSink discards every entry.
type NopSink struct{}

// Record implements Sink.
func (NopSink) Record(context.Context, Entry) {}

var (
	_ Sink = (*SlogSink)(nil)
	_ Sink = NopSink{}
)
