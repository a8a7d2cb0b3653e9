package pipeline

import (
	"context"
	"time"
)

// Event types published for finished executions.
const (
	EventCompleted = "pipeline.completed"
	EventFailed    = "pipeline.failed"
)

// Event summarises one finished execution.
type Event struct {
	Type       string            `json:"type"`
	RequestID  string            `json:"request_id"`
	Binding    string            `json:"binding,omitempty"`
	Status     int               `json:"status"`
	Stage      string            `json:"stage,omitempty"`
	Kind       string            `json:"kind,omitempty"`
	Error      string            `json:"error,omitempty"`
	DurationMS int64             `json:"duration_ms"`
	Cache      map[string]string `json:"cache,omitempty"`
	Time       time.Time         `json:"time"`
}

// EventSink receives one [Event] per finished execution. Publish is called on
// the request path and must not block.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

type nopSink struct{}

func (nopSink) Publish(context.Context, Event) {}
