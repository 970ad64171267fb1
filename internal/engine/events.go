package engine

import (
	"time"

	"github.com/picklr-io/deckhand/internal/ir"
)

type EventStatus string

const (
	EventStarted   EventStatus = "started"
	EventCompleted EventStatus = "completed"
	EventFailed    EventStatus = "failed"
	EventSkipped   EventStatus = "skipped"
)

// Event represents a progress event during a run.
type Event struct {
	Address  string
	Action   ir.Action
	Status   EventStatus
	Duration time.Duration
	Error    error
}

// EventCallback is called for each event if set. It may be called from
// several goroutines at once.
type EventCallback func(event Event)
