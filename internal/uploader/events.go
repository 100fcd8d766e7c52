package uploader

import (
	"github.com/redsanjin-1/bigfile/internal/resume"
	"github.com/redsanjin-1/bigfile/internal/transfer"
)

// EventType distinguishes the notifications an Uploader emits.
type EventType string

const (
	EventCalculating  EventType = "calculating"
	EventStatus       EventType = "status"
	EventProgress     EventType = "progress"
	EventDeduplicated EventType = "deduplicated"
	EventRetry        EventType = "retry"
)

// Event is delivered to Options.OnEvent. Progress events arrive from the
// chunk goroutines, so the callback must be safe for concurrent use.
type Event struct {
	Type     EventType
	Identity string
	Path     string
	Status   resume.Status

	ChunkIndex   int
	ChunkPercent float64
	Progress     transfer.Snapshot

	Attempt int
	Err     error
}
