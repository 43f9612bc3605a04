// Package events carries batch lifecycle and progress events from the
// orchestrator to in-process subscribers such as the websocket stream.
package events

// EventType represents different event types
type EventType string

const (
	BatchRunStarted   EventType = "BATCH_RUN_STARTED"
	BatchProgress     EventType = "BATCH_PROGRESS"
	PortfolioDateDone EventType = "PORTFOLIO_DATE_DONE"
	BatchRunCompleted EventType = "BATCH_RUN_COMPLETED"
	BatchRunFailed    EventType = "BATCH_RUN_FAILED"
	RunArchived       EventType = "RUN_ARCHIVED"
	ErrorOccurred     EventType = "ERROR_OCCURRED"
)
