package events

import (
	"encoding/json"
	"time"
)

// EventData is the interface that all event data types must implement
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// RunStartedData contains data for BatchRunStarted events
type RunStartedData struct {
	RunID          string `json:"run_id"`
	From           string `json:"from"`
	To             string `json:"to"`
	TriggeredBy    string `json:"triggered_by"`
	Portfolios     int    `json:"portfolios"`
	Dates          int    `json:"dates"`
	PortfolioDates int    `json:"portfolio_dates"`
}

// EventType returns the event type for RunStartedData
func (d *RunStartedData) EventType() EventType {
	return BatchRunStarted
}

// ProgressData contains data for BatchProgress events.
// Current and Total count finished portfolio-dates; Phase names the step the
// reporting unit just entered.
type ProgressData struct {
	Details     map[string]interface{} `json:"details,omitempty"`
	RunID       string                 `json:"run_id"`
	Phase       string                 `json:"phase"`
	Message     string                 `json:"message,omitempty"`
	Date        string                 `json:"date,omitempty"`
	PortfolioID int64                  `json:"portfolio_id,omitempty"`
	Current     int                    `json:"current"`
	Total       int                    `json:"total"`
}

// EventType returns the event type for ProgressData
func (d *ProgressData) EventType() EventType {
	return BatchProgress
}

// PortfolioDateData contains data for PortfolioDateDone events
type PortfolioDateData struct {
	RunID       string  `json:"run_id"`
	SetID       string  `json:"set_id"`
	Date        string  `json:"date"`
	Status      string  `json:"status"`
	Phase       string  `json:"phase,omitempty"` // Failing phase when Status is failed
	Reason      string  `json:"reason,omitempty"`
	PortfolioID int64   `json:"portfolio_id"`
	Duration    float64 `json:"duration"`
}

// EventType returns the event type for PortfolioDateData
func (d *PortfolioDateData) EventType() EventType {
	return PortfolioDateDone
}

// RunFinishedData contains data for BatchRunCompleted and BatchRunFailed events
type RunFinishedData struct {
	RunID     string  `json:"run_id"`
	Status    string  `json:"status"`
	Error     string  `json:"error,omitempty"`
	Committed int     `json:"committed"`
	Failed    int     `json:"failed"`
	Duration  float64 `json:"duration"`
}

// EventType returns BatchRunFailed for failed runs and BatchRunCompleted otherwise
func (d *RunFinishedData) EventType() EventType {
	if d.Status == "failed" {
		return BatchRunFailed
	}
	return BatchRunCompleted
}

// RunArchivedData contains data for RunArchived events
type RunArchivedData struct {
	RunID  string `json:"run_id"`
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	Bytes  int    `json:"bytes"`
}

// EventType returns the event type for RunArchivedData
func (d *RunArchivedData) EventType() EventType {
	return RunArchived
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// EventWithData represents an event with typed data
type EventWithData struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Module    string    `json:"module"`
	Data      EventData `json:"data"`
}

// MarshalJSON customizes JSON serialization for EventWithData
func (e *EventWithData) MarshalJSON() ([]byte, error) {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for EventWithData
func (e *EventWithData) UnmarshalJSON(data []byte) error {
	type Alias EventWithData
	aux := &struct {
		Data json.RawMessage `json:"data"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if len(aux.Data) == 0 || string(aux.Data) == "null" {
		return nil
	}

	var eventData EventData
	switch aux.Type {
	case BatchRunStarted:
		eventData = &RunStartedData{}
	case BatchProgress:
		eventData = &ProgressData{}
	case PortfolioDateDone:
		eventData = &PortfolioDateData{}
	case BatchRunCompleted, BatchRunFailed:
		eventData = &RunFinishedData{}
	case RunArchived:
		eventData = &RunArchivedData{}
	case ErrorOccurred:
		eventData = &ErrorEventData{}
	default:
		eventData = &GenericEventData{Type: aux.Type}
	}

	if err := json.Unmarshal(aux.Data, eventData); err != nil {
		return err
	}
	e.Data = eventData
	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}

// RunIDOf returns the batch run an event belongs to, or "" when it carries none
func RunIDOf(data EventData) string {
	switch d := data.(type) {
	case *RunStartedData:
		return d.RunID
	case *ProgressData:
		return d.RunID
	case *PortfolioDateData:
		return d.RunID
	case *RunFinishedData:
		return d.RunID
	case *RunArchivedData:
		return d.RunID
	}
	return ""
}
