package events

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventWithData_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		data EventData
	}{
		{"run started", &RunStartedData{RunID: "r1", From: "2024-06-03", To: "2024-06-07", Portfolios: 2, Dates: 5, PortfolioDates: 10}},
		{"progress", &ProgressData{RunID: "r1", Phase: "factor", PortfolioID: 3, Date: "2024-06-04", Current: 4, Total: 10}},
		{"portfolio date", &PortfolioDateData{RunID: "r1", SetID: "s1", PortfolioID: 3, Date: "2024-06-04", Status: "failed", Phase: "factor", Reason: "invalid_equity_balance"}},
		{"run completed", &RunFinishedData{RunID: "r1", Status: "partial", Committed: 9, Failed: 1}},
		{"run failed", &RunFinishedData{RunID: "r1", Status: "failed", Error: "price load failed"}},
		{"archived", &RunArchivedData{RunID: "r1", Bucket: "b", Key: "runs/r1.json", Bytes: 120}},
		{"error", &ErrorEventData{Error: "boom"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			event := &EventWithData{Type: tt.data.EventType(), Module: "batch", Data: tt.data}
			raw, err := json.Marshal(event)
			require.NoError(t, err)

			var decoded EventWithData
			require.NoError(t, json.Unmarshal(raw, &decoded))
			assert.Equal(t, event.Type, decoded.Type)
			assert.Equal(t, "batch", decoded.Module)
			assert.Equal(t, tt.data, decoded.Data)
		})
	}
}

func TestEventWithData_UnknownTypeFallsBackToGeneric(t *testing.T) {
	raw := []byte(`{"type":"SOMETHING_NEW","module":"x","timestamp":"2024-06-03T00:00:00Z","data":{"k":"v"}}`)

	var decoded EventWithData
	require.NoError(t, json.Unmarshal(raw, &decoded))
	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, EventType("SOMETHING_NEW"), generic.EventType())
	assert.Equal(t, "v", generic.Data["k"])
}

func TestRunFinishedData_EventType(t *testing.T) {
	assert.Equal(t, BatchRunCompleted, (&RunFinishedData{Status: "completed"}).EventType())
	assert.Equal(t, BatchRunCompleted, (&RunFinishedData{Status: "partial"}).EventType())
	assert.Equal(t, BatchRunFailed, (&RunFinishedData{Status: "failed"}).EventType())
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	a, unsubA := bus.Subscribe(4)
	b, unsubB := bus.Subscribe(4)
	defer unsubA()
	defer unsubB()

	bus.Publish(EventWithData{Type: BatchProgress})

	assert.Equal(t, BatchProgress, (<-a).Type)
	assert.Equal(t, BatchProgress, (<-b).Type)
	assert.Equal(t, 2, bus.Subscribers())
}

func TestBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()

	bus.Publish(EventWithData{Type: BatchRunStarted})
	bus.Publish(EventWithData{Type: BatchProgress})

	assert.Equal(t, uint64(1), bus.Dropped())
	assert.Equal(t, BatchRunStarted, (<-ch).Type)
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)

	unsubscribe()
	unsubscribe()

	_, open := <-ch
	assert.False(t, open)
	assert.Equal(t, 0, bus.Subscribers())

	// Publishing after unsubscribe must not panic on the closed channel
	bus.Publish(EventWithData{Type: BatchProgress})
}

func TestManager_Emit(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(2)
	defer unsubscribe()
	manager := NewManager(bus, zerolog.Nop())

	manager.Emit("batch", &RunStartedData{RunID: "r1"})
	manager.EmitError("batch", errors.New("boom"), map[string]interface{}{"run_id": "r1"})

	started := <-ch
	assert.Equal(t, BatchRunStarted, started.Type)
	assert.Equal(t, "batch", started.Module)
	assert.False(t, started.Timestamp.IsZero())

	failed := <-ch
	assert.Equal(t, ErrorOccurred, failed.Type)
	assert.Equal(t, "boom", failed.Data.(*ErrorEventData).Error)
}

func TestManager_NilIsSafe(t *testing.T) {
	var manager *Manager
	manager.Emit("batch", &RunStartedData{})

	NewManager(nil, zerolog.Nop()).Emit("batch", &RunStartedData{})
}

func TestRunIDOf(t *testing.T) {
	assert.Equal(t, "run-1", RunIDOf(&ProgressData{RunID: "run-1"}))
	assert.Equal(t, "run-2", RunIDOf(&RunFinishedData{RunID: "run-2"}))
	assert.Equal(t, "", RunIDOf(&ErrorEventData{Error: "boom"}))
	assert.Equal(t, "", RunIDOf(nil))
}
