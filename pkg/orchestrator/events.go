package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/buildmatrix/pkg/stores"
	"github.com/openfroyo/buildmatrix/pkg/telemetry"
)

// storeEventTimeout bounds a single event write.
const storeEventTimeout = 5 * time.Second

// PersistEvents subscribes a sink to publisher that appends every event
// passing filter to the store's event log. A nil filter accepts all events.
func PersistEvents(publisher *telemetry.EventPublisher, store stores.Store, filter telemetry.EventFilter, logger zerolog.Logger) {
	logger = logger.With().Str("component", "event-sink").Logger()

	publisher.Subscribe(func(event telemetry.Event) {
		record := toStoreEvent(event)

		ctx, cancel := context.WithTimeout(context.Background(), storeEventTimeout)
		defer cancel()
		if err := store.AppendEvent(ctx, record); err != nil {
			logger.Warn().Err(err).Str("event_type", event.Type).Msg("failed to persist event")
		}
	}, filter)
}

func toStoreEvent(event telemetry.Event) *stores.Event {
	record := &stores.Event{
		Level:     storeLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.ResolutionID != "" {
		id := event.ResolutionID
		record.ResolutionID = &id
	}

	details := map[string]interface{}{
		"type":   event.Type,
		"source": event.Source,
	}
	if event.Job != "" {
		details["job"] = event.Job
	}
	for k, v := range event.Data {
		details[k] = v
	}
	if data, err := json.Marshal(details); err == nil {
		encoded := string(data)
		record.Details = &encoded
	}
	return record
}

func storeLevel(level string) stores.EventLevel {
	switch level {
	case telemetry.EventLevelWarning:
		return stores.EventLevelWarning
	case telemetry.EventLevelError:
		return stores.EventLevelError
	default:
		return stores.EventLevelInfo
	}
}
