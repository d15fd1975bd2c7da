package storage

import (
	"time"

	"github.com/google/uuid"
)

// EventRecord is one journaled register event.
type EventRecord struct {
	ID         uuid.UUID `json:"id"`
	SessionID  uuid.UUID `json:"session_id"`
	Address    uint8     `json:"address"`
	Register   string    `json:"register"`
	Type       string    `json:"type"`
	Payload    []byte    `json:"payload"`
	Values     []float64 `json:"values"`
	RecordedAt time.Time `json:"recorded_at"`
}
