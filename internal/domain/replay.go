package domain

import (
	"time"

	"github.com/google/uuid"
)

// ReplayPayload is a tracking request that could not be delivered and waits
// to be re-sent. Params is opaque to the buffering layer.
type ReplayPayload struct {
	ID        uuid.UUID      `json:"id"`
	Params    map[string]any `json:"params"`
	CreatedAt time.Time      `json:"createdAt"`
}

// NewReplayPayload creates a replay payload with a fresh identity.
func NewReplayPayload(params map[string]any, createdAt time.Time) ReplayPayload {
	return ReplayPayload{
		ID:        uuid.New(),
		Params:    params,
		CreatedAt: createdAt,
	}
}
