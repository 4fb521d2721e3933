package datamodels

import (
	"time"

	"github.com/google/uuid"
)

// RunRequest asks for a procedure to be run against a named target. It is
// the body of POST /runs and the payload of the requests topic.
type RunRequest struct {
	Procedure string `json:"procedure" validate:"required"`
	Target    string `json:"target" validate:"required"`
}

type RunResponse struct {
	ID uuid.UUID `json:"id"`
}

// RunEvent is one log record of a run, published as it is produced.
type RunEvent struct {
	RunID     uuid.UUID `json:"run_id"`
	Procedure string    `json:"procedure"`
	Target    string    `json:"target"`
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
	// Phase is set on the final event of a run.
	Phase string `json:"phase,omitempty"`
}
