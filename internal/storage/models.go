package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Run is one gate session: a live run, a replay or a simulation.
type Run struct {
	ID         uuid.UUID
	Mode       string
	Exchange   string
	Symbol     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Summary    json.RawMessage
}

// Transition records a tick whose decision differed from the previous one.
type Transition struct {
	ID         int64
	RunID      uuid.UUID
	Seq        int64
	At         time.Time
	Decision   string
	Previous   string
	DataTrust  string
	Hypothesis string
	WorstBPS   decimal.Decimal
	Reasons    []string
	Trigger    string
	CreatedAt  time.Time
}
