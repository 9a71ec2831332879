package models

import (
	"encoding/json"
	"time"

	"github.com/uptrace/bun"
)

// Measurement is the database row mirroring one persisted artifact.
type Measurement struct {
	bun.BaseModel `bun:"table:measurements,alias:m"`

	ID            int64           `bun:",pk,autoincrement"`
	RunID         string          `bun:",notnull"`
	MeasurementID string          `bun:",unique,notnull"`
	TestName      string          `bun:",notnull"`
	Tool          string          `bun:",notnull"`
	Protocol      string          `bun:",nullzero"`
	Direction     string          `bun:",nullzero"`
	RunIndex      int             `bun:",nullzero"`
	ServerHost    string          `bun:",notnull"`
	Time          time.Time       `bun:",notnull"`
	Valid         bool            `bun:",notnull"`
	ErrorMsg      string          `bun:",nullzero"`
	Path          string          `bun:",nullzero"`
	FullReport    json.RawMessage `bun:",type:jsonb"`
}
