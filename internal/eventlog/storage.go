package eventlog

import (
	"time"

	"gorm.io/datatypes"
)

const (
	eventLogTable    = "event_log"
	sequenceTable    = "event_log_seq"
	columnID         = "id"
	columnCurrent    = `"current"`
	columnSequenceID = "sequence_id"
)

// EventRecord stores one persisted domain event. Rows are append-only.
// The primary key (sequence_id, sequence) rejects duplicate sequence numbers.
type EventRecord struct {
	SequenceID    string            `gorm:"column:sequence_id;primaryKey;size:256;not null"`
	Sequence      string            `gorm:"column:sequence;primaryKey;size:80;not null"`
	ID            string            `gorm:"column:id;size:64;not null;index:idx_event_log_batch"`
	CreatedAt     time.Time         `gorm:"column:created_at;not null"`
	Kind          string            `gorm:"column:kind;size:190;not null;index:idx_event_log_kind"`
	Meta          datatypes.JSONMap `gorm:"column:meta"`
	Offsets       datatypes.JSONMap `gorm:"column:offsets"`
	Event         datatypes.JSON    `gorm:"column:event;not null"`
	AggregateType string            `gorm:"column:aggregate_type;size:64;not null;index:idx_event_log_root,priority:1"`
	RootID        string            `gorm:"column:root_id;size:190;not null;index:idx_event_log_root,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (EventRecord) TableName() string {
	return eventLogTable
}

// SequenceRecord stores the high-water sequence of one aggregate.
// Current is kept as text so arbitrary-precision values survive every driver.
type SequenceRecord struct {
	ID      string `gorm:"column:id;primaryKey;size:256;not null"`
	Current string `gorm:"column:current;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SequenceRecord) TableName() string {
	return sequenceTable
}

// Models lists the tables owned by the event log, in migration order.
func Models() []interface{} {
	return []interface{}{&EventRecord{}, &SequenceRecord{}}
}
