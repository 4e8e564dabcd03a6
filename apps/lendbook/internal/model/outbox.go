package model

import (
	"encoding/json"
	"time"
)

type OutboxEvent struct {
	EventID      string          `db:"event_id"`
	Topic        string          `db:"topic"`
	EventKind    string          `db:"event_kind"`
	PartitionKey string          `db:"partition_key"`
	Status       string          `db:"status"`
	BlockNumber  uint64          `db:"block_number"`
	LogIndex     uint            `db:"log_index"`
	Payload      json.RawMessage `db:"payload"`
	CreatedAt    time.Time       `db:"created_at"`
}
