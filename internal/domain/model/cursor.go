package model

import "time"

// IndexerCursor is the durable position of the event indexer in one ledger
// data source (e.g. the payments stream of one network).
type IndexerCursor struct {
	Source         string    `db:"source" json:"source"`
	Network        Network   `db:"network" json:"network"`
	CursorValue    string    `db:"cursor_value" json:"cursor_value"`
	CursorSequence int64     `db:"cursor_sequence" json:"cursor_sequence"`
	ItemsProcessed int64     `db:"items_processed" json:"items_processed"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// CursorAdvance moves a cursor forward after a batch was applied.
type CursorAdvance struct {
	Source         string
	Network        Network
	CursorValue    string
	CursorSequence int64
	ItemsProcessed int64
}
