package store

import (
	"context"
	"time"

	"github.com/dockmend/dockmend/pkg/record"
)

// Row is one persisted terminal record: the contract columns plus run
// bookkeeping. Rows are append-only, written once when a pair reaches a
// terminal state and never updated.
type Row struct {
	ID string
	record.Record
	Attempts   int
	StartedAt  time.Time
	FinishedAt time.Time
	DurationMs int64
	CreatedAt  time.Time
}

// ListOpts controls filtering for record queries.
type ListOpts struct {
	Bibcode string
	Limit   int
}

// Stats holds aggregate counts over all recorded pairs.
type Stats struct {
	Total        int
	Passed       int
	FailedBudget int
	Unrepairable int
}

// RecordStore persists and queries terminal run records.
type RecordStore interface {
	Append(ctx context.Context, row *Row) error
	Has(ctx context.Context, bibcode, targetVersion string) (bool, error)
	List(ctx context.Context, opts ListOpts) ([]*Row, error)
	GetStats(ctx context.Context) (*Stats, error)
}
