package audit

import (
	"context"
	"time"

	"github.com/ehr/records/pkg/pagination"
)

// Appender persists one entry. When ctx carries a transaction the append
// joins it.
type Appender interface {
	Append(ctx context.Context, d Draft) (*Entry, error)
}

// Reader serves the query engine. Rows are always newest first.
type Reader interface {
	Get(ctx context.Context, logID int64) (*Entry, error)
	List(ctx context.Context, f Filter, p pagination.Params) ([]*Entry, int, error)
	Scan(ctx context.Context, f Filter, limit int) ([]*Entry, error)
	Statistics(ctx context.Context, f Filter, since time.Time) (*Statistics, error)
}

// Purger removes entries older than a cutoff. It is used only by the
// retention job.
type Purger interface {
	CountBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the full audit_log backend.
type Store interface {
	Appender
	Reader
	Purger
}
