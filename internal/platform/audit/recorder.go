package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/db"
)

const defaultDetachedTimeout = 5 * time.Second

// Recorder appends audit entries in one of two modes. Record is attached:
// it writes through the transaction on ctx and its failure must abort the
// mutation. RecordDetached is advisory: it writes outside any transaction
// and only logs failures.
//
// Neither mode deduplicates. Each call adds one row.
type Recorder struct {
	store           Appender
	logger          zerolog.Logger
	detachedTimeout time.Duration
}

func NewRecorder(store Appender, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:           store,
		logger:          logger.With().Str("component", "audit-recorder").Logger(),
		detachedTimeout: defaultDetachedTimeout,
	}
}

// Record appends d within the caller's transactional scope. Any failure is
// returned as an apperr.ErrAuditWrite.
func (r *Recorder) Record(ctx context.Context, d Draft) (*Entry, error) {
	if err := d.Validate(); err != nil {
		return nil, apperr.AuditWrite(err, "%s", apperr.Reason(err))
	}
	e, err := r.store.Append(ctx, d)
	if err != nil {
		return nil, apperr.AuditWrite(err, "append audit entry for %s/%s", d.TableName, d.ActionType)
	}
	return e, nil
}

// RecordDetached appends d outside any transaction on ctx and independent
// of ctx's cancellation. Failures are logged and never returned.
func (r *Recorder) RecordDetached(ctx context.Context, d Draft) {
	ctx = db.WithoutTx(context.WithoutCancel(ctx))
	ctx, cancel := context.WithTimeout(ctx, r.detachedTimeout)
	defer cancel()

	if _, err := r.Record(ctx, d); err != nil {
		evt := r.logger.Error().Err(err).
			Str("table_name", d.TableName).
			Str("action_type", d.ActionType).
			Str("event_type", string(d.EventType))
		if d.ActorID != nil {
			evt = evt.Int64("actor_id", *d.ActorID)
		}
		evt.Msg("detached audit write failed")
	}
}
