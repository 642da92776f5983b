package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/audit"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/internal/platform/db"
)

const DefaultTimeout = 15 * time.Second

// Context carries who is mutating and from where into every audit entry of
// one Execute call.
type Context struct {
	Actor      auth.Actor
	Provenance audit.Provenance
}

// FromRequest builds a Context from the actor and provenance on ctx.
func FromRequest(ctx context.Context) (Context, error) {
	actor, err := auth.MustActor(ctx)
	if err != nil {
		return Context{}, err
	}
	return Context{Actor: actor, Provenance: audit.ProvenanceFromContext(ctx)}, nil
}

func (m Context) draft(r *Result) (audit.Draft, error) {
	d := audit.NewDraft(m.Actor, m.Provenance, r.Table, r.Action, r.Event)
	d.PatientID = r.PatientID
	if r.HospitalID != nil {
		d.HospitalID = r.HospitalID
	}
	if r.BranchID != nil {
		d.BranchID = r.BranchID
	}
	var err error
	if d.OldValues, err = audit.Snapshot(r.Old); err != nil {
		return d, apperr.AuditWrite(err, "encode old_values for %s", r.Table)
	}
	if d.NewValues, err = audit.Snapshot(r.New); err != nil {
		return d, apperr.AuditWrite(err, "encode new_values for %s", r.Table)
	}
	return d, nil
}

// CommitSummary reports a committed mutation.
type CommitSummary struct {
	Steps    int            `json:"steps"`
	Entries  []*audit.Entry `json:"entries"`
	Duration time.Duration  `json:"duration"`
}

// LogIDs returns the ids of the audit entries written, in step order.
func (s *CommitSummary) LogIDs() []int64 {
	ids := make([]int64, 0, len(s.Entries))
	for _, e := range s.Entries {
		if e != nil {
			ids = append(ids, e.LogID)
		}
	}
	return ids
}

// Coordinator executes ordered write steps and their attached audit entries
// inside one transaction.
type Coordinator struct {
	tx       db.Transactor
	recorder *audit.Recorder
	timeout  time.Duration
	logger   zerolog.Logger
}

func NewCoordinator(tx db.Transactor, recorder *audit.Recorder, timeout time.Duration, logger zerolog.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		tx:       tx,
		recorder: recorder,
		timeout:  timeout,
		logger:   logger.With().Str("component", "mutation-coordinator").Logger(),
	}
}

// Execute runs steps in order. Each step with a Result is followed by its
// audit append in the same transaction. The first failure, including a
// failed audit append or the execution timeout, rolls back everything.
func (c *Coordinator) Execute(ctx context.Context, mctx Context, steps ...WriteStep) (*CommitSummary, error) {
	if len(steps) == 0 {
		return nil, apperr.Validation("mutation has no write steps")
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var entries []*audit.Entry
	failed := ""
	err := c.tx.WithinTx(ctx, func(txCtx context.Context) error {
		for _, step := range steps {
			if err := txCtx.Err(); err != nil {
				failed = step.Name
				return err
			}
			res, err := step.Write(txCtx)
			if err != nil {
				failed = step.Name
				return err
			}
			if res == nil {
				continue
			}
			d, err := mctx.draft(res)
			if err != nil {
				failed = step.Name
				return err
			}
			entry, err := c.recorder.Record(txCtx, d)
			if err != nil {
				failed = step.Name
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperr.ErrResourceUnavailable) {
			err = apperr.Unavailable(err, "mutation exceeded %s", c.timeout)
		}
		c.logger.Warn().Err(err).
			Int64("actor_id", mctx.Actor.ID).
			Str("step", failed).
			Int("steps", len(steps)).
			Msg("mutation rolled back")
		if failed != "" && !isKind(err) {
			err = fmt.Errorf("%s: %w", failed, err)
		}
		return nil, err
	}

	summary := &CommitSummary{Steps: len(steps), Entries: entries, Duration: time.Since(start)}
	c.logger.Debug().
		Int64("actor_id", mctx.Actor.ID).
		Int("steps", summary.Steps).
		Int("audit_entries", len(entries)).
		Dur("duration", summary.Duration).
		Msg("mutation committed")
	return summary, nil
}

func isKind(err error) bool {
	var ae *apperr.Error
	return errors.As(err, &ae)
}
