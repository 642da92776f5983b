package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/records/internal/platform/apperr"
)

// DefaultRetentionDays keeps audit history for seven years.
const DefaultRetentionDays = 2555

// PurgeResult describes one retention run.
type PurgeResult struct {
	RunID   uuid.UUID `json:"run_id"`
	Cutoff  time.Time `json:"cutoff"`
	Matched int64     `json:"matched"`
	Deleted int64     `json:"deleted"`
	DryRun  bool      `json:"dry_run"`
}

// RetentionService removes entries older than the retention window. It is a
// maintenance job and is never invoked from request handling.
type RetentionService struct {
	store  Purger
	logger zerolog.Logger
	now    func() time.Time
}

func NewRetentionService(store Purger, logger zerolog.Logger) *RetentionService {
	return &RetentionService{
		store:  store,
		logger: logger.With().Str("component", "audit-retention").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the source of the current time used to compute cutoffs.
func (s *RetentionService) SetClock(now func() time.Time) {
	s.now = now
}

// Purge deletes entries older than retentionDays. With dryRun it only counts
// them.
func (s *RetentionService) Purge(ctx context.Context, retentionDays int, dryRun bool) (*PurgeResult, error) {
	if retentionDays <= 0 {
		return nil, apperr.Validation("retention days must be positive, got %d", retentionDays)
	}
	res := &PurgeResult{
		RunID:  uuid.New(),
		Cutoff: s.now().UTC().AddDate(0, 0, -retentionDays),
		DryRun: dryRun,
	}
	log := s.logger.With().Str("run_id", res.RunID.String()).Time("cutoff", res.Cutoff).Logger()

	matched, err := s.store.CountBefore(ctx, res.Cutoff)
	if err != nil {
		return nil, err
	}
	res.Matched = matched
	if dryRun || matched == 0 {
		log.Info().Int64("matched", matched).Bool("dry_run", dryRun).Msg("audit retention run complete")
		return res, nil
	}

	deleted, err := s.store.DeleteBefore(ctx, res.Cutoff)
	if err != nil {
		log.Error().Err(err).Msg("audit retention purge failed")
		return nil, err
	}
	res.Deleted = deleted
	log.Info().Int64("matched", matched).Int64("deleted", deleted).Msg("audit retention run complete")
	return res, nil
}
