package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/records/internal/platform/apperr"
	"github.com/ehr/records/internal/platform/auth"
	"github.com/ehr/records/pkg/pagination"
)

// MaxExportRows bounds a single export.
const MaxExportRows = 10000

// HospitalLookup resolves the hospital an actor belongs to from stored
// membership. It returns 0 when the actor has none.
type HospitalLookup interface {
	HospitalOf(ctx context.Context, actorID int64) (int64, error)
}

// Page is one page of newest-first entries.
type Page struct {
	Rows       []*Entry        `json:"rows"`
	Pagination pagination.Meta `json:"pagination"`
}

// Engine serves filtered reads and statistics over the audit log. It never
// writes to it.
type Engine struct {
	store     Reader
	hospitals HospitalLookup
	cache     StatsCache
	cacheTTL  time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

type EngineOption func(*Engine)

// WithStatsCache caches Statistics results for ttl.
func WithStatsCache(c StatsCache, ttl time.Duration) EngineOption {
	return func(e *Engine) {
		e.cache = c
		e.cacheTTL = ttl
	}
}

// WithClock overrides the time source used for the histogram window.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Reader, hospitals HospitalLookup, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		hospitals: hospitals,
		now:       time.Now,
		logger:    logger.With().Str("component", "audit-engine").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// List returns one page of entries matching f, newest first.
func (e *Engine) List(ctx context.Context, f Filter, p pagination.Params) (*Page, error) {
	p = pagination.New(p.Page, p.PageSize)
	rows, total, err := e.store.List(ctx, f, p)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []*Entry{}
	}
	return &Page{Rows: rows, Pagination: p.NewMeta(total)}, nil
}

// ByActor restricts f to entries written by actorID.
func (e *Engine) ByActor(ctx context.Context, actorID int64, f Filter, p pagination.Params) (*Page, error) {
	f.ActorID = &actorID
	return e.List(ctx, f, p)
}

// ByPatient restricts f to entries about patientID.
func (e *Engine) ByPatient(ctx context.Context, patientID int64, f Filter, p pagination.Params) (*Page, error) {
	f.PatientID = &patientID
	return e.List(ctx, f, p)
}

// ForActorHospital restricts f to the hospital the actor belongs to. The
// hospital is looked up, never taken from f.
func (e *Engine) ForActorHospital(ctx context.Context, actor auth.Actor, f Filter, p pagination.Params) (*Page, error) {
	hospitalID, err := e.actorHospital(ctx, actor)
	if err != nil {
		return nil, err
	}
	f.HospitalID = &hospitalID
	return e.List(ctx, f, p)
}

func (e *Engine) actorHospital(ctx context.Context, actor auth.Actor) (int64, error) {
	hospitalID, err := e.hospitals.HospitalOf(ctx, actor.ID)
	if err != nil {
		return 0, err
	}
	if hospitalID <= 0 {
		return 0, apperr.Denied("actor has no hospital membership")
	}
	return hospitalID, nil
}

// Scope applies the viewer's boundary to f. System admins see every
// hospital; hospital admins are pinned to their own; everyone else is denied.
func (e *Engine) Scope(ctx context.Context, actor auth.Actor, f Filter) (Filter, error) {
	switch {
	case actor.Role.SpansHospitals():
		return f, nil
	case actor.Role == auth.RoleHospitalAdmin:
		hospitalID, err := e.actorHospital(ctx, actor)
		if err != nil {
			return Filter{}, err
		}
		f.HospitalID = &hospitalID
		return f, nil
	default:
		return Filter{}, apperr.Denied("role " + actor.Role.String() + " may not view audit logs")
	}
}

// Get returns one entry visible to actor. Entries outside the actor's scope
// are reported as not found.
func (e *Engine) Get(ctx context.Context, actor auth.Actor, logID int64) (*Entry, error) {
	scope, err := e.Scope(ctx, actor, Filter{})
	if err != nil {
		return nil, err
	}
	entry, err := e.store.Get(ctx, logID)
	if err != nil {
		return nil, err
	}
	if !scope.Match(entry) {
		return nil, apperr.NotFound("audit entry %d not found", logID)
	}
	return entry, nil
}

// Statistics aggregates the entries matching f. Cache failures fall back to
// computing from the store.
func (e *Engine) Statistics(ctx context.Context, f Filter) (*Statistics, error) {
	now := e.now()
	since := DailySince(now)
	key := statsKey(f, since)

	if e.cache != nil {
		cached, ok, err := e.cache.Get(ctx, key)
		switch {
		case err != nil:
			e.logger.Warn().Err(err).Msg("statistics cache read failed")
		case ok:
			return cached, nil
		}
	}

	stats, err := e.store.Statistics(ctx, f, since)
	if err != nil {
		return nil, err
	}
	stats.GeneratedAt = now.UTC()

	if e.cache != nil {
		if err := e.cache.Set(ctx, key, stats, e.cacheTTL); err != nil {
			e.logger.Warn().Err(err).Msg("statistics cache write failed")
		}
	}
	return stats, nil
}

// Export returns up to MaxExportRows entries matching f, newest first.
func (e *Engine) Export(ctx context.Context, f Filter) ([]*Entry, error) {
	return e.store.Scan(ctx, f, MaxExportRows)
}
