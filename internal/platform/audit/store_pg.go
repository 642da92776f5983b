package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/records/internal/platform/db"
	"github.com/ehr/records/pkg/pagination"
)

// column is an audit_log column the query builder may reference. Only the
// constants below exist, so no caller text reaches a column position.
type column string

const (
	colActorID    column = "actor_id"
	colPatientID  column = "patient_id"
	colHospitalID column = "hospital_id"
	colBranchID   column = "branch_id"
	colActionType column = "action_type"
	colEventType  column = "event_type"
	colTableName  column = "table_name"
	colTimestamp  column = `"timestamp"`
)

const entryColumns = `log_id, actor_id, patient_id, table_name, action_type, old_values, new_values,
	host(ip_address), event_type, branch_id, hospital_id, request_method, endpoint, "timestamp"`

// auditQuery accumulates parameterized predicates over audit_log.
type auditQuery struct {
	clauses []string
	args    []any
}

func (q *auditQuery) next(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *auditQuery) eq(col column, v any) {
	q.clauses = append(q.clauses, fmt.Sprintf("%s = %s", col, q.next(v)))
}

func (q *auditQuery) cmp(col column, op string, v any) {
	q.clauses = append(q.clauses, fmt.Sprintf("%s %s %s", col, op, q.next(v)))
}

func (q *auditQuery) raw(clause string) {
	q.clauses = append(q.clauses, clause)
}

func (q *auditQuery) where() string {
	if len(q.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(q.clauses, " AND ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func newAuditQuery(f Filter) *auditQuery {
	q := &auditQuery{}
	if f.ActorID != nil {
		q.eq(colActorID, *f.ActorID)
	}
	if f.PatientID != nil {
		q.eq(colPatientID, *f.PatientID)
	}
	if f.HospitalID != nil {
		q.eq(colHospitalID, *f.HospitalID)
	}
	if f.BranchID != nil {
		q.eq(colBranchID, *f.BranchID)
	}
	if f.ActionType != "" {
		q.eq(colActionType, f.ActionType)
	}
	if f.EventType != "" {
		q.eq(colEventType, string(f.EventType))
	}
	if f.TableName != "" {
		q.eq(colTableName, f.TableName)
	}
	if f.IPAddress != "" {
		q.raw("ip_address = " + q.next(f.IPAddress) + "::inet")
	}
	if f.From != nil {
		q.cmp(colTimestamp, ">=", *f.From)
	}
	if f.To != nil {
		q.cmp(colTimestamp, "<=", *f.To)
	}
	if f.Search != "" {
		p := q.next("%" + likeEscaper.Replace(f.Search) + "%")
		q.raw(fmt.Sprintf("(event_type ILIKE %[1]s OR table_name ILIKE %[1]s OR endpoint ILIKE %[1]s OR host(ip_address) ILIKE %[1]s)", p))
	}
	return q
}

// PGStore is the Postgres audit_log backend.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, s.pool)
}

// Append inserts one row. The id and timestamp are assigned by the database.
func (s *PGStore) Append(ctx context.Context, d Draft) (*Entry, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	e := &Entry{
		ActorID: d.ActorID, PatientID: d.PatientID, TableName: d.TableName, ActionType: d.ActionType,
		OldValues: d.OldValues, NewValues: d.NewValues, IPAddress: d.IPAddress, EventType: d.EventType,
		BranchID: d.BranchID, HospitalID: d.HospitalID, RequestMethod: d.RequestMethod, Endpoint: d.Endpoint,
	}
	err := s.conn(ctx).QueryRow(ctx, `
		INSERT INTO audit_log (actor_id, patient_id, table_name, action_type, old_values, new_values,
			ip_address, event_type, branch_id, hospital_id, request_method, endpoint)
		VALUES ($1, $2, $3, $4, $5, $6, $7::inet, $8, $9, $10, $11, $12)
		RETURNING log_id, "timestamp"`,
		d.ActorID, d.PatientID, d.TableName, d.ActionType, []byte(d.OldValues), []byte(d.NewValues),
		d.IPAddress, string(d.EventType), d.BranchID, d.HospitalID, d.RequestMethod, d.Endpoint,
	).Scan(&e.LogID, &e.Timestamp)
	if err != nil {
		return nil, db.Classify(err, "insert audit entry")
	}
	return e, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var eventType string
	err := row.Scan(&e.LogID, &e.ActorID, &e.PatientID, &e.TableName, &e.ActionType,
		(*[]byte)(&e.OldValues), (*[]byte)(&e.NewValues), &e.IPAddress, &eventType,
		&e.BranchID, &e.HospitalID, &e.RequestMethod, &e.Endpoint, &e.Timestamp)
	if err != nil {
		return nil, err
	}
	e.EventType = EventType(eventType)
	return &e, nil
}

func (s *PGStore) Get(ctx context.Context, logID int64) (*Entry, error) {
	e, err := scanEntry(s.conn(ctx).QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_log WHERE log_id = $1`, logID))
	if err != nil {
		return nil, db.Classify(err, fmt.Sprintf("get audit entry %d", logID))
	}
	return e, nil
}

// snapshot runs fn in a read-only repeatable-read transaction so a count
// and its page, or several aggregates, see the same rows.
func (s *PGStore) snapshot(ctx context.Context, fn func(q db.Querier) error) error {
	if tx := db.TxFromContext(ctx); tx != nil {
		return fn(tx)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return db.Classify(err, "begin audit read")
	}
	defer tx.Rollback(context.WithoutCancel(ctx))

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PGStore) List(ctx context.Context, f Filter, p pagination.Params) ([]*Entry, int, error) {
	var (
		rows  []*Entry
		total int
	)
	err := s.snapshot(ctx, func(conn db.Querier) error {
		q := newAuditQuery(f)
		if err := conn.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+q.where(), q.args...).Scan(&total); err != nil {
			return db.Classify(err, "count audit entries")
		}
		var err error
		rows, err = s.query(ctx, conn, q, p.PageSize, p.Offset())
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return rows, total, nil
}

func (s *PGStore) Scan(ctx context.Context, f Filter, limit int) ([]*Entry, error) {
	return s.query(ctx, s.conn(ctx), newAuditQuery(f), limit, 0)
}

func (s *PGStore) query(ctx context.Context, conn db.Querier, q *auditQuery, limit, offset int) ([]*Entry, error) {
	sql := `SELECT ` + entryColumns + ` FROM audit_log` + q.where() +
		` ORDER BY "timestamp" DESC, log_id DESC`
	args := q.args
	if limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(append([]any{}, args...), limit, offset)
	}

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.Classify(err, "list audit entries")
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, db.Classify(err, "scan audit entry")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, db.Classify(err, "list audit entries")
	}
	return entries, nil
}

func (s *PGStore) Statistics(ctx context.Context, f Filter, since time.Time) (*Statistics, error) {
	stats := &Statistics{ByEventType: map[string]int{}}
	err := s.snapshot(ctx, func(conn db.Querier) error {
		q := newAuditQuery(f)
		err := conn.QueryRow(ctx, `
			SELECT COUNT(*), COUNT(DISTINCT actor_id), COUNT(DISTINCT patient_id), COUNT(DISTINCT ip_address)
			FROM audit_log`+q.where(), q.args...,
		).Scan(&stats.TotalEntries, &stats.UniqueActors, &stats.UniquePatients, &stats.UniqueIPs)
		if err != nil {
			return db.Classify(err, "count audit statistics")
		}

		if err := collect(ctx, conn, `SELECT event_type, COUNT(*) FROM audit_log`+q.where()+` GROUP BY event_type`, q.args,
			func(r pgx.Rows) error {
				var et string
				var n int
				if err := r.Scan(&et, &n); err != nil {
					return err
				}
				stats.ByEventType[et] = n
				stats.EventCounts.add(EventType(et), n)
				return nil
			}); err != nil {
			return err
		}

		if err := collect(ctx, conn, `SELECT table_name, COUNT(*) FROM audit_log`+q.where()+` GROUP BY table_name`, q.args,
			func(r pgx.Rows) error {
				var tc TableCount
				if err := r.Scan(&tc.TableName, &tc.Count); err != nil {
					return err
				}
				stats.TableActivity = append(stats.TableActivity, tc)
				return nil
			}); err != nil {
			return err
		}

		daily := newAuditQuery(f)
		daily.cmp(colTimestamp, ">=", since)
		if err := collect(ctx, conn, `
			SELECT to_char("timestamp" AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
			FROM audit_log`+daily.where()+` GROUP BY day`, daily.args,
			func(r pgx.Rows) error {
				var dc DailyCount
				if err := r.Scan(&dc.Date, &dc.Count); err != nil {
					return err
				}
				stats.DailyActivity = append(stats.DailyActivity, dc)
				return nil
			}); err != nil {
			return err
		}

		actors := newAuditQuery(f)
		actors.raw("actor_id IS NOT NULL")
		return collect(ctx, conn, `
			SELECT actor_id, COUNT(*) AS n FROM audit_log`+actors.where()+`
			GROUP BY actor_id ORDER BY n DESC, actor_id LIMIT `+fmt.Sprint(topActorLimit), actors.args,
			func(r pgx.Rows) error {
				var ac ActorCount
				if err := r.Scan(&ac.ActorID, &ac.Count); err != nil {
					return err
				}
				stats.TopActors = append(stats.TopActors, ac)
				return nil
			})
	})
	if err != nil {
		return nil, err
	}
	stats.normalize()
	return stats, nil
}

func collect(ctx context.Context, conn db.Querier, sql string, args []any, fn func(pgx.Rows) error) error {
	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return db.Classify(err, "aggregate audit entries")
	}
	defer rows.Close()
	for rows.Next() {
		if err := fn(rows); err != nil {
			return db.Classify(err, "scan audit aggregate")
		}
	}
	return rows.Err()
}

func (s *PGStore) CountBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log WHERE "timestamp" < $1`, cutoff).Scan(&n)
	if err != nil {
		return 0, db.Classify(err, "count expired audit entries")
	}
	return n, nil
}

func (s *PGStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE "timestamp" < $1`, cutoff)
	if err != nil {
		return 0, db.Classify(err, "purge audit entries")
	}
	return tag.RowsAffected(), nil
}
