package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ehr/records/internal/platform/apperr"
)

// Postgres SQLSTATE codes the core reacts to.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeCheckViolation      = "23514"
	codeQueryCanceled       = "57014"
	codeTooManyConnections  = "53300"
)

// Classify maps a driver error onto the apperr taxonomy. op names the
// operation for the reason string.
func Classify(err error, op string) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return apperr.Wrap(apperr.ErrConflict, err, "%s: duplicate value violates %s", op, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return apperr.Wrap(apperr.ErrValidation, err, "%s: missing required reference %s", op, pgErr.ConstraintName)
		case codeCheckViolation:
			return apperr.Wrap(apperr.ErrValidation, err, "%s: value violates %s", op, pgErr.ConstraintName)
		case codeQueryCanceled, codeTooManyConnections:
			return apperr.Unavailable(err, "%s", op)
		}
	}

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return apperr.NotFound("%s", op)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return apperr.Unavailable(err, "%s: timed out", op)
	}

	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s: %w", op, err)
}
