package steps

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/session-snapshot/internal/domain/session"
)

// MapError classifies store failures into session error codes.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var coded *session.Error
	if errors.As(err, &coded) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return session.Wrap(session.CodeNotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return session.Wrap(session.CodeRetryable, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return session.Wrap(session.CodeConflict, op, err) // unique_violation
		case "40001", "40P01", "55P03":
			return session.Wrap(session.CodeRetryable, op, err) // serialization/deadlock/lock_not_available
		case "08000", "08003", "08006":
			return session.Wrap(session.CodeRetryable, op, err) // connection failures
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "unique constraint"):
		return session.Wrap(session.CodeConflict, op, err)
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "serialization"),
		strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"):
		return session.Wrap(session.CodeRetryable, op, err)
	default:
		return session.Wrap(session.CodeInternal, op, err)
	}
}
