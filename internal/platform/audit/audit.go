// Package audit records operator-visible activity. Recording is
// best-effort: a failed write is logged and swallowed so it can never
// fail the business operation that triggered it.
package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
)

// Logger records a single activity entry.
type Logger interface {
	LogActivity(ctx context.Context, action, category, message, severity string)
}

// LogLogger writes activity entries to the structured log only.
type LogLogger struct {
	log zerolog.Logger
}

func NewLogLogger(log zerolog.Logger) *LogLogger {
	return &LogLogger{log: log}
}

func (l *LogLogger) LogActivity(ctx context.Context, action, category, message, severity string) {
	l.event(severity).
		Str("action", action).
		Str("category", category).
		Str("user_id", auth.UserIDFromContext(ctx)).
		Msg(message)
}

func (l *LogLogger) event(severity string) *zerolog.Event {
	switch severity {
	case "warn":
		return l.log.Warn()
	case "error":
		return l.log.Error()
	default:
		return l.log.Info()
	}
}

// PGLogger persists activity entries to the activity_log table and mirrors
// them to the structured log. Database failures are logged, not returned.
type PGLogger struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

func NewPGLogger(pool *pgxpool.Pool, log zerolog.Logger) *PGLogger {
	return &PGLogger{pool: pool, log: log}
}

func (l *PGLogger) LogActivity(ctx context.Context, action, category, message, severity string) {
	userID := auth.UserIDFromContext(ctx)
	_, err := l.pool.Exec(ctx, `
		INSERT INTO activity_log (id, user_id, action, category, message, severity)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		uuid.New(), userID, action, category, message, severity)
	if err != nil {
		l.log.Error().Err(err).Str("action", action).Msg("failed to persist activity entry")
	}
	NewLogLogger(l.log).LogActivity(ctx, action, category, message, severity)
}
