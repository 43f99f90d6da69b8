// Package outbox implements transactional event publishing. Events are
// written to the outbox table inside the caller's transaction, so they
// commit atomically with the business write; a background processor
// delivers them afterwards. Delivery is at-least-once: handlers must
// tolerate replays.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
)

// Message is one pending event row.
type Message struct {
	ID          uuid.UUID       `db:"id" json:"id"`
	EventType   string          `db:"event_type" json:"event_type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Processed   bool            `db:"processed" json:"processed"`
	Attempts    int             `db:"attempts" json:"attempts"`
	LastError   *string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
}

// Publisher enqueues events. When the context carries a transaction the
// insert joins it.
type Publisher struct {
	pool *pgxpool.Pool
}

func NewPublisher(pool *pgxpool.Pool) *Publisher {
	return &Publisher{pool: pool}
}

func (p *Publisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox_messages (id, event_type, payload) VALUES ($1,$2,$3)`
	if tx := db.TxFromContext(ctx); tx != nil {
		_, err = tx.Exec(ctx, q, uuid.New(), eventType, body)
	} else {
		_, err = p.pool.Exec(ctx, q, uuid.New(), eventType, body)
	}
	if err != nil {
		return fmt.Errorf("enqueue outbox message: %w", err)
	}
	return nil
}

// Handler consumes one delivered message. Returning an error leaves the
// message unprocessed for a later attempt.
type Handler func(ctx context.Context, msg Message) error

// Processor polls the outbox table and dispatches pending messages to
// registered handlers.
type Processor struct {
	pool      *pgxpool.Pool
	log       zerolog.Logger
	interval  time.Duration
	batchSize int
	handlers  map[string]Handler
}

func NewProcessor(pool *pgxpool.Pool, log zerolog.Logger, interval time.Duration, batchSize int) *Processor {
	return &Processor{
		pool:      pool,
		log:       log.With().Str("component", "outbox").Logger(),
		interval:  interval,
		batchSize: batchSize,
		handlers:  make(map[string]Handler),
	}
}

// Register attaches a handler for an event type. Messages with no handler
// are marked processed and dropped.
func (p *Processor) Register(eventType string, h Handler) {
	p.handlers[eventType] = h
}

// Start runs the polling loop until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.log.Info().Dur("interval", p.interval).Int("batch_size", p.batchSize).Msg("outbox processor started")
	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("outbox processor stopped")
			return
		case <-ticker.C:
			if n, err := p.processBatch(ctx); err != nil {
				p.log.Error().Err(err).Msg("outbox batch failed")
			} else if n > 0 {
				p.log.Debug().Int("count", n).Msg("outbox messages delivered")
			}
		}
	}
}

// processBatch claims a batch of unprocessed messages under a row lock,
// dispatches each, and records the outcomes before the claiming
// transaction commits. The lock lives for the whole batch, so SKIP
// LOCKED keeps concurrent processors from double-claiming in-flight
// messages.
func (p *Processor) processBatch(ctx context.Context) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin outbox batch: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, event_type, payload, attempts
		FROM outbox_messages
		WHERE processed = false AND attempts < 10
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}
	var batch []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.EventType, &m.Payload, &m.Attempts); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox message: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	delivered := 0
	for _, m := range batch {
		if err := p.dispatch(ctx, m); err != nil {
			p.markFailed(ctx, tx, m.ID, err)
			continue
		}
		p.markProcessed(ctx, tx, m.ID)
		delivered++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit outbox batch: %w", err)
	}
	return delivered, nil
}

func (p *Processor) dispatch(ctx context.Context, m Message) error {
	h, ok := p.handlers[m.EventType]
	if !ok {
		p.log.Warn().Str("event_type", m.EventType).Msg("no handler registered, dropping message")
		return nil
	}
	return h(ctx, m)
}

func (p *Processor) markProcessed(ctx context.Context, tx pgx.Tx, id uuid.UUID) {
	_, err := tx.Exec(ctx, `
		UPDATE outbox_messages SET processed = true, processed_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		p.log.Error().Err(err).Str("message_id", id.String()).Msg("failed to mark message processed")
	}
}

func (p *Processor) markFailed(ctx context.Context, tx pgx.Tx, id uuid.UUID, cause error) {
	msg := cause.Error()
	_, err := tx.Exec(ctx, `
		UPDATE outbox_messages SET attempts = attempts + 1, last_error = $2
		WHERE id = $1`, id, msg)
	if err != nil {
		p.log.Error().Err(err).Str("message_id", id.String()).Msg("failed to record message failure")
	}
}
