package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is a claimed outbox row awaiting delivery.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Writer enqueues outbox rows inside the caller's transaction so downstream
// notifications are only published for committed state changes.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Enqueue appends a pending outbox message within tx.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, body); err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Store provides the dispatcher-side operations on the outbox table.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ClaimPending locks and returns up to limit pending messages. SKIP LOCKED
// lets multiple dispatcher instances share the queue without contention.
func (s *Store) ClaimPending(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 32
	}

	const claimSQL = `
SELECT id, topic, payload, attempts, created_at
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox: begin claim: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, claimSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}

	msgs := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Topic, &m.Payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate messages: %w", err)
	}

	for _, m := range msgs {
		if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1 WHERE id = $1`, m.ID); err != nil {
			return nil, fmt.Errorf("outbox: bump attempts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("outbox: commit claim: %w", err)
	}
	return msgs, nil
}

// MarkProcessed records a successful delivery.
func (s *Store) MarkProcessed(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `
UPDATE outbox SET status = 'processed', processed_at = now() WHERE id = $1
`, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

// MarkFailed leaves the message pending for another attempt, or parks it as
// dead once maxAttempts is exhausted.
func (s *Store) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	if _, err := s.pool.Exec(ctx, `
UPDATE outbox
SET status = CASE WHEN attempts >= $2 THEN 'dead'::outbox_status ELSE 'pending'::outbox_status END
WHERE id = $1
`, id, maxAttempts); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
