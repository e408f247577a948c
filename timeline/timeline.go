package timeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Writer appends immutable business events to a contract's timeline. Events
// are written inside the caller's transaction so they commit atomically with
// the state change they describe.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts the next timeline event for the contract. The caller must
// hold the contract row lock; the sequence number is derived inside the same
// transaction and is therefore gapless per contract.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, contractID, eventType string, actorID *string, payload map[string]any) error {
	if contractID == "" {
		return fmt.Errorf("timeline: missing contract id")
	}
	if eventType == "" {
		return fmt.Errorf("timeline: missing event type")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeline: marshal payload: %w", err)
	}

	var seq int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE contract_id=$1`, contractID).Scan(&seq); err != nil {
		return fmt.Errorf("timeline: next seq: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const insertSQL = `
INSERT INTO timeline_events (contract_id, seq, type, payload, actor_id)
VALUES ($1, $2, $3, $4::jsonb, $5::uuid)
`
	if _, err := tx.Exec(ctx, insertSQL, contractID, seq, eventType, body, actor); err != nil {
		return fmt.Errorf("timeline: insert event: %w", err)
	}
	return nil
}
