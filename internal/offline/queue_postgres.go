package offline

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresQueue persists offline queues in PostgreSQL. The payload column is
// TEXT, not JSONB: the stored bytes must survive round-trips unmodified or
// the integrity hash would break.
type PostgresQueue struct {
	db *sql.DB
}

var _ QueueStore = (*PostgresQueue)(nil)

// NewPostgresQueue creates a PostgreSQL-backed queue store.
func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// Migrate creates the queue table if it doesn't exist. The goose migrations
// under migrations/ are the canonical schema.
func (q *PostgresQueue) Migrate(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS offline_queue (
			id               VARCHAR(40) PRIMARY KEY,
			user_id          VARCHAR(40) NOT NULL,
			device_id        VARCHAR(64) NOT NULL,
			payload          TEXT NOT NULL,
			ts               TIMESTAMPTZ NOT NULL,
			security_hash    VARCHAR(64) NOT NULL,
			validation_score NUMERIC(5,2) NOT NULL,
			queue_position   INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_offline_queue_user_pos
			ON offline_queue (user_id, queue_position);
	`)
	return err
}

func (q *PostgresQueue) Enqueue(ctx context.Context, item *OfflineTransaction) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO offline_queue (id, user_id, device_id, payload, ts, security_hash, validation_score, queue_position)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		item.ID, item.UserID, item.DeviceID, string(item.Payload),
		item.Timestamp, item.SecurityHash, item.ValidationScore, item.QueuePosition,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue offline transaction: %w", err)
	}
	return nil
}

func (q *PostgresQueue) GetQueue(ctx context.Context, userID string) ([]*OfflineTransaction, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, user_id, device_id, payload, ts, security_hash, validation_score, queue_position
		FROM offline_queue WHERE user_id = $1 ORDER BY queue_position
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load offline queue: %w", err)
	}
	defer rows.Close()

	var queue []*OfflineTransaction
	for rows.Next() {
		var item OfflineTransaction
		var payload string
		if err := rows.Scan(
			&item.ID, &item.UserID, &item.DeviceID, &payload,
			&item.Timestamp, &item.SecurityHash, &item.ValidationScore, &item.QueuePosition,
		); err != nil {
			return nil, fmt.Errorf("failed to scan offline transaction: %w", err)
		}
		item.Payload = []byte(payload)
		queue = append(queue, &item)
	}
	return queue, rows.Err()
}

func (q *PostgresQueue) ClearQueue(ctx context.Context, userID string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear offline queue: %w", err)
	}
	return nil
}
