package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TryInsertDeliveryRecord inserts a pending delivery record for deliveryID.
// Returns (true, nil) if this call created the row (first writer), or
// (false, nil) if a row already existed — the caller must then skip
// reprocessing per the idempotent-ingestion property.
func (s *Store) TryInsertDeliveryRecord(ctx context.Context, deliveryID, eventType string, installationID *int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO delivery_records (delivery_id, installation_id, event_type, delivered_at, status, retry_count)
		VALUES ($1, $2, $3, NOW(), 'pending', 0)
		ON CONFLICT (delivery_id) DO NOTHING
	`, deliveryID, installationID, eventType)
	if err != nil {
		return false, fmt.Errorf("store: insert delivery record: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetDeliveryRecord loads a delivery record by id.
func (s *Store) GetDeliveryRecord(ctx context.Context, deliveryID string) (*DeliveryRecord, error) {
	var r DeliveryRecord
	err := s.db.GetContext(ctx, &r, `SELECT * FROM delivery_records WHERE delivery_id = $1`, deliveryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get delivery record: %w", err)
	}
	return &r, nil
}

// MarkDeliverySucceeded updates a pending delivery record to success.
func (s *Store) MarkDeliverySucceeded(ctx context.Context, deliveryID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE delivery_records SET status = 'success' WHERE delivery_id = $1`, deliveryID)
	if err != nil {
		return fmt.Errorf("store: mark delivery succeeded: %w", err)
	}
	return nil
}

// MarkDeliveryFailed updates a pending delivery record to failed with an
// error string, per the "first-writer-wins, best-effort idempotency" policy.
func (s *Store) MarkDeliveryFailed(ctx context.Context, deliveryID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE delivery_records SET status = 'failed', error = $2, retry_count = retry_count + 1
		WHERE delivery_id = $1
	`, deliveryID, errMsg)
	if err != nil {
		return fmt.Errorf("store: mark delivery failed: %w", err)
	}
	return nil
}

// DeleteDeliveryRecordsOlderThan removes delivery records past the
// configured retention window.
func (s *Store) DeleteDeliveryRecordsOlderThan(ctx context.Context, retention time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM delivery_records WHERE delivered_at < NOW() - ($1 * INTERVAL '1 second')
	`, retention.Seconds())
	if err != nil {
		return 0, fmt.Errorf("store: delete old delivery records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
