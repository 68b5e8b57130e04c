package store

import (
	"database/sql"
	"time"
)

// Alert delivery statuses.
const (
	AlertStatusPending = "pending"
	AlertStatusSent    = "sent"
	AlertStatusFailed  = "failed"
)

// AlertRecord is an audit trail entry for a notification attempt.
type AlertRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Channel   string    `json:"channel"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ImagePath string    `json:"image_path,omitempty"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
}

// AlertRepository provides persistence for the alert audit trail.
type AlertRepository struct {
	db *sql.DB
}

// Alerts returns the alert repository for this store.
func (s *Store) Alerts() *AlertRepository {
	return &AlertRepository{db: s.db}
}

// Created records a freshly enqueued alert in pending state.
func (r *AlertRepository) Created(id, channel, title, body, imagePath string, at time.Time) error {
	_, err := r.db.Exec(
		`INSERT INTO alerts (id, created_at, channel, title, body, image_path, status, attempts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		id, at, channel, title, body, imagePath, AlertStatusPending,
	)
	return err
}

// Outcome records the delivery result for an alert.
func (r *AlertRepository) Outcome(id string, sent bool, attempts int) error {
	status := AlertStatusFailed
	if sent {
		status = AlertStatusSent
	}

	result, err := r.db.Exec(
		`UPDATE alerts SET status = ?, attempts = ? WHERE id = ?`,
		status, attempts, id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// Recent retrieves the latest alerts, newest first.
// A limit of 0 or less defaults to 20.
func (r *AlertRepository) Recent(limit int) ([]*AlertRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.Query(
		`SELECT id, created_at, channel, title, body, image_path, status, attempts
		 FROM alerts ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*AlertRecord
	for rows.Next() {
		a := &AlertRecord{}
		err := rows.Scan(&a.ID, &a.CreatedAt, &a.Channel, &a.Title, &a.Body, &a.ImagePath, &a.Status, &a.Attempts)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return alerts, nil
}

// PruneOlderThan removes alert rows created before the cutoff and
// returns the number removed.
func (r *AlertRepository) PruneOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`DELETE FROM alerts WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
