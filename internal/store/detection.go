package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ayusman/countercat/internal/detection"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// DetectionRepository provides persistence for validated detections.
type DetectionRepository struct {
	db *sql.DB
}

// Detections returns the detection repository for this store.
func (s *Store) Detections() *DetectionRepository {
	return &DetectionRepository{db: s.db}
}

// Save inserts a detection and its bounding boxes in a single
// transaction. A missing ID is assigned before the insert.
func (r *DetectionRepository) Save(rec *detection.Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO detections (id, timestamp, cat_count, confidence, image_path)
		 VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp, rec.CatCount, rec.Confidence, rec.ImagePath,
	)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO detection_boxes (detection_id, x, y, width, height, confidence)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, box := range rec.Boxes {
		if _, err := stmt.Exec(rec.ID, box.X, box.Y, box.Width, box.Height, box.Confidence); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID retrieves a detection by its ID, bounding boxes included.
func (r *DetectionRepository) GetByID(id string) (*detection.Record, error) {
	rec := &detection.Record{}

	err := r.db.QueryRow(
		`SELECT id, timestamp, cat_count, confidence, image_path
		 FROM detections WHERE id = ?`,
		id,
	).Scan(&rec.ID, &rec.Timestamp, &rec.CatCount, &rec.Confidence, &rec.ImagePath)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if err := r.loadBoxes(rec); err != nil {
		return nil, err
	}

	return rec, nil
}

// History retrieves detections in the given time range, newest first.
func (r *DetectionRepository) History(from, to time.Time) ([]*detection.Record, error) {
	return r.queryRecords(
		`SELECT id, timestamp, cat_count, confidence, image_path
		 FROM detections
		 WHERE timestamp BETWEEN ? AND ?
		 ORDER BY timestamp DESC`,
		from, to,
	)
}

// Recent retrieves the most recent detections from the last week.
// A limit of 0 or less defaults to 10.
func (r *DetectionRepository) Recent(limit int) ([]*detection.Record, error) {
	if limit <= 0 {
		limit = 10
	}

	end := time.Now()
	start := end.Add(-7 * 24 * time.Hour)

	return r.queryRecords(
		`SELECT id, timestamp, cat_count, confidence, image_path
		 FROM detections
		 WHERE timestamp BETWEEN ? AND ?
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		start, end, limit,
	)
}

// DeleteOlderThan removes detections recorded before the cutoff.
// It returns the image paths of the removed rows so the caller can
// delete the files, and the number of rows removed.
func (r *DetectionRepository) DeleteOlderThan(cutoff time.Time) ([]string, int64, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, 0, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT image_path FROM detections WHERE timestamp < ? AND image_path != ''`,
		cutoff,
	)
	if err != nil {
		return nil, 0, err
	}

	var paths []string
	for rows.Next() {
		var path string
		if err := rows.Scan(&path); err != nil {
			rows.Close()
			return nil, 0, err
		}
		paths = append(paths, path)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, err
	}
	rows.Close()

	result, err := tx.Exec(`DELETE FROM detections WHERE timestamp < ?`, cutoff)
	if err != nil {
		return nil, 0, err
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return nil, 0, err
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, err
	}

	return paths, deleted, nil
}

// CountSince returns how many detections were recorded at or after the
// given time.
func (r *DetectionRepository) CountSince(since time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM detections WHERE timestamp >= ?`,
		since,
	).Scan(&count)
	return count, err
}

// DetectionStats summarizes the stored detection history.
type DetectionStats struct {
	Count  int       `json:"count"`
	Oldest time.Time `json:"oldest"`
	Newest time.Time `json:"newest"`
}

// Stats returns the detection count and the timestamps of the oldest
// and newest rows. The timestamps are zero when the table is empty.
func (r *DetectionRepository) Stats() (DetectionStats, error) {
	var st DetectionStats

	if err := r.db.QueryRow(`SELECT COUNT(*) FROM detections`).Scan(&st.Count); err != nil {
		return DetectionStats{}, err
	}
	if st.Count == 0 {
		return st, nil
	}

	err := r.db.QueryRow(
		`SELECT timestamp FROM detections ORDER BY timestamp ASC LIMIT 1`,
	).Scan(&st.Oldest)
	if err != nil {
		return DetectionStats{}, err
	}

	err = r.db.QueryRow(
		`SELECT timestamp FROM detections ORDER BY timestamp DESC LIMIT 1`,
	).Scan(&st.Newest)
	if err != nil {
		return DetectionStats{}, err
	}

	return st, nil
}

// queryRecords runs a detection query and loads bounding boxes for
// every returned row.
func (r *DetectionRepository) queryRecords(query string, args ...any) ([]*detection.Record, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*detection.Record
	for rows.Next() {
		rec := &detection.Record{}
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.CatCount, &rec.Confidence, &rec.ImagePath); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, rec := range records {
		if err := r.loadBoxes(rec); err != nil {
			return nil, err
		}
	}

	return records, nil
}

func (r *DetectionRepository) loadBoxes(rec *detection.Record) error {
	rows, err := r.db.Query(
		`SELECT x, y, width, height, confidence FROM detection_boxes
		 WHERE detection_id = ? ORDER BY id`,
		rec.ID,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var box detection.BoundingBox
		if err := rows.Scan(&box.X, &box.Y, &box.Width, &box.Height, &box.Confidence); err != nil {
			return err
		}
		rec.Boxes = append(rec.Boxes, box)
	}

	return rows.Err()
}
