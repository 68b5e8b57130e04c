package store

// runMigrations executes all database migrations.
func (s *Store) runMigrations() error {
	migrations := []string{
		// Detections table - one row per validated detection event
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			timestamp DATETIME NOT NULL,
			cat_count INTEGER NOT NULL,
			confidence REAL NOT NULL,
			image_path TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		// Detection boxes table - bounding boxes belonging to a detection
		`CREATE TABLE IF NOT EXISTS detection_boxes (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			detection_id TEXT NOT NULL REFERENCES detections(id) ON DELETE CASCADE,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			confidence REAL NOT NULL
		)`,

		// Alerts table - audit trail of notification attempts
		`CREATE TABLE IF NOT EXISTS alerts (
			id TEXT PRIMARY KEY,
			created_at DATETIME NOT NULL,
			channel TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			image_path TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending', 'sent', 'failed')),
			attempts INTEGER NOT NULL DEFAULT 0
		)`,

		// Indexes for better query performance
		`CREATE INDEX IF NOT EXISTS idx_detections_timestamp ON detections(timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_detection_boxes_detection_id ON detection_boxes(detection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_created_at ON alerts(created_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.Exec(migration); err != nil {
			return err
		}
	}

	return nil
}
