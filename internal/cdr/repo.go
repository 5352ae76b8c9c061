package cdr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Call dispositions.
const (
	DispositionAnswered  = "answered"  // call answered, still in progress
	DispositionCompleted = "completed" // call answered and finished normally
	DispositionFailed    = "failed"    // call could not be set up
)

// ErrNotFound is returned when no record matches.
var ErrNotFound = errors.New("cdr: record not found")

// Record is one call detail record.
type Record struct {
	ID            int64      `json:"id"`
	CallID        string     `json:"call_id"`
	CallerIP      string     `json:"caller_ip"`
	CallerPort    int        `json:"caller_port"`
	StartTime     time.Time  `json:"start_time"`
	AnswerTime    *time.Time `json:"answer_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Duration      int        `json:"duration"` // seconds
	Disposition   string     `json:"disposition"`
	RecordingFile string     `json:"recording_file,omitempty"`
}

// Repository reads and writes call detail records.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over the given database.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a new record and fills in its ID.
func (r *Repository) Create(ctx context.Context, rec *Record) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_id, caller_ip, caller_port, start_time,
		 answer_time, end_time, duration, disposition, recording_file)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CallID, rec.CallerIP, rec.CallerPort, rec.StartTime,
		rec.AnswerTime, rec.EndTime, rec.Duration, rec.Disposition,
		rec.RecordingFile,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	rec.ID = id
	return nil
}

// Finish closes out the record for callID with its end time, final
// disposition and recording file, computing the duration from the answer
// time when present.
func (r *Repository) Finish(ctx context.Context, callID string, endTime time.Time, disposition, recordingFile string) error {
	rec, err := r.GetByCallID(ctx, callID)
	if err != nil {
		return err
	}

	duration := 0
	if rec.AnswerTime != nil {
		duration = int(endTime.Sub(*rec.AnswerTime).Seconds())
	}

	_, err = r.db.ExecContext(ctx,
		`UPDATE cdrs SET end_time = ?, duration = ?, disposition = ?,
		 recording_file = ? WHERE id = ?`,
		endTime, duration, disposition, recordingFile, rec.ID,
	)
	if err != nil {
		return fmt.Errorf("finishing cdr: %w", err)
	}
	return nil
}

// GetByCallID returns the record for a SIP Call-ID.
func (r *Repository) GetByCallID(ctx context.Context, callID string) (*Record, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		`SELECT id, call_id, caller_ip, caller_port, start_time, answer_time,
		 end_time, duration, disposition, recording_file
		 FROM cdrs WHERE call_id = ? ORDER BY id DESC LIMIT 1`, callID,
	))
}

// List returns the most recent records, newest first.
func (r *Repository) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, call_id, caller_ip, caller_port, start_time, answer_time,
		 end_time, duration, disposition, recording_file
		 FROM cdrs ORDER BY start_time DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CountByDisposition returns total record counts grouped by disposition.
func (r *Repository) CountByDisposition(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM cdrs GROUP BY disposition`,
	)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var disposition string
		var count int64
		if err := rows.Scan(&disposition, &count); err != nil {
			return nil, fmt.Errorf("scanning cdr count: %w", err)
		}
		counts[disposition] = count
	}
	return counts, rows.Err()
}

func (r *Repository) scanOne(row *sql.Row) (*Record, error) {
	rec := &Record{}
	err := row.Scan(
		&rec.ID, &rec.CallID, &rec.CallerIP, &rec.CallerPort, &rec.StartTime,
		&rec.AnswerTime, &rec.EndTime, &rec.Duration, &rec.Disposition,
		&rec.RecordingFile,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return rec, nil
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	rec := &Record{}
	err := rows.Scan(
		&rec.ID, &rec.CallID, &rec.CallerIP, &rec.CallerPort, &rec.StartTime,
		&rec.AnswerTime, &rec.EndTime, &rec.Duration, &rec.Disposition,
		&rec.RecordingFile,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return rec, nil
}
