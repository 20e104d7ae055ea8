package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

const (
	TargetPending = "pending"
	TargetDone    = "done"
	TargetRemoved = "removed"
)

const targetColumns = `id, name, primary_number, secondary_number, retry_count, attempt_count`

// TargetStore holds the call targets the dialer works through.
type TargetStore struct {
	db *DB
}

func NewTargetStore(db *DB) *TargetStore {
	return &TargetStore{db: db}
}

// Import inserts targets as pending. Existing ids keep their status and
// counters; only name and numbers are refreshed. It returns the number of
// newly inserted rows.
func (s *TargetStore) Import(targets []models.CallTarget) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Unix()
	inserted := 0
	for _, t := range targets {
		res, err := tx.Exec(`
			INSERT INTO targets (id, name, primary_number, secondary_number, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, t.ID, t.Name, t.PrimaryNumber, t.SecondaryNumber, TargetPending, now, now)
		if err != nil {
			return 0, fmt.Errorf("insert target %s: %w", t.ID, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
			continue
		}
		if _, err := tx.Exec(`
			UPDATE targets SET name = ?, primary_number = ?, secondary_number = ?, updated_at = ?
			WHERE id = ?
		`, t.Name, t.PrimaryNumber, t.SecondaryNumber, now, t.ID); err != nil {
			return 0, fmt.Errorf("refresh target %s: %w", t.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return inserted, nil
}

// Pending returns every target still to be worked, oldest first.
func (s *TargetStore) Pending() ([]models.CallTarget, error) {
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM targets WHERE status = ? ORDER BY created_at, rowid`, targetColumns),
		TargetPending)
	if err != nil {
		return nil, fmt.Errorf("query pending targets: %w", err)
	}
	return scanTargets(rows)
}

// ByIDs fetches targets by id in no particular order. Missing ids are
// skipped.
func (s *TargetStore) ByIDs(ids []string) ([]models.CallTarget, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.Query(
		fmt.Sprintf(`SELECT %s FROM targets WHERE id IN (%s)`, targetColumns, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("query targets by id: %w", err)
	}
	return scanTargets(rows)
}

// RecordAttempt bumps the attempt counter and raises the stored retry count
// to retryCount. The stored retry count never decreases.
func (s *TargetStore) RecordAttempt(id string, retryCount int) error {
	_, err := s.db.Exec(`
		UPDATE targets
		SET attempt_count = attempt_count + 1,
		    retry_count = MAX(retry_count, ?),
		    last_attempt_at = ?,
		    updated_at = ?
		WHERE id = ?
	`, retryCount, time.Now().Unix(), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("record attempt %s: %w", id, err)
	}
	return nil
}

// SetRetryCount raises the stored retry count after a requeue.
func (s *TargetStore) SetRetryCount(id string, retryCount int) error {
	_, err := s.db.Exec(`UPDATE targets SET retry_count = MAX(retry_count, ?), updated_at = ? WHERE id = ?`,
		retryCount, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set retry count %s: %w", id, err)
	}
	return nil
}

// MarkDone finalizes a target with the disposition that closed it.
func (s *TargetStore) MarkDone(id, dispositionID string) error {
	res, err := s.db.Exec(`
		UPDATE targets SET status = ?, last_disposition_id = ?, updated_at = ? WHERE id = ?
	`, TargetDone, dispositionID, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark target %s done: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark target %s done: %w", id, sql.ErrNoRows)
	}
	return nil
}

// MarkRemoved takes targets out of the pending pool and returns how many
// rows changed.
func (s *TargetStore) MarkRemoved(ids []string) (int64, error) {
	var total int64
	for _, id := range ids {
		res, err := s.db.Exec(`UPDATE targets SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			TargetRemoved, time.Now().Unix(), id, TargetPending)
		if err != nil {
			return total, fmt.Errorf("remove target %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

func scanTargets(rows *sql.Rows) ([]models.CallTarget, error) {
	defer rows.Close()
	var out []models.CallTarget
	for rows.Next() {
		var t models.CallTarget
		var secondary sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &t.PrimaryNumber, &secondary, &t.RetryCount, &t.AttemptCount); err != nil {
			return nil, fmt.Errorf("scan target: %w", err)
		}
		t.SecondaryNumber = secondary.String
		out = append(out, t)
	}
	return out, rows.Err()
}
