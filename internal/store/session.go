package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

// SessionStore persists the queue order and the session history.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// SaveSession writes the queue state and upserts history rows. History rows
// are immutable apart from their disposition fields, so only those are
// updated on conflict.
func (s *SessionStore) SaveSession(queue models.QueueState, history []models.HistoryEntry) error {
	queueJSON, err := json.Marshal(queue.Items)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save session: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO session_state (id, queue, saved_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET queue = excluded.queue, saved_at = excluded.saved_at
	`, string(queueJSON), queue.SavedAt); err != nil {
		return fmt.Errorf("save queue state: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO history (
			id, target_id, target_name, phone_number, caller_id, line_number, notes,
			disposition_id, disposition_name, duration_seconds, synthetic, round,
			created_at, corrected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			disposition_id = excluded.disposition_id,
			disposition_name = excluded.disposition_name,
			corrected_at = excluded.corrected_at
	`)
	if err != nil {
		return fmt.Errorf("prepare history upsert: %w", err)
	}
	defer stmt.Close()

	for _, h := range history {
		if _, err := stmt.Exec(
			h.ID, h.TargetID, h.TargetName, h.PhoneNumber, h.CallerID, h.LineNumber, h.Notes,
			h.DispositionID, h.DispositionName, h.DurationSeconds, h.Synthetic, h.Round,
			h.CreatedAt, h.CorrectedAt,
		); err != nil {
			return fmt.Errorf("save history %s: %w", h.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save session: %w", err)
	}
	return nil
}

// Load returns the last saved queue state and all history, oldest first.
// found is false when no session was ever saved.
func (s *SessionStore) Load() (queue models.QueueState, history []models.HistoryEntry, found bool, err error) {
	var raw string
	err = s.db.QueryRow(`SELECT queue, saved_at FROM session_state WHERE id = 1`).Scan(&raw, &queue.SavedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return queue, nil, false, fmt.Errorf("load queue state: %w", err)
	default:
		found = true
		if err := json.Unmarshal([]byte(raw), &queue.Items); err != nil {
			return queue, nil, false, fmt.Errorf("decode queue state: %w", err)
		}
	}

	rows, err := s.db.Query(`
		SELECT id, target_id, target_name, phone_number, caller_id, line_number, notes,
			disposition_id, disposition_name, duration_seconds, synthetic, round,
			created_at, corrected_at
		FROM history ORDER BY created_at, rowid
	`)
	if err != nil {
		return queue, nil, found, fmt.Errorf("load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var h models.HistoryEntry
		var phone, callerID, notes sql.NullString
		var corrected sql.NullInt64
		if err := rows.Scan(&h.ID, &h.TargetID, &h.TargetName, &phone, &callerID, &h.LineNumber, &notes,
			&h.DispositionID, &h.DispositionName, &h.DurationSeconds, &h.Synthetic, &h.Round,
			&h.CreatedAt, &corrected); err != nil {
			return queue, nil, found, fmt.Errorf("scan history: %w", err)
		}
		h.PhoneNumber = phone.String
		h.CallerID = callerID.String
		h.Notes = notes.String
		if corrected.Valid {
			v := corrected.Int64
			h.CorrectedAt = &v
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return queue, nil, found, fmt.Errorf("iterate history: %w", err)
	}
	return queue, history, found, nil
}

// Clear forgets the saved queue order. History is kept.
func (s *SessionStore) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM session_state`); err != nil {
		return fmt.Errorf("clear session state: %w", err)
	}
	return nil
}
