package store

import (
	"database/sql"
	"fmt"

	"github.com/stads98/telnyx-crm-sub001/internal/models"
)

// AutomationStore logs every call made to the automation collaborator.
type AutomationStore struct {
	db *DB
}

func NewAutomationStore(db *DB) *AutomationStore {
	return &AutomationStore{db: db}
}

func (s *AutomationStore) Record(run *models.AutomationRun) error {
	_, err := s.db.Exec(`
		INSERT INTO automation_runs (
			id, history_id, target_id, disposition_id, previous_disposition_id,
			executed, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.HistoryID, run.TargetID, run.DispositionID, run.PreviousDispositionID,
		run.Executed, run.Error, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert automation run: %w", err)
	}
	return nil
}

// ByHistory returns the runs for one history entry, oldest first.
func (s *AutomationStore) ByHistory(historyID string) ([]models.AutomationRun, error) {
	rows, err := s.db.Query(`
		SELECT id, history_id, target_id, disposition_id, previous_disposition_id,
			executed, error, created_at
		FROM automation_runs WHERE history_id = ? ORDER BY created_at, rowid
	`, historyID)
	if err != nil {
		return nil, fmt.Errorf("query automation runs: %w", err)
	}
	defer rows.Close()

	var out []models.AutomationRun
	for rows.Next() {
		var r models.AutomationRun
		var prev, errText sql.NullString
		if err := rows.Scan(&r.ID, &r.HistoryID, &r.TargetID, &r.DispositionID, &prev,
			&r.Executed, &errText, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan automation run: %w", err)
		}
		r.PreviousDispositionID = prev.String
		r.Error = errText.String
		out = append(out, r)
	}
	return out, rows.Err()
}
