package store

import (
	"database/sql"
	"time"

	"github.com/rivalscope/rivalscope/internal/models"
)

// CreateReportRun records a newly started report job.
func (s *Store) CreateReportRun(id, title string, requestedBy int64, startedAt time.Time) error {
	query := `INSERT INTO report_runs (id, title, requested_by, status, started_at, created_at)
	          VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.Exec(query, id, title, requestedBy, "IN_PROGRESS", startedAt, time.Now())
	return err
}

// FinishReportRun records a job's terminal disposition.
func (s *Store) FinishReportRun(id, status, currentStage string, overallProgress float64, errorMessage *string, completedAt time.Time) error {
	query := `UPDATE report_runs
	          SET status = ?, current_stage = ?, overall_progress = ?, error_message = ?, completed_at = ?
	          WHERE id = ?`
	_, err := s.db.Exec(query, status, currentStage, overallProgress, errorMessage, completedAt, id)
	return err
}

// GetReportRun fetches a single run by job id.
func (s *Store) GetReportRun(id string) (*models.ReportRun, error) {
	query := `SELECT id, title, requested_by, status, current_stage, overall_progress,
	                 error_message, started_at, completed_at, created_at
	          FROM report_runs WHERE id = ?`
	run, err := scanReportRun(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return run, err
}

// ListReportRuns returns the most recent runs, newest first.
func (s *Store) ListReportRuns(limit int) ([]*models.ReportRun, error) {
	query := `SELECT id, title, requested_by, status, current_stage, overall_progress,
	                 error_message, started_at, completed_at, created_at
	          FROM report_runs ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.ReportRun
	for rows.Next() {
		run, err := scanReportRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneReportRuns deletes terminal runs completed before the cutoff. It
// returns the number of rows removed.
func (s *Store) PruneReportRuns(before time.Time) (int64, error) {
	query := `DELETE FROM report_runs
	          WHERE status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND completed_at < ?`
	res, err := s.db.Exec(query, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReportRun(row rowScanner) (*models.ReportRun, error) {
	var run models.ReportRun
	err := row.Scan(&run.ID, &run.Title, &run.RequestedBy, &run.Status, &run.CurrentStage,
		&run.OverallProgress, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
