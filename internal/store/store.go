// Package store keeps the history of loader runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	UUID    string
	Project string
	Task    string
	Workers int
	Tests   int
}

type RunRow struct {
	Run
	ID            int
	InProgress    bool
	Success       *bool
	FailureReason *string
	Started       time.Time
	Stopped       *time.Time
}

func (r RunRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s task=%s workers=%d tests=%d started=%s",
		r.UUID, r.Project, r.Task, r.Workers, r.Tests, r.Started.Format(time.RFC3339))
	switch {
	case r.InProgress:
		sb.WriteString(" in progress")
	case r.Success != nil && *r.Success:
		sb.WriteString(" ok")
	default:
		sb.WriteString(" failed")
		if r.FailureReason != nil {
			fmt.Fprintf(&sb, ": %s", *r.FailureReason)
		}
	}
	if r.Stopped != nil {
		fmt.Fprintf(&sb, " (%s)", r.Stopped.Sub(r.Started).Round(time.Millisecond))
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			project TEXT NOT NULL,
			task TEXT NOT NULL,
			workers INTEGER NOT NULL,
			tests INTEGER NOT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			started INTEGER NOT NULL,
			stopped INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid), slog.String("error", err.Error()))
	}
}

// Start records run as in progress. Starting a run still in progress is a
// no-op, ErrAlreadyFinished is returned for a finished one.
func Start(ctx context.Context, db *sql.DB, run Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, run.UUID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, run.UUID,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, project, task, workers, tests, in_progress, started)
		 VALUES (?,?,?,?,?,?,?);`,
		run.UUID, run.Project, run.Task, run.Workers, run.Tests, true, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// FinishOK marks the run identified by uuid as finished successfully.
func FinishOK(ctx context.Context, db *sql.DB, uuid string) error {
	return finish(ctx, db, uuid, true, nil)
}

// FinishErr marks the run identified by uuid as failed with reason.
func FinishErr(ctx context.Context, db *sql.DB, uuid, reason string) error {
	return finish(ctx, db, uuid, false, &reason)
}

func finish(ctx context.Context, db *sql.DB, uuid string, success bool, reason *string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			success = ?,
			failure_reason = ?,
			stopped = ?
		WHERE uuid = ?;
		`, success, reason, time.Now().UnixMilli(), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const columns = `id, uuid, project, task, workers, tests, in_progress, success, failure_reason, started, stopped`

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (RunRow, error) {
	var row RunRow
	var started int64
	var stopped *int64
	err := s.Scan(
		&row.ID,
		&row.UUID,
		&row.Project,
		&row.Task,
		&row.Workers,
		&row.Tests,
		&row.InProgress,
		&row.Success,
		&row.FailureReason,
		&started,
		&stopped,
	)
	if err != nil {
		return RunRow{}, err
	}
	row.Started = time.UnixMilli(started).UTC()
	if stopped != nil {
		t := time.UnixMilli(*stopped).UTC()
		row.Stopped = &t
	}
	return row, nil
}

// Get returns the run identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row, err := scanRow(db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM runs WHERE uuid=?`, uuid,
	))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return row, nil
}

// List returns up to limit runs, the most recent first. A limit below one
// returns every run.
func List(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	if limit < 1 {
		limit = -1
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+columns+` FROM runs ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ret []RunRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		ret = append(ret, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return ret, nil
}
