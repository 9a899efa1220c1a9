package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrRunNotFound = errors.New("run not found")

var _ Exporter = (*SQLiteStore)(nil)

// SQLiteStore records finished runs with their per-image results and matches.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the database at dsn; ":memory:" works for tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

// Migrate creates all required tables.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			reference_image TEXT NOT NULL,
			reference_path TEXT,
			reference TEXT NOT NULL,
			canceled INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL,
			matched INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS image_results (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			image_id TEXT NOT NULL,
			path TEXT,
			failure_kind TEXT,
			failure_message TEXT,
			PRIMARY KEY (run_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS matches (
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			rank INTEGER NOT NULL,
			proposal_index INTEGER NOT NULL,
			similarity REAL NOT NULL,
			quality_score REAL NOT NULL,
			bbox TEXT NOT NULL,
			area INTEGER NOT NULL,
			mask TEXT NOT NULL,
			PRIMARY KEY (run_id, position, rank)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// Export stores run in a single transaction.
func (s *SQLiteStore) Export(ctx context.Context, run *RunResult) error {
	return s.SaveReport(ctx, NewRunReport(run))
}

func (s *SQLiteStore) SaveReport(ctx context.Context, rep RunReport) error {
	ref, err := json.Marshal(rep.Reference)
	if err != nil {
		return fmt.Errorf("encode reference: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, reference_image, reference_path, reference, canceled, total, matched, failed, started_at, finished_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rep.ID, rep.Reference.ImageID, rep.Reference.Path, string(ref), rep.Canceled,
		rep.Total, rep.Matched, rep.Failed, rep.StartedAt.UTC(), rep.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for pos, img := range rep.Images {
		var kind, msg sql.NullString
		if img.Failure != nil {
			kind = sql.NullString{String: string(img.Failure.Kind), Valid: true}
			msg = sql.NullString{String: img.Failure.Message, Valid: true}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO image_results (run_id, position, image_id, path, failure_kind, failure_message) VALUES (?,?,?,?,?,?)`,
			rep.ID, pos, img.ImageID, img.Path, kind, msg,
		)
		if err != nil {
			return fmt.Errorf("insert result %s: %w", img.ImageID, err)
		}

		for _, m := range img.Matches {
			bbox, _ := json.Marshal(m.BBox)
			mask, err := json.Marshal(m.Mask)
			if err != nil {
				return fmt.Errorf("encode mask: %w", err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO matches (run_id, position, rank, proposal_index, similarity, quality_score, bbox, area, mask)
				 VALUES (?,?,?,?,?,?,?,?,?)`,
				rep.ID, pos, m.Rank, m.ProposalIndex, m.Similarity, m.QualityScore, string(bbox), m.Area, string(mask),
			)
			if err != nil {
				return fmt.Errorf("insert match %s#%d: %w", img.ImageID, m.Rank, err)
			}
		}
	}

	return tx.Commit()
}

// ListRuns returns run summaries, newest first, without per-image detail.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]RunReport, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reference, canceled, total, matched, failed, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunReport
	for rows.Next() {
		rep, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// GetRun loads a run with its images and matches in stored order.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (RunReport, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, reference, canceled, total, matched, failed, started_at, finished_at FROM runs WHERE id = ?`, id)
	rep, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunReport{}, fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return RunReport{}, err
	}

	images, err := s.loadImages(ctx, id)
	if err != nil {
		return RunReport{}, err
	}
	rep.Images = images
	return rep, nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s: %w", id, ErrRunNotFound)
	}
	for _, table := range []string{"image_results", "matches"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunReport, error) {
	var rep RunReport
	var ref string
	err := row.Scan(&rep.ID, &ref, &rep.Canceled, &rep.Total, &rep.Matched, &rep.Failed, &rep.StartedAt, &rep.FinishedAt)
	if err != nil {
		return RunReport{}, err
	}
	if err := json.Unmarshal([]byte(ref), &rep.Reference); err != nil {
		return RunReport{}, fmt.Errorf("decode reference of %s: %w", rep.ID, err)
	}
	return rep, nil
}

func (s *SQLiteStore) loadImages(ctx context.Context, runID string) ([]ImageReport, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT position, image_id, path, failure_kind, failure_message
		 FROM image_results WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	defer rows.Close()

	images := []ImageReport{}
	for rows.Next() {
		var pos int
		var img ImageReport
		var path, kind, msg sql.NullString
		if err := rows.Scan(&pos, &img.ImageID, &path, &kind, &msg); err != nil {
			return nil, err
		}
		img.Path = path.String
		img.Matches = []MatchReport{}
		if kind.Valid {
			img.Failure = &ImageFailure{Kind: ErrorKind(kind.String), Message: msg.String}
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	mrows, err := s.db.QueryContext(ctx,
		`SELECT position, rank, proposal_index, similarity, quality_score, bbox, area, mask
		 FROM matches WHERE run_id = ? ORDER BY position, rank`, runID)
	if err != nil {
		return nil, fmt.Errorf("load matches: %w", err)
	}
	defer mrows.Close()

	for mrows.Next() {
		var pos int
		var m MatchReport
		var bbox, mask string
		if err := mrows.Scan(&pos, &m.Rank, &m.ProposalIndex, &m.Similarity, &m.QualityScore, &bbox, &m.Area, &mask); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(bbox), &m.BBox); err != nil {
			return nil, fmt.Errorf("decode bbox: %w", err)
		}
		if err := json.Unmarshal([]byte(mask), &m.Mask); err != nil {
			return nil, fmt.Errorf("decode mask: %w", err)
		}
		if pos < 0 || pos >= len(images) {
			return nil, fmt.Errorf("match for unknown image position %d", pos)
		}
		images[pos].Matches = append(images[pos].Matches, m)
	}
	return images, mrows.Err()
}
