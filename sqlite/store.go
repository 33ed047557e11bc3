// Package sqlite contains the SQLite implementation of the issue store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/studiorosalind/triage/core"
	"github.com/studiorosalind/triage/registry"
)

// Store implements registry.Store with SQLite. The conditional Update keeps
// the per-issue serialization invariant intact even when several daemon
// processes share one database file.
type Store struct {
	db *sql.DB
}

var _ registry.Store = (*Store)(nil)

// Open opens (and if needed creates) the database at path and initializes the
// schema. The special path ":memory:" yields an ephemeral database for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		// Each pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
	}

	if _, err := db.Exec(SchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db}, nil
}

// New wraps an existing database handle. The caller is responsible for schema
// initialization and for closing the handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// Create persists a new issue. ID and Status must be pre-populated by the
// registry.
func (s *Store) Create(ctx context.Context, issue *core.Issue) error {
	if issue.ID == "" {
		return fmt.Errorf("issue ID must be pre-populated by the registry")
	}
	if issue.Status == "" {
		return fmt.Errorf("issue status must be pre-populated by the registry")
	}

	metadata, err := encodeJSON(issue.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	solution, err := encodeJSON(issue.Solution)
	if err != nil {
		return fmt.Errorf("encode solution: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO issues (id, title, description, status, source, error_message, stack_trace,
		                     event_transaction_id, metadata, solution, failure_reason, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		issue.ID, issue.Title, issue.Description, string(issue.Status), string(issue.Source),
		nullString(issue.ErrorMessage), nullString(issue.StackTrace), nullString(issue.EventTransactionID),
		metadata, solution, nullString(string(issue.FailureReason)),
		issue.CreatedAt.UTC(), issue.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert issue: %w", err)
	}
	return nil
}

// Get retrieves an issue by id, or registry.ErrIssueNotFound.
func (s *Store) Get(ctx context.Context, id string) (*core.Issue, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, description, status, source, error_message, stack_trace,
		        event_transaction_id, metadata, solution, failure_reason, created_at, updated_at
		 FROM issues WHERE id = ?`, id)

	issue, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return nil, registry.ErrIssueNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

// List retrieves issues matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter registry.ListFilter) ([]*core.Issue, error) {
	query := `SELECT id, title, description, status, source, error_message, stack_trace,
	                 event_transaction_id, metadata, solution, failure_reason, created_at, updated_at
	          FROM issues`
	args := []any{}

	if filter.Status != "" {
		query += " WHERE status = ?"
		args = append(args, string(filter.Status))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	var issues []*core.Issue
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate issues: %w", err)
	}
	return issues, nil
}

// Update rewrites the lifecycle fields of an issue on the condition that the
// stored status still equals expectStatus. A zero row count is mapped to
// registry.ErrStaleStatus (record exists, status moved) or
// registry.ErrIssueNotFound.
func (s *Store) Update(ctx context.Context, issue *core.Issue, expectStatus core.IssueStatus) error {
	solution, err := encodeJSON(issue.Solution)
	if err != nil {
		return fmt.Errorf("encode solution: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE issues SET status = ?, solution = ?, failure_reason = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(issue.Status), solution, nullString(string(issue.FailureReason)), issue.UpdatedAt.UTC(),
		issue.ID, string(expectStatus),
	)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, "SELECT status FROM issues WHERE id = ?", issue.ID).Scan(&status)
		if err == sql.ErrNoRows {
			return registry.ErrIssueNotFound
		}
		if err != nil {
			return fmt.Errorf("update issue: %w", err)
		}
		return registry.ErrStaleStatus
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// scanner abstracts *sql.Row and *sql.Rows for scanIssue.
type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(row scanner) (*core.Issue, error) {
	var (
		issue         core.Issue
		status        string
		source        string
		errorMessage  sql.NullString
		stackTrace    sql.NullString
		transactionID sql.NullString
		metadata      sql.NullString
		solution      sql.NullString
		failureReason sql.NullString
	)

	err := row.Scan(&issue.ID, &issue.Title, &issue.Description, &status, &source,
		&errorMessage, &stackTrace, &transactionID, &metadata, &solution, &failureReason,
		&issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return nil, err
	}

	parsed, err := core.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	issue.Status = parsed
	issue.Source = core.IssueSource(source)
	issue.ErrorMessage = errorMessage.String
	issue.StackTrace = stackTrace.String
	issue.EventTransactionID = transactionID.String
	issue.FailureReason = core.FailureReason(failureReason.String)
	issue.CreatedAt = issue.CreatedAt.UTC()
	issue.UpdatedAt = issue.UpdatedAt.UTC()

	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &issue.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	if solution.Valid && solution.String != "" {
		if err := json.Unmarshal([]byte(solution.String), &issue.Solution); err != nil {
			return nil, fmt.Errorf("decode solution: %w", err)
		}
	}
	return &issue, nil
}

// encodeJSON marshals v into a nullable TEXT column, storing NULL for nil
// maps and pointers.
func encodeJSON(v any) (sql.NullString, error) {
	switch val := v.(type) {
	case map[string]string:
		if val == nil {
			return sql.NullString{}, nil
		}
	case *core.Solution:
		if val == nil {
			return sql.NullString{}, nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
