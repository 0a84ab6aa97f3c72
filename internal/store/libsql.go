package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/EreZAzariyA/dream-team-builder-sub008/internal/engine"
	"github.com/EreZAzariyA/dream-team-builder-sub008/pkg/schema"
)

// LibSQLStore persists instances in a libSQL (embedded SQLite fork) database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB, shared with EventLog and Artifacts.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Instances ---

// Save upserts inst. A write whose version is not newer than the stored row
// is rejected with CONFLICT so a stale owner cannot overwrite progress.
func (s *LibSQLStore) Save(ctx context.Context, inst *schema.WorkflowInstance) error {
	state, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO instances (instance_id, definition_id, status, current_step_index, version, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET
		   status = excluded.status,
		   current_step_index = excluded.current_step_index,
		   version = excluded.version,
		   state = excluded.state,
		   updated_at = excluded.updated_at
		 WHERE excluded.version > instances.version`,
		inst.InstanceID, inst.DefinitionID, string(inst.Status), inst.CurrentStepIndex, inst.Version,
		string(state), timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save instance %s: %w", inst.InstanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var stored int64
		if err := s.db.QueryRowContext(ctx,
			`SELECT version FROM instances WHERE instance_id = ?`, inst.InstanceID).Scan(&stored); err != nil {
			return fmt.Errorf("read stored version: %w", err)
		}
		return staleVersion(inst.InstanceID, inst.Version, stored)
	}
	return nil
}

// Load returns the instance or nil when no row exists.
func (s *LibSQLStore) Load(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM instances WHERE instance_id = ?`, id,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", id, err)
	}
	return decodeInstance([]byte(state))
}

// List returns instances matching filter, oldest first.
func (s *LibSQLStore) List(ctx context.Context, filter engine.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.DefinitionID != "" {
		where = append(where, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}

	query := "SELECT state FROM instances"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, instance_id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowInstance
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, err
		}
		inst, err := decodeInstance([]byte(state))
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// Delete removes an instance together with its events and artifacts.
func (s *LibSQLStore) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, id)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "instance", id); err != nil {
		return err
	}
	for _, table := range []string{"events", "artifacts"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE instance_id = ?", id); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// --- Artifacts ---

// Artifacts returns an ArtifactStore backed by the same database.
func (s *LibSQLStore) Artifacts() *LibSQLArtifacts {
	return &LibSQLArtifacts{db: s.db}
}

// LibSQLArtifacts keeps artifact content in the artifacts table.
type LibSQLArtifacts struct {
	db *sql.DB
}

var _ engine.ArtifactStore = (*LibSQLArtifacts)(nil)

// Put stores the content of a and returns its reference.
func (a *LibSQLArtifacts) Put(ctx context.Context, instanceID string, art schema.Artifact) (string, error) {
	ref := uuid.NewString()
	var iteration any
	if art.Iteration != nil {
		iteration = *art.Iteration
	}
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO artifacts (ref, instance_id, name, content, produced_by_step, iteration, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ref, instanceID, art.Name, art.Content, art.ProducedByStep, iteration, timeOrNow(art.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert artifact %s: %w", art.Name, err)
	}
	return ref, nil
}

// Get returns the content stored under ref.
func (a *LibSQLArtifacts) Get(ctx context.Context, ref string) (string, error) {
	var content string
	err := a.db.QueryRowContext(ctx, `SELECT content FROM artifacts WHERE ref = ?`, ref).Scan(&content)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound("artifact", ref)
	}
	return content, err
}

// --- Helpers ---

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
