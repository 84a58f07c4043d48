package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/alexshd/mixpower"
	_ "modernc.org/sqlite" // SQLite driver
)

// ErrNotFound is returned when an id has no row.
var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed archive of models and curves. Safe for
// concurrent use; database/sql serialises access over one connection.
type Store struct {
	db   *sql.DB
	path string
}

// CurveSummary is one row of ListCurves.
type CurveSummary struct {
	ID             string                  `json:"id"`
	ModelID        string                  `json:"model_id,omitempty"`
	Factor         mixpower.GroupingFactor `json:"factor"`
	Structure      string                  `json:"structure"`
	Formula        string                  `json:"formula"`
	Seed           uint64                  `json:"seed"`
	TrialsPerPoint int                     `json:"trials_per_point"`
	Points         int                     `json:"points"`
	Created        time.Time               `json:"created"`
}

// Open opens (creating if needed) the database at path and initialises the
// schema. ":memory:" gives a private in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create store directory: %w", err)
			}
		}
		dsn = path + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite works best with single writer

	if err := InitSchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database path.
func (s *Store) Path() string { return s.path }

// SaveModel stores m, replacing an existing row with the same id.
func (s *Store) SaveModel(ctx context.Context, m *mixpower.FittedModel) error {
	snap, err := m.Snapshot()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO models (id, structure, formula, aic, num_obs, singular, snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Structure().Name, m.Formula.String(), m.AIC, m.NumObs, m.Singular,
		string(snap), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save model %s: %w", m.ID, err)
	}
	return nil
}

// LoadModel restores the model stored under id.
func (s *Store) LoadModel(ctx context.Context, id string) (*mixpower.FittedModel, error) {
	var snap string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM models WHERE id = ?`, id).Scan(&snap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("model %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", id, err)
	}
	return mixpower.RestoreModel([]byte(snap))
}

// SaveCurve stores c. modelID links the base model and may be empty.
func (s *Store) SaveCurve(ctx context.Context, c *mixpower.Curve, modelID string) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode curve %s: %w", c.ID, err)
	}
	var model any
	if modelID != "" {
		model = modelID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO curves (id, model_id, factor, structure, formula, seed, trials_per_point, points, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, model, string(c.Factor), c.Structure, c.Formula, int64(c.Seed),
		c.TrialsPerPoint, len(c.Points), string(body), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save curve %s: %w", c.ID, err)
	}
	return nil
}

// LoadCurve returns the curve stored under id.
func (s *Store) LoadCurve(ctx context.Context, id string) (*mixpower.Curve, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM curves WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("curve %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load curve %s: %w", id, err)
	}
	var c mixpower.Curve
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("failed to decode curve %s: %w", id, err)
	}
	return &c, nil
}

// ListCurves returns stored curves, newest first. limit <= 0 returns all.
func (s *Store) ListCurves(ctx context.Context, limit int) ([]CurveSummary, error) {
	q := `SELECT id, COALESCE(model_id, ''), factor, structure, formula, seed, trials_per_point, points, created_at
		FROM curves ORDER BY created_at DESC, id`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list curves: %w", err)
	}
	defer rows.Close()

	var out []CurveSummary
	for rows.Next() {
		var (
			cs      CurveSummary
			factor  string
			seed    int64
			created string
		)
		if err := rows.Scan(&cs.ID, &cs.ModelID, &factor, &cs.Structure, &cs.Formula,
			&seed, &cs.TrialsPerPoint, &cs.Points, &created); err != nil {
			return nil, fmt.Errorf("failed to scan curve: %w", err)
		}
		cs.Factor = mixpower.GroupingFactor(factor)
		cs.Seed = uint64(seed)
		cs.Created, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, cs)
	}
	return out, rows.Err()
}
