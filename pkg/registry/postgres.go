package registry

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"splitlab/pkg/experiment"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is a Store backed by PostgreSQL. Definitions are small and
// read-heavy, so variants and guardrails live in JSONB columns rather
// than child tables.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects, configures the pool, and applies migrations.
func NewPostgres(dbURL string) (*Postgres, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return &Postgres{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create source driver: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{MigrationsTable: "schema_migrations"})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Save(ctx context.Context, exp *experiment.Experiment) error {
	variantsJSON, err := json.Marshal(exp.Variants)
	if err != nil {
		return fmt.Errorf("failed to marshal variants: %w", err)
	}
	guardrailsJSON, err := json.Marshal(exp.GuardrailMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal guardrails: %w", err)
	}
	if exp.GuardrailMetrics == nil {
		guardrailsJSON = []byte("[]")
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO experiments
			(id, name, description, owner, state, target_metric, metric_kind,
			 guardrail_metrics, traffic_percent, variants,
			 created_at, started_at, ended_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			owner = EXCLUDED.owner,
			state = EXCLUDED.state,
			target_metric = EXCLUDED.target_metric,
			metric_kind = EXCLUDED.metric_kind,
			guardrail_metrics = EXCLUDED.guardrail_metrics,
			traffic_percent = EXCLUDED.traffic_percent,
			variants = EXCLUDED.variants,
			started_at = EXCLUDED.started_at,
			ended_at = EXCLUDED.ended_at,
			updated_at = EXCLUDED.updated_at`,
		exp.ID, exp.Name, exp.Description, exp.Owner, string(exp.State),
		exp.TargetMetric, string(exp.MetricKind), guardrailsJSON,
		exp.TrafficPercent, variantsJSON,
		exp.CreatedAt, exp.StartedAt, exp.EndedAt, exp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save experiment %s: %w", exp.ID, err)
	}
	return nil
}

const selectColumns = `id, name, description, owner, state, target_metric,
	metric_kind, guardrail_metrics, traffic_percent, variants,
	created_at, started_at, ended_at, updated_at`

func (p *Postgres) Load(ctx context.Context, id string) (*experiment.Experiment, error) {
	row := p.db.QueryRowContext(ctx,
		"SELECT "+selectColumns+" FROM experiments WHERE id = $1", id)
	exp, err := scanExperiment(row)
	if err == sql.ErrNoRows {
		return nil, &experiment.NotFoundError{ExperimentID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment %s: %w", id, err)
	}
	return exp, nil
}

func (p *Postgres) ListByState(ctx context.Context, states ...experiment.State) ([]*experiment.Experiment, error) {
	query := "SELECT " + selectColumns + " FROM experiments"
	var args []any
	if len(states) > 0 {
		query += " WHERE state = ANY($1)"
		stateStrs := make([]string, len(states))
		for i, s := range states {
			stateStrs[i] = string(s)
		}
		args = append(args, pq.Array(stateStrs))
	}
	query += " ORDER BY created_at"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, "DELETE FROM experiments WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete experiment %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &experiment.NotFoundError{ExperimentID: id}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*experiment.Experiment, error) {
	var exp experiment.Experiment
	var state, kind string
	var guardrailsJSON, variantsJSON []byte
	var startedAt, endedAt sql.NullTime

	err := row.Scan(&exp.ID, &exp.Name, &exp.Description, &exp.Owner, &state,
		&exp.TargetMetric, &kind, &guardrailsJSON, &exp.TrafficPercent,
		&variantsJSON, &exp.CreatedAt, &startedAt, &endedAt, &exp.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exp.State = experiment.State(state)
	exp.MetricKind = experiment.MetricKind(kind)
	if err := json.Unmarshal(variantsJSON, &exp.Variants); err != nil {
		return nil, fmt.Errorf("corrupt variants for %s: %w", exp.ID, err)
	}
	if len(guardrailsJSON) > 0 {
		if err := json.Unmarshal(guardrailsJSON, &exp.GuardrailMetrics); err != nil {
			return nil, fmt.Errorf("corrupt guardrails for %s: %w", exp.ID, err)
		}
	}
	if startedAt.Valid {
		t := startedAt.Time
		exp.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		exp.EndedAt = &t
	}
	return &exp, nil
}
