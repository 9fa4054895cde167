// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/privateaim/pod-orchestrator/api/analysis"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate brings the schema up to date. Called once at startup before the
// pool is handed out.
func Migrate(dsn string) error {
	goose.SetBaseFS(migrationsFS)
	db, err := goose.OpenDBWithDriver("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database for migration: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Postgres is the production Repository on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
	log  logr.Logger
}

func NewPostgres(pool *pgxpool.Pool, log logr.Logger) *Postgres {
	return &Postgres{pool: pool, log: log.WithName("store")}
}

const generationColumns = `deployment_name, analysis_id, project_id, registry_url, image_url,
	registry_user, registry_password, kong_token, namespace, pod_ids, status, log,
	restart_counter, progress, time_created, time_updated`

func scanGeneration(row pgx.Row) (*analysis.Generation, error) {
	var g analysis.Generation
	err := row.Scan(&g.DeploymentName, &g.AnalysisID, &g.ProjectID, &g.RegistryURL, &g.ImageURL,
		&g.RegistryUser, &g.RegistryPassword, &g.KongToken, &g.Namespace, &g.PodIDs, &g.Status, &g.Log,
		&g.RestartCounter, &g.Progress, &g.TimeCreated, &g.TimeUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan generation: %w", err)
	}
	return &g, nil
}

func (p *Postgres) Insert(ctx context.Context, gen *analysis.Generation) error {
	podIDs := gen.PodIDs
	if podIDs == nil {
		podIDs = []string{}
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO analysis (`+generationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, now(), now())`,
		gen.DeploymentName, gen.AnalysisID, gen.ProjectID, gen.RegistryURL, gen.ImageURL,
		gen.RegistryUser, gen.RegistryPassword, gen.KongToken, gen.Namespace, podIDs, gen.Status, gen.Log,
		gen.RestartCounter, gen.Progress)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to insert generation %s: %w", gen.DeploymentName, err)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, deploymentName string) (*analysis.Generation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM analysis WHERE deployment_name = $1`, deploymentName)
	return scanGeneration(row)
}

func (p *Postgres) Latest(ctx context.Context, analysisID string) (*analysis.Generation, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM analysis
		WHERE analysis_id = $1 ORDER BY time_created DESC LIMIT 1`, analysisID)
	return scanGeneration(row)
}

func (p *Postgres) ListByAnalysis(ctx context.Context, analysisID string) ([]analysis.Generation, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+generationColumns+` FROM analysis
		WHERE analysis_id = $1 ORDER BY time_created ASC`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to list generations of %s: %w", analysisID, err)
	}
	return collectGenerations(rows)
}

func (p *Postgres) ListLive(ctx context.Context) ([]analysis.Generation, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+generationColumns+` FROM (
			SELECT DISTINCT ON (analysis_id) * FROM analysis
			ORDER BY analysis_id, time_created DESC
		) latest WHERE status IN ('starting', 'started', 'running', 'stuck', 'stopping')
		ORDER BY time_created ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list live generations: %w", err)
	}
	return collectGenerations(rows)
}

func (p *Postgres) ListAnalysisIDs(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT analysis_id FROM analysis`)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect analysis ids: %w", err)
	}
	return ids, nil
}

func (p *Postgres) CountGenerations(ctx context.Context, analysisID string) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM analysis WHERE analysis_id = $1`, analysisID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count generations of %s: %w", analysisID, err)
	}
	return count, nil
}

func (p *Postgres) Apply(ctx context.Context, deploymentName string, update Update) error {
	sets := []string{"time_updated = now()"}
	args := []any{deploymentName}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if update.Status != nil {
		sets = append(sets, "status = "+arg(*update.Status))
	}
	if update.PodIDs != nil {
		sets = append(sets, "pod_ids = "+arg(update.PodIDs))
	}
	if update.Log != nil {
		sets = append(sets, "log = "+arg(update.Log))
	}
	if update.Progress != nil {
		sets = append(sets, "progress = "+arg(*update.Progress))
	}
	if update.RestartCounter != nil {
		sets = append(sets, "restart_counter = "+arg(*update.RestartCounter))
	}
	tag, err := p.pool.Exec(ctx, `UPDATE analysis SET `+strings.Join(sets, ", ")+` WHERE deployment_name = $1`, args...)
	if err != nil {
		return fmt.Errorf("failed to update generation %s: %w", deploymentName, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const archiveInsert = `INSERT INTO archive (` + generationColumns + `)
	SELECT ` + generationColumns + ` FROM analysis `

func (p *Postgres) DeleteByAnalysis(ctx context.Context, analysisID string) error {
	return p.archiveAndDelete(ctx, `WHERE analysis_id = $1`, analysisID)
}

func (p *Postgres) PruneOlderGenerations(ctx context.Context, analysisID, keepDeploymentName string) error {
	return p.archiveAndDelete(ctx, `WHERE analysis_id = $1 AND deployment_name <> $2`, analysisID, keepDeploymentName)
}

// archiveAndDelete copies the matching rows into the archive and removes them
// in one transaction, so a crash never loses run history.
func (p *Postgres) archiveAndDelete(ctx context.Context, where string, args ...any) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, archiveInsert+where, args...); err != nil {
		return fmt.Errorf("failed to archive generations: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM analysis `+where, args...); err != nil {
		return fmt.Errorf("failed to delete generations: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit archive transaction: %w", err)
	}
	return nil
}

func collectGenerations(rows pgx.Rows) ([]analysis.Generation, error) {
	defer rows.Close()
	var gens []analysis.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		gens = append(gens, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate generations: %w", err)
	}
	return gens, nil
}
