package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store using a PostgreSQL backend.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore initializes a new PostgresStore with a connection
// pool.
func NewPostgresStore(ctx context.Context, connString string) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// --- People ---

func (s *PostgresStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	query := `
		SELECT id, github_id, kind, sdmm_status, created_at, custom
		FROM people WHERE id = $1
	`
	var p Person
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.GithubID, &p.Kind, &p.SdmmStatus, &p.CreatedAt, &p.Custom,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) UpsertPerson(ctx context.Context, p *Person) error {
	query := `
		INSERT INTO people (id, github_id, kind, sdmm_status, created_at, custom)
		VALUES ($1, $2, $3, $4, NOW(), $5)
		ON CONFLICT (id) DO UPDATE SET
			github_id = EXCLUDED.github_id,
			kind = EXCLUDED.kind,
			sdmm_status = EXCLUDED.sdmm_status,
			custom = EXCLUDED.custom
	`
	_, err := s.pool.Exec(ctx, query, p.ID, p.GithubID, p.Kind, p.SdmmStatus, p.Custom)
	return err
}

// --- Teams ---

func (s *PostgresStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	query := `
		SELECT id, members, url, sdmmd0, sdmmd1, sdmmd2, sdmmd3, created_at, custom
		FROM teams WHERE id = $1
	`
	var t Team
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&t.ID, &t.Members, &t.URL, &t.Sdmmd0, &t.Sdmmd1, &t.Sdmmd2, &t.Sdmmd3,
		&t.CreatedAt, &t.Custom,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) UpsertTeam(ctx context.Context, t *Team) error {
	query := `
		INSERT INTO teams (id, members, url, sdmmd0, sdmmd1, sdmmd2, sdmmd3, created_at, custom)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), $8)
		ON CONFLICT (id) DO UPDATE SET
			members = EXCLUDED.members,
			url = EXCLUDED.url,
			sdmmd0 = EXCLUDED.sdmmd0,
			sdmmd1 = EXCLUDED.sdmmd1,
			sdmmd2 = EXCLUDED.sdmmd2,
			sdmmd3 = EXCLUDED.sdmmd3,
			custom = EXCLUDED.custom
	`
	_, err := s.pool.Exec(ctx, query,
		t.ID, t.Members, t.URL, t.Sdmmd0, t.Sdmmd1, t.Sdmmd2, t.Sdmmd3, t.Custom,
	)
	return err
}

func (s *PostgresStore) DeleteTeam(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM teams WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) TeamsForPerson(ctx context.Context, personID string) ([]*Team, error) {
	query := `
		SELECT id, members, url, sdmmd0, sdmmd1, sdmmd2, sdmmd3, created_at, custom
		FROM teams WHERE $1 = ANY(members)
	`
	rows, err := s.pool.Query(ctx, query, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*Team
	for rows.Next() {
		var t Team
		if err := rows.Scan(
			&t.ID, &t.Members, &t.URL, &t.Sdmmd0, &t.Sdmmd1, &t.Sdmmd2, &t.Sdmmd3,
			&t.CreatedAt, &t.Custom,
		); err != nil {
			return nil, err
		}
		teams = append(teams, &t)
	}
	return teams, rows.Err()
}

// --- Repositories ---

func (s *PostgresStore) GetRepository(ctx context.Context, id string) (*Repository, error) {
	query := `
		SELECT id, url, team_ids, d0_enabled, d1_enabled, d2_enabled, d3_enabled, sddm_d3pr, created_at, custom
		FROM repositories WHERE id = $1
	`
	var r Repository
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.URL, &r.TeamIDs, &r.D0Enabled, &r.D1Enabled, &r.D2Enabled,
		&r.D3Enabled, &r.SddmD3pr, &r.CreatedAt, &r.Custom,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) UpsertRepository(ctx context.Context, r *Repository) error {
	query := `
		INSERT INTO repositories (id, url, team_ids, d0_enabled, d1_enabled, d2_enabled, d3_enabled, sddm_d3pr, created_at, custom)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), $9)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			team_ids = EXCLUDED.team_ids,
			d0_enabled = EXCLUDED.d0_enabled,
			d1_enabled = EXCLUDED.d1_enabled,
			d2_enabled = EXCLUDED.d2_enabled,
			d3_enabled = EXCLUDED.d3_enabled,
			sddm_d3pr = EXCLUDED.sddm_d3pr,
			custom = EXCLUDED.custom
	`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.URL, r.TeamIDs, r.D0Enabled, r.D1Enabled, r.D2Enabled,
		r.D3Enabled, r.SddmD3pr, r.Custom,
	)
	return err
}

func (s *PostgresStore) DeleteRepository(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM repositories WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) RepositoriesForPerson(ctx context.Context, personID string) ([]*Repository, error) {
	query := `
		SELECT r.id, r.url, r.team_ids, r.d0_enabled, r.d1_enabled, r.d2_enabled, r.d3_enabled, r.sddm_d3pr, r.created_at, r.custom
		FROM repositories r
		WHERE EXISTS (
			SELECT 1 FROM teams t
			WHERE t.id = ANY(r.team_ids) AND $1 = ANY(t.members)
		)
	`
	rows, err := s.pool.Query(ctx, query, personID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var repos []*Repository
	for rows.Next() {
		var r Repository
		if err := rows.Scan(
			&r.ID, &r.URL, &r.TeamIDs, &r.D0Enabled, &r.D1Enabled, &r.D2Enabled,
			&r.D3Enabled, &r.SddmD3pr, &r.CreatedAt, &r.Custom,
		); err != nil {
			return nil, err
		}
		repos = append(repos, &r)
	}
	return repos, rows.Err()
}

// --- Grades ---

func (s *PostgresStore) GetGrade(ctx context.Context, personID, delivID string) (*Grade, error) {
	query := `
		SELECT person_id, deliv_id, score, url, comment, timestamp, custom
		FROM grades WHERE person_id = $1 AND deliv_id = $2
	`
	var g Grade
	err := s.pool.QueryRow(ctx, query, personID, delivID).Scan(
		&g.PersonID, &g.DelivID, &g.Score, &g.URL, &g.Comment, &g.Timestamp, &g.Custom,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (s *PostgresStore) UpsertGrade(ctx context.Context, g *Grade) error {
	query := `
		INSERT INTO grades (person_id, deliv_id, score, url, comment, timestamp, custom)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (person_id, deliv_id) DO UPDATE SET
			score = EXCLUDED.score,
			url = EXCLUDED.url,
			comment = EXCLUDED.comment,
			timestamp = EXCLUDED.timestamp,
			custom = EXCLUDED.custom
	`
	ts := g.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.pool.Exec(ctx, query,
		g.PersonID, g.DelivID, g.Score, g.URL, g.Comment, ts, g.Custom,
	)
	return err
}
