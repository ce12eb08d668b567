package store

import (
	"context"
)

// Store defines the persistence backend for people, teams,
// repositories and grades. Get methods return (nil, nil) when the
// record does not exist. Writes are last-writer-wins; the provisioning
// rollback in the sdmm package is the only multi-record sequence the
// core relies on.
type Store interface {
	// People
	GetPerson(ctx context.Context, id string) (*Person, error)
	UpsertPerson(ctx context.Context, p *Person) error

	// Teams
	GetTeam(ctx context.Context, id string) (*Team, error)
	UpsertTeam(ctx context.Context, t *Team) error
	DeleteTeam(ctx context.Context, id string) error
	TeamsForPerson(ctx context.Context, personID string) ([]*Team, error)

	// Repositories
	GetRepository(ctx context.Context, id string) (*Repository, error)
	UpsertRepository(ctx context.Context, r *Repository) error
	DeleteRepository(ctx context.Context, id string) error
	// RepositoriesForPerson resolves the person's repos through team
	// membership.
	RepositoriesForPerson(ctx context.Context, personID string) ([]*Repository, error)

	// Grades, keyed (personID, delivID)
	GetGrade(ctx context.Context, personID, delivID string) (*Grade, error)
	UpsertGrade(ctx context.Context, g *Grade) error
}
