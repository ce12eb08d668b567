// Package hosting talks to the source-hosting platform. The sdmm
// orchestrator depends only on the Provisioner interface; the GitHub
// implementation lives alongside it.
package hosting

import "context"

// Provisioner creates the remote side of a student repository:
// repository, team access, bootstrap import and the push webhook.
type Provisioner interface {
	// ProvisionRepository returns true only on full success. false (with
	// or without an error) means the remote side is in an unknown
	// partial state; rollback of local records is the caller's job.
	ProvisionRepository(ctx context.Context, name string, teams []string, importURL, webhookURL string) (bool, error)

	// RepositoryURL returns the browse URL for a repository name.
	RepositoryURL(name string) string

	// TeamURL returns the browse URL for a team.
	TeamURL(teamID string) string
}
