package hosting

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"

	"github.com/google/go-github/github"
	"golang.org/x/oauth2"
)

// GitHubProvisioner implements Provisioner against github.com or a
// GitHub Enterprise host.
type GitHubProvisioner struct {
	client *github.Client
	host   string // e.g. github.com or github.ugrad.cs.example.ca
	org    string
}

// NewGitHubProvisioner builds a token-authenticated client. For hosts
// other than github.com the Enterprise API base path /api/v3/ is used.
func NewGitHubProvisioner(ctx context.Context, host, org, token string) (*GitHubProvisioner, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	client := github.NewClient(tc)

	if host != "" && host != "github.com" {
		base, err := url.Parse(fmt.Sprintf("https://%s/api/v3/", host))
		if err != nil {
			return nil, fmt.Errorf("hosting: bad github host %q: %w", host, err)
		}
		client.BaseURL = base
		client.UploadURL = base
	}
	if host == "" {
		host = "github.com"
	}

	return &GitHubProvisioner{client: client, host: host, org: org}, nil
}

// ProvisionRepository creates the repository, imports the bootstrap
// sources, grants each team push access and installs the push webhook.
// Any failure returns false; partially created remote objects are left
// for the local rollback path to report.
func (g *GitHubProvisioner) ProvisionRepository(ctx context.Context, name string, teams []string, importURL, webhookURL string) (bool, error) {
	repo := &github.Repository{
		Name:     github.String(name),
		Private:  github.Bool(true),
		HasWiki:  github.Bool(false),
		HasPages: github.Bool(false),
	}
	if _, _, err := g.client.Repositories.Create(ctx, g.org, repo); err != nil {
		return false, fmt.Errorf("hosting: create repository %s: %w", name, err)
	}
	log.Printf("hosting: created repository %s/%s", g.org, name)

	if importURL != "" {
		imp := &github.Import{
			VCS:    github.String("git"),
			VCSURL: github.String(importURL),
		}
		if _, _, err := g.client.Migrations.StartImport(ctx, g.org, name, imp); err != nil {
			return false, fmt.Errorf("hosting: import into %s: %w", name, err)
		}
	}

	for _, teamName := range teams {
		team, err := g.ensureTeam(ctx, teamName)
		if err != nil {
			return false, err
		}
		opt := &github.TeamAddTeamRepoOptions{Permission: "push"}
		if _, err := g.client.Teams.AddTeamRepo(ctx, team.GetID(), g.org, name, opt); err != nil {
			return false, fmt.Errorf("hosting: grant team %s on %s: %w", teamName, name, err)
		}
	}

	hook := &github.Hook{
		Name:   github.String("web"),
		Active: github.Bool(true),
		Events: []string{"push", "commit_comment"},
		Config: map[string]interface{}{
			"url":          webhookURL,
			"content_type": "json",
		},
	}
	if _, _, err := g.client.Repositories.CreateHook(ctx, g.org, name, hook); err != nil {
		return false, fmt.Errorf("hosting: install webhook on %s: %w", name, err)
	}

	return true, nil
}

// ensureTeam returns the org team with the given name, creating it if
// absent.
func (g *GitHubProvisioner) ensureTeam(ctx context.Context, name string) (*github.Team, error) {
	opt := &github.ListOptions{PerPage: 100}
	for {
		teams, resp, err := g.client.Teams.ListTeams(ctx, g.org, opt)
		if err != nil {
			return nil, fmt.Errorf("hosting: list teams: %w", err)
		}
		for _, t := range teams {
			if strings.EqualFold(t.GetName(), name) {
				return t, nil
			}
		}
		if resp.NextPage == 0 {
			break
		}
		opt.Page = resp.NextPage
	}

	team, _, err := g.client.Teams.CreateTeam(ctx, g.org, github.NewTeam{
		Name:    name,
		Privacy: github.String("closed"),
	})
	if err != nil {
		return nil, fmt.Errorf("hosting: create team %s: %w", name, err)
	}
	return team, nil
}

// AddTeamMembers invites the given logins onto the team.
func (g *GitHubProvisioner) AddTeamMembers(ctx context.Context, teamName string, logins []string) error {
	team, err := g.ensureTeam(ctx, teamName)
	if err != nil {
		return err
	}
	for _, login := range logins {
		opt := &github.TeamAddTeamMembershipOptions{Role: "member"}
		if _, _, err := g.client.Teams.AddTeamMembership(ctx, team.GetID(), login, opt); err != nil {
			return fmt.Errorf("hosting: add %s to team %s: %w", login, teamName, err)
		}
	}
	return nil
}

// RepositoryURL returns the browse URL for a repository name.
func (g *GitHubProvisioner) RepositoryURL(name string) string {
	return fmt.Sprintf("https://%s/%s/%s", g.host, g.org, name)
}

// TeamURL returns the browse URL for a team.
func (g *GitHubProvisioner) TeamURL(teamID string) string {
	return fmt.Sprintf("https://%s/orgs/%s/teams/%s", g.host, g.org, teamID)
}
