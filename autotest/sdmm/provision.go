package sdmm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/andrewstec/classy/autotest/observability"
	"github.com/andrewstec/classy/autotest/store"
)

// FailurePayload is a user-visible rejection. Messages never leak
// internal detail; unknown errors point at course staff.
type FailurePayload struct {
	ShouldLogout bool   `json:"shouldLogout"`
	Message      string `json:"message"`
}

// StatusPayload is the snapshot returned after a successful action.
type StatusPayload struct {
	Status string `json:"status"`
}

// Payload is the provisioning response: exactly one of Success or
// Failure is set.
type Payload struct {
	Success *StatusPayload  `json:"success,omitempty"`
	Failure *FailurePayload `json:"failure,omitempty"`
}

const msgContactStaff = "Unable to process the request. Please contact course staff."

func failure(msg string) Payload {
	return Payload{Failure: &FailurePayload{ShouldLogout: false, Message: msg}}
}

// Provision handles a student action to start a deliverable.
// personIDs[0] is the requester. Validation failures come back as
// payloads; anything unexpected is caught at this boundary and mapped
// to a generic message.
func (s *Service) Provision(ctx context.Context, delivID string, personIDs []string) (payload Payload) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("sdmm: provision %s %v panicked: %v", delivID, personIDs, r)
			payload = failure(msgContactStaff)
		}
		outcome := "success"
		if payload.Failure != nil {
			outcome = "failure"
		}
		observability.ProvisionRequests.WithLabelValues(delivID, outcome).Inc()
	}()

	switch {
	case delivID == "d0" && len(personIDs) == 1:
		return s.provisionD0(ctx, personIDs[0])
	case delivID == "d1" && len(personIDs) == 1:
		return s.upgradeD1(ctx, personIDs[0])
	case delivID == "d1" && len(personIDs) == 2:
		return s.provisionPairedD1(ctx, personIDs)
	default:
		return failure(fmt.Sprintf("Provisioning is not available for %q with %d people.", delivID, len(personIDs)))
	}
}

// provisionD0 sets up an individual d0 workspace: personal team,
// personal repo, bootstrap import, webhook, placeholder grade.
func (s *Service) provisionD0(ctx context.Context, personID string) Payload {
	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		log.Printf("sdmm: provision d0 for %s: %v", personID, err)
		return failure(msgContactStaff)
	}
	if person == nil {
		return failure("You are not registered in the course. Please contact course staff.")
	}

	status, err := s.ComputeStatus(ctx, personID)
	if err != nil {
		log.Printf("sdmm: provision d0 status for %s: %v", personID, err)
		return failure(msgContactStaff)
	}
	if status != D0PRE {
		return failure("d0 has already been provisioned for you.")
	}

	repoID := s.cfg.ProjectPrefix + personID

	// Pre-existing local records mean a bug or a concurrent request.
	// Fail without rollback so we never clobber the other state.
	if existing, err := s.store.GetTeam(ctx, personID); err != nil || existing != nil {
		log.Printf("sdmm: provision d0 for %s: team already exists (err=%v)", personID, err)
		return failure(msgContactStaff)
	}
	if existing, err := s.store.GetRepository(ctx, repoID); err != nil || existing != nil {
		log.Printf("sdmm: provision d0 for %s: repo %s already exists (err=%v)", personID, repoID, err)
		return failure(msgContactStaff)
	}

	team := &store.Team{
		ID:        personID,
		Members:   []string{personID},
		Sdmmd0:    true,
		CreatedAt: time.Now(),
	}
	repo := &store.Repository{
		ID:        repoID,
		TeamIDs:   []string{team.ID},
		D0Enabled: true,
		CreatedAt: time.Now(),
	}
	if err := s.store.UpsertTeam(ctx, team); err != nil {
		log.Printf("sdmm: provision d0 create team for %s: %v", personID, err)
		return failure(msgContactStaff)
	}
	if err := s.store.UpsertRepository(ctx, repo); err != nil {
		log.Printf("sdmm: provision d0 create repo %s: %v", repoID, err)
		s.rollback(ctx, team.ID, "")
		return failure(msgContactStaff)
	}

	ok, err := s.prov.ProvisionRepository(ctx, repoID, []string{team.ID}, s.cfg.BootstrapRepoURL, s.cfg.WebhookURL)
	if !ok || err != nil {
		log.Printf("sdmm: provision d0 remote for %s failed (ok=%v): %v", repoID, ok, err)
		s.rollback(ctx, team.ID, repoID)
		return failure(msgContactStaff)
	}

	repo.URL = s.prov.RepositoryURL(repoID)
	team.URL = s.prov.TeamURL(team.ID)
	if err := s.store.UpsertRepository(ctx, repo); err != nil {
		log.Printf("sdmm: provision d0 persist repo url %s: %v", repoID, err)
	}
	if err := s.store.UpsertTeam(ctx, team); err != nil {
		log.Printf("sdmm: provision d0 persist team url %s: %v", team.ID, err)
	}

	if err := s.placeholderGrades(ctx, []string{personID}, repo, "d0"); err != nil {
		log.Printf("sdmm: provision d0 grade for %s: %v", personID, err)
		s.rollback(ctx, team.ID, repoID)
		return failure(msgContactStaff)
	}

	return s.statusPayload(ctx, personID)
}

// upgradeD1 flips an individual's d0 workspace into a d1 workspace.
func (s *Service) upgradeD1(ctx context.Context, personID string) Payload {
	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		log.Printf("sdmm: upgrade d1 for %s: %v", personID, err)
		return failure(msgContactStaff)
	}
	if person == nil {
		return failure("You are not registered in the course. Please contact course staff.")
	}

	if ok, err := s.gradePassed(ctx, personID, "d0"); err != nil {
		log.Printf("sdmm: upgrade d1 grade check for %s: %v", personID, err)
		return failure(msgContactStaff)
	} else if !ok {
		return failure(fmt.Sprintf("You must have achieved a score of %.0f%% or more on d0 to start d1.", s.cfg.PassThreshold))
	}

	repos, err := s.store.RepositoriesForPerson(ctx, personID)
	if err != nil {
		log.Printf("sdmm: upgrade d1 repos for %s: %v", personID, err)
		return failure(msgContactStaff)
	}
	var d0Repo *store.Repository
	for _, r := range repos {
		if r.D1Enabled {
			// At most one d1 repository per student, ever.
			return failure("You already have a d1 repository.")
		}
		if r.D0Enabled && d0Repo == nil {
			d0Repo = r
		}
	}
	if d0Repo == nil {
		log.Printf("sdmm: upgrade d1 for %s: no d0 repository on record", personID)
		return failure(msgContactStaff)
	}

	team, err := s.store.GetTeam(ctx, personID)
	if err != nil || team == nil {
		log.Printf("sdmm: upgrade d1 for %s: personal team missing (err=%v)", personID, err)
		return failure(msgContactStaff)
	}

	d0Repo.D1Enabled = true
	if err := s.store.UpsertRepository(ctx, d0Repo); err != nil {
		log.Printf("sdmm: upgrade d1 enable repo %s: %v", d0Repo.ID, err)
		return failure(msgContactStaff)
	}
	team.Sdmmd1 = true
	team.Sdmmd2 = true
	team.Sdmmd3 = true
	if err := s.store.UpsertTeam(ctx, team); err != nil {
		log.Printf("sdmm: upgrade d1 team %s: %v", team.ID, err)
		return failure(msgContactStaff)
	}

	if err := s.placeholderGrades(ctx, []string{personID}, d0Repo, "d1", "d2", "d3"); err != nil {
		log.Printf("sdmm: upgrade d1 grades for %s: %v", personID, err)
		return failure(msgContactStaff)
	}

	return s.statusPayload(ctx, personID)
}

// provisionPairedD1 forms a two-person d1 team with a fresh workspace.
func (s *Service) provisionPairedD1(ctx context.Context, personIDs []string) Payload {
	if personIDs[0] == personIDs[1] {
		return failure("Team members must be two distinct people.")
	}

	for _, id := range personIDs {
		p, err := s.store.GetPerson(ctx, id)
		if err != nil {
			log.Printf("sdmm: paired d1 lookup %s: %v", id, err)
			return failure(msgContactStaff)
		}
		if p == nil {
			return failure(fmt.Sprintf("%s is not registered in the course.", id))
		}
	}

	for _, id := range personIDs {
		ok, err := s.gradePassed(ctx, id, "d0")
		if err != nil {
			log.Printf("sdmm: paired d1 grade check %s: %v", id, err)
			return failure(msgContactStaff)
		}
		if !ok {
			return failure(fmt.Sprintf("All teammates must have achieved a score of %.0f%% or more to be eligible to form a team.", s.cfg.PassThreshold))
		}
	}

	for _, id := range personIDs {
		status, err := s.ComputeStatus(ctx, id)
		if err != nil {
			log.Printf("sdmm: paired d1 status %s: %v", id, err)
			return failure(msgContactStaff)
		}
		if status != D1UNLOCKED {
			return failure(fmt.Sprintf("%s is not ready to form a d1 team (status %s).", id, status))
		}
	}

	teamName, err := s.freshTeamName(ctx)
	if err != nil {
		log.Printf("sdmm: paired d1 team name: %v", err)
		return failure(msgContactStaff)
	}
	repoID := s.cfg.ProjectPrefix + teamName

	team := &store.Team{
		ID:        teamName,
		Members:   append([]string(nil), personIDs...),
		Sdmmd1:    true,
		Sdmmd2:    true,
		Sdmmd3:    true,
		CreatedAt: time.Now(),
	}
	repo := &store.Repository{
		ID:        repoID,
		TeamIDs:   []string{teamName},
		D1Enabled: true,
		D2Enabled: true,
		D3Enabled: true,
		CreatedAt: time.Now(),
	}
	if err := s.store.UpsertTeam(ctx, team); err != nil {
		log.Printf("sdmm: paired d1 create team %s: %v", teamName, err)
		return failure(msgContactStaff)
	}
	if err := s.store.UpsertRepository(ctx, repo); err != nil {
		log.Printf("sdmm: paired d1 create repo %s: %v", repoID, err)
		s.rollback(ctx, teamName, "")
		return failure(msgContactStaff)
	}

	ok, err := s.prov.ProvisionRepository(ctx, repoID, []string{teamName}, s.cfg.BootstrapRepoURL, s.cfg.WebhookURL)
	if !ok || err != nil {
		log.Printf("sdmm: paired d1 remote for %s failed (ok=%v): %v", repoID, ok, err)
		s.rollback(ctx, teamName, repoID)
		return failure(msgContactStaff)
	}

	repo.URL = s.prov.RepositoryURL(repoID)
	team.URL = s.prov.TeamURL(teamName)
	if err := s.store.UpsertRepository(ctx, repo); err != nil {
		log.Printf("sdmm: paired d1 persist repo url %s: %v", repoID, err)
	}
	if err := s.store.UpsertTeam(ctx, team); err != nil {
		log.Printf("sdmm: paired d1 persist team url %s: %v", teamName, err)
	}

	if err := s.placeholderGrades(ctx, personIDs, repo, "d1", "d2", "d3"); err != nil {
		log.Printf("sdmm: paired d1 grades: %v", err)
		s.rollback(ctx, teamName, repoID)
		return failure(msgContactStaff)
	}

	return s.statusPayload(ctx, personIDs[0])
}

// rollback tears down locally created provisioning records when a
// step after their creation fails. Empty ids are skipped.
func (s *Service) rollback(ctx context.Context, teamID, repoID string) {
	if repoID != "" {
		if err := s.store.DeleteRepository(ctx, repoID); err != nil {
			log.Printf("sdmm: rollback repo %s: %v", repoID, err)
		}
	}
	if teamID != "" {
		if err := s.store.DeleteTeam(ctx, teamID); err != nil {
			log.Printf("sdmm: rollback team %s: %v", teamID, err)
		}
	}
}

// placeholderGrades writes a PlaceholderScore row for each person and
// deliverable. Existing real grades are not overwritten.
func (s *Service) placeholderGrades(ctx context.Context, personIDs []string, repo *store.Repository, delivIDs ...string) error {
	for _, personID := range personIDs {
		for _, delivID := range delivIDs {
			existing, err := s.store.GetGrade(ctx, personID, delivID)
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}
			g := &store.Grade{
				PersonID:  personID,
				DelivID:   delivID,
				Score:     store.PlaceholderScore,
				URL:       repo.URL,
				Timestamp: time.Now(),
			}
			if err := s.store.UpsertGrade(ctx, g); err != nil {
				return err
			}
		}
	}
	return nil
}

// freshTeamName samples 6-hex-char tokens from a cryptographically
// strong source until one is unused.
func (s *Service) freshTeamName(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 64; attempt++ {
		b := make([]byte, 3)
		if _, err := rand.Read(b); err != nil {
			return "", err
		}
		name := hex.EncodeToString(b)
		existing, err := s.store.GetTeam(ctx, name)
		if err != nil {
			return "", err
		}
		if existing == nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("sdmm: could not find an unused team name")
}

func (s *Service) statusPayload(ctx context.Context, personID string) Payload {
	status, err := s.ComputeStatus(ctx, personID)
	if err != nil {
		log.Printf("sdmm: status payload for %s: %v", personID, err)
		return failure(msgContactStaff)
	}
	return Payload{Success: &StatusPayload{Status: status.String()}}
}
