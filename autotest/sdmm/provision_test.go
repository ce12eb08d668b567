package sdmm

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/andrewstec/classy/autotest/store"
)

func TestProvisionD0HappyPath(t *testing.T) {
	svc, st, prov := newTestService()
	ctx := context.Background()
	seedPerson(t, st, "alice")

	payload := svc.Provision(ctx, "d0", []string{"alice"})
	if payload.Failure != nil {
		t.Fatalf("provision failed: %s", payload.Failure.Message)
	}
	if payload.Success.Status != D0.String() {
		t.Errorf("status after d0 provision = %s, want %s", payload.Success.Status, D0)
	}

	team, _ := st.GetTeam(ctx, "alice")
	if team == nil || !team.Sdmmd0 || !team.HasMember("alice") {
		t.Fatalf("personal team not created: %+v", team)
	}
	repo, _ := st.GetRepository(ctx, "secap_alice")
	if repo == nil || !repo.D0Enabled {
		t.Fatalf("d0 repository not created: %+v", repo)
	}
	if repo.URL != prov.RepositoryURL("secap_alice") {
		t.Errorf("repo URL not persisted: %q", repo.URL)
	}

	grade, _ := st.GetGrade(ctx, "alice", "d0")
	if grade == nil || grade.Score != store.PlaceholderScore {
		t.Errorf("placeholder grade missing or wrong: %+v", grade)
	}

	if len(prov.calls) != 1 {
		t.Fatalf("remote called %d times, want 1", len(prov.calls))
	}
	call := prov.calls[0]
	if call.name != "secap_alice" || call.importURL != "https://git.test/org/bootstrap" {
		t.Errorf("unexpected remote call: %+v", call)
	}
	if call.webhookURL != "https://backend.test:11333/githubWebhook" {
		t.Errorf("webhook URL not forwarded: %q", call.webhookURL)
	}
}

func TestProvisionD0Rejections(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()

	// Unregistered requester.
	p := svc.Provision(ctx, "d0", []string{"ghost"})
	if p.Failure == nil || !strings.Contains(p.Failure.Message, "not registered") {
		t.Errorf("unregistered requester not rejected: %+v", p)
	}

	// Already past D0PRE.
	seedPerson(t, st, "alice")
	seedD0Workspace(t, st, "alice")
	p = svc.Provision(ctx, "d0", []string{"alice"})
	if p.Failure == nil || !strings.Contains(p.Failure.Message, "already been provisioned") {
		t.Errorf("double provisioning not rejected: %+v", p)
	}

	// Unknown deliverable or arity.
	p = svc.Provision(ctx, "d2", []string{"alice"})
	if p.Failure == nil {
		t.Errorf("unknown deliverable accepted")
	}
	p = svc.Provision(ctx, "d0", []string{"alice", "bob"})
	if p.Failure == nil {
		t.Errorf("d0 for two people accepted")
	}
}

func TestProvisionD0RemoteFailureRollsBack(t *testing.T) {
	svc, st, prov := newTestService()
	ctx := context.Background()
	seedPerson(t, st, "alice")
	prov.fail = true

	p := svc.Provision(ctx, "d0", []string{"alice"})
	if p.Failure == nil || p.Failure.Message != msgContactStaff {
		t.Fatalf("remote failure not mapped to staff message: %+v", p)
	}

	// Local records created before the remote call are gone again.
	if team, _ := st.GetTeam(ctx, "alice"); team != nil {
		t.Errorf("team survived rollback: %+v", team)
	}
	if repo, _ := st.GetRepository(ctx, "secap_alice"); repo != nil {
		t.Errorf("repository survived rollback: %+v", repo)
	}
}

func TestProvisionD0PreexistingRecordFailsWithoutRollback(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()
	seedPerson(t, st, "alice")

	// A stray repo under the reserved name means inconsistent state.
	// It must not be deleted on the way out.
	stray := &store.Repository{ID: "secap_alice", TeamIDs: []string{"someone-else"}}
	if err := st.UpsertRepository(ctx, stray); err != nil {
		t.Fatalf("seed stray repo: %v", err)
	}

	p := svc.Provision(ctx, "d0", []string{"alice"})
	if p.Failure == nil || p.Failure.Message != msgContactStaff {
		t.Fatalf("inconsistent state not rejected: %+v", p)
	}
	if repo, _ := st.GetRepository(ctx, "secap_alice"); repo == nil {
		t.Errorf("pre-existing repository was deleted")
	}
}

func TestUpgradeD1(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()
	seedPerson(t, st, "alice")
	seedD0Workspace(t, st, "alice")

	// Not eligible yet.
	p := svc.Provision(ctx, "d1", []string{"alice"})
	if p.Failure == nil || !strings.Contains(p.Failure.Message, "score of 60% or more on d0") {
		t.Fatalf("ineligible upgrade not rejected: %+v", p)
	}

	seedGrade(t, st, "alice", "d0", 70)
	p = svc.Provision(ctx, "d1", []string{"alice"})
	if p.Failure != nil {
		t.Fatalf("upgrade failed: %s", p.Failure.Message)
	}
	if p.Success.Status != D1.String() {
		t.Errorf("status after upgrade = %s, want %s", p.Success.Status, D1)
	}

	// Same repository, now open for d1 and beyond via the team flags.
	repo, _ := st.GetRepository(ctx, "secap_alice")
	if repo == nil || !repo.D0Enabled || !repo.D1Enabled {
		t.Fatalf("d0 repo not upgraded: %+v", repo)
	}
	team, _ := st.GetTeam(ctx, "alice")
	if team == nil || !team.Sdmmd1 || !team.Sdmmd2 || !team.Sdmmd3 {
		t.Fatalf("team flags not upgraded: %+v", team)
	}
	for _, deliv := range []string{"d1", "d2", "d3"} {
		g, _ := st.GetGrade(ctx, "alice", deliv)
		if g == nil || g.Score != store.PlaceholderScore {
			t.Errorf("placeholder grade for %s missing: %+v", deliv, g)
		}
	}

	// Once upgraded, a second upgrade is refused.
	p = svc.Provision(ctx, "d1", []string{"alice"})
	if p.Failure == nil || !strings.Contains(p.Failure.Message, "already have a d1 repository") {
		t.Errorf("second upgrade not rejected: %+v", p)
	}
}

func TestUpgradeD1KeepsRealGrades(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()
	seedPerson(t, st, "alice")
	seedD0Workspace(t, st, "alice")
	seedGrade(t, st, "alice", "d0", 70)
	seedGrade(t, st, "alice", "d1", 88)

	p := svc.Provision(ctx, "d1", []string{"alice"})
	if p.Failure != nil {
		t.Fatalf("upgrade failed: %s", p.Failure.Message)
	}
	g, _ := st.GetGrade(ctx, "alice", "d1")
	if g == nil || g.Score != 88 {
		t.Errorf("real d1 grade overwritten: %+v", g)
	}
}

func TestPairedD1RequiresBothToPass(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		seedPerson(t, st, id)
		seedD0Workspace(t, st, id)
	}
	seedGrade(t, st, "alice", "d0", 95)
	seedGrade(t, st, "bob", "d0", 40)

	p := svc.Provision(ctx, "d1", []string{"alice", "bob"})
	if p.Failure == nil {
		t.Fatalf("team with a failing member accepted")
	}
	want := "All teammates must have achieved a score of 60% or more to be eligible to form a team."
	if p.Failure.Message != want {
		t.Errorf("message %q, want %q", p.Failure.Message, want)
	}

	// No partial state was created.
	if teams, _ := st.TeamsForPerson(ctx, "alice"); len(teams) != 1 {
		t.Errorf("unexpected team count for alice: %d", len(teams))
	}
}

func TestPairedD1HappyPath(t *testing.T) {
	svc, st, prov := newTestService()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		seedPerson(t, st, id)
		seedD0Workspace(t, st, id)
		seedGrade(t, st, id, "d0", 80)
	}

	p := svc.Provision(ctx, "d1", []string{"alice", "bob"})
	if p.Failure != nil {
		t.Fatalf("paired provision failed: %s", p.Failure.Message)
	}
	if p.Success.Status != D1.String() {
		t.Errorf("status = %s, want %s", p.Success.Status, D1)
	}

	if len(prov.calls) != 1 {
		t.Fatalf("remote called %d times, want 1", len(prov.calls))
	}
	repoName := prov.calls[0].name
	if !strings.HasPrefix(repoName, "secap_") {
		t.Fatalf("repo name %q lacks the project prefix", repoName)
	}
	teamName := strings.TrimPrefix(repoName, "secap_")
	if !regexp.MustCompile(`^[0-9a-f]{6}$`).MatchString(teamName) {
		t.Errorf("team name %q is not 6 hex chars", teamName)
	}

	team, _ := st.GetTeam(ctx, teamName)
	if team == nil || !team.HasMember("alice") || !team.HasMember("bob") {
		t.Fatalf("shared team not created: %+v", team)
	}
	if !team.Sdmmd1 || !team.Sdmmd2 || !team.Sdmmd3 {
		t.Errorf("team flags incomplete: %+v", team)
	}
	repo, _ := st.GetRepository(ctx, repoName)
	if repo == nil || !repo.D1Enabled || !repo.D2Enabled || !repo.D3Enabled {
		t.Fatalf("shared repo incomplete: %+v", repo)
	}
	for _, id := range []string{"alice", "bob"} {
		for _, deliv := range []string{"d1", "d2", "d3"} {
			g, _ := st.GetGrade(ctx, id, deliv)
			if g == nil || g.Score != store.PlaceholderScore {
				t.Errorf("placeholder for %s/%s missing: %+v", id, deliv, g)
			}
		}
	}
}

func TestPairedD1Rejections(t *testing.T) {
	svc, st, _ := newTestService()
	ctx := context.Background()
	seedPerson(t, st, "alice")
	seedD0Workspace(t, st, "alice")
	seedGrade(t, st, "alice", "d0", 80)

	p := svc.Provision(ctx, "d1", []string{"alice", "alice"})
	if p.Failure == nil || !strings.Contains(p.Failure.Message, "distinct") {
		t.Errorf("self-team not rejected: %+v", p)
	}

	p = svc.Provision(ctx, "d1", []string{"alice", "ghost"})
	if p.Failure == nil || !strings.Contains(p.Failure.Message, "not registered") {
		t.Errorf("unknown teammate not rejected: %+v", p)
	}

	// A teammate who already progressed past D1UNLOCKED cannot re-team.
	seedPerson(t, st, "bob")
	seedD0Workspace(t, st, "bob")
	seedGrade(t, st, "bob", "d0", 80)
	st.UpsertTeam(ctx, &store.Team{ID: "old", Members: []string{"bob"}, Sdmmd1: true})
	p = svc.Provision(ctx, "d1", []string{"alice", "bob"})
	if p.Failure == nil || !strings.Contains(p.Failure.Message, "not ready to form a d1 team") {
		t.Errorf("already-teamed member not rejected: %+v", p)
	}
}

func TestPairedD1RemoteFailureRollsBack(t *testing.T) {
	svc, st, prov := newTestService()
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		seedPerson(t, st, id)
		seedD0Workspace(t, st, id)
		seedGrade(t, st, id, "d0", 80)
	}
	prov.fail = true

	p := svc.Provision(ctx, "d1", []string{"alice", "bob"})
	if p.Failure == nil || p.Failure.Message != msgContactStaff {
		t.Fatalf("remote failure not mapped: %+v", p)
	}

	// Only the personal teams from the d0 seeds remain.
	for _, id := range []string{"alice", "bob"} {
		teams, _ := st.TeamsForPerson(ctx, id)
		if len(teams) != 1 || teams[0].ID != id {
			t.Errorf("rollback left extra teams for %s: %+v", id, teams)
		}
	}
}

// gradeFailingStore refuses grade writes after a set number of
// successes.
type gradeFailingStore struct {
	*store.MemoryStore
	allowed int
}

func (s *gradeFailingStore) UpsertGrade(ctx context.Context, g *store.Grade) error {
	if s.allowed > 0 {
		s.allowed--
		return s.MemoryStore.UpsertGrade(ctx, g)
	}
	return errors.New("grade table unavailable")
}

func TestProvisionD0GradeFailureRollsBack(t *testing.T) {
	st := &gradeFailingStore{MemoryStore: store.NewMemoryStore()}
	svc := NewService(st, &fakeProvisioner{}, DefaultConfig())
	ctx := context.Background()
	st.UpsertPerson(ctx, &store.Person{ID: "alice", GithubID: "alice", Kind: store.KindStudent})

	p := svc.Provision(ctx, "d0", []string{"alice"})
	if p.Failure == nil || p.Failure.Message != msgContactStaff {
		t.Fatalf("grade failure not mapped: %+v", p)
	}

	// The workspace created before the grade write is gone again, so
	// the student can retry once the store recovers.
	if team, _ := st.GetTeam(ctx, "alice"); team != nil {
		t.Errorf("team survived rollback: %+v", team)
	}
	if repo, _ := st.GetRepository(ctx, "secap_alice"); repo != nil {
		t.Errorf("repository survived rollback: %+v", repo)
	}
	status, err := svc.ComputeStatus(ctx, "alice")
	if err != nil || status != D0PRE {
		t.Errorf("status after rollback = %s, %v; want %s", status, err, D0PRE)
	}
}

func TestPairedD1GradeFailureRollsBack(t *testing.T) {
	st := &gradeFailingStore{MemoryStore: store.NewMemoryStore(), allowed: 2}
	svc := NewService(st, &fakeProvisioner{}, DefaultConfig())
	ctx := context.Background()
	for _, id := range []string{"alice", "bob"} {
		st.UpsertPerson(ctx, &store.Person{ID: id, GithubID: id, Kind: store.KindStudent})
		st.UpsertTeam(ctx, &store.Team{ID: id, Members: []string{id}, Sdmmd0: true})
		st.UpsertRepository(ctx, &store.Repository{ID: "secap_" + id, TeamIDs: []string{id}, D0Enabled: true})
		if err := st.UpsertGrade(ctx, &store.Grade{PersonID: id, DelivID: "d0", Score: 80}); err != nil {
			t.Fatalf("seed grade: %v", err)
		}
	}

	p := svc.Provision(ctx, "d1", []string{"alice", "bob"})
	if p.Failure == nil || p.Failure.Message != msgContactStaff {
		t.Fatalf("grade failure not mapped: %+v", p)
	}

	// The shared team and repo are rolled back; the personal d0
	// workspaces are untouched.
	for _, id := range []string{"alice", "bob"} {
		teams, _ := st.TeamsForPerson(ctx, id)
		if len(teams) != 1 || teams[0].ID != id {
			t.Errorf("rollback left extra teams for %s: %+v", id, teams)
		}
		status, err := svc.ComputeStatus(ctx, id)
		if err != nil || status != D1UNLOCKED {
			t.Errorf("status for %s = %s, %v; want %s", id, status, err, D1UNLOCKED)
		}
	}
}

func TestProvisionRecoversFromPanic(t *testing.T) {
	svc, st, prov := newTestService()
	seedPerson(t, st, "alice")
	prov.panicMode = true

	p := svc.Provision(context.Background(), "d0", []string{"alice"})
	if p.Failure == nil || p.Failure.Message != msgContactStaff {
		t.Fatalf("panic not mapped to staff message: %+v", p)
	}
	if p.Failure.ShouldLogout {
		t.Errorf("panic must not force a logout")
	}
}
