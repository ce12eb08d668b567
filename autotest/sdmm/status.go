// Package sdmm implements the software-development-methods course
// logic: the per-student progression state machine and the
// provisioning orchestrator that gates access to deliverables.
package sdmm

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/andrewstec/classy/autotest/hosting"
	"github.com/andrewstec/classy/autotest/store"
)

// Status is a student's position in the progression chain. The
// constants are totally ordered; a computed status only ever ascends
// within one walk.
type Status int

const (
	D0PRE Status = iota
	D0
	D1UNLOCKED
	D1TEAMSET
	D1
	D2
	D3PRE
	D3
)

var statusNames = [...]string{
	"D0PRE", "D0", "D1UNLOCKED", "D1TEAMSET", "D1", "D2", "D3PRE", "D3",
}

// String returns the canonical wire form of the status.
func (s Status) String() string {
	if s < D0PRE || s > D3 {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// ParseStatus maps a wire string back to a Status.
func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return D0PRE, fmt.Errorf("sdmm: unknown status %q", v)
}

// Config carries the course parameters the sdmm logic depends on.
type Config struct {
	// PassThreshold is the minimum score that unlocks the next
	// deliverable. Default 60.
	PassThreshold float64
	// ProjectPrefix prefixes provisioned repository names, e.g.
	// "secap_".
	ProjectPrefix string
	// BootstrapRepoURL is imported into every provisioned repository.
	BootstrapRepoURL string
	// WebhookURL receives push events from provisioned repositories.
	WebhookURL string
}

// DefaultConfig returns the sdmm course defaults.
func DefaultConfig() Config {
	return Config{
		PassThreshold: 60,
		ProjectPrefix: "secap_",
	}
}

// Service owns the progression and provisioning logic for one course.
type Service struct {
	store store.Store
	prov  hosting.Provisioner
	cfg   Config
}

// NewService wires the sdmm service.
func NewService(st store.Store, prov hosting.Provisioner, cfg Config) *Service {
	if cfg.PassThreshold <= 0 {
		cfg.PassThreshold = 60
	}
	if cfg.ProjectPrefix == "" {
		cfg.ProjectPrefix = "secap_"
	}
	return &Service{store: st, prov: prov, cfg: cfg}
}

// HandleUnknownUser registers a person on first sighting, at D0PRE.
// Safe to call for known users; existing records are untouched.
func (s *Service) HandleUnknownUser(ctx context.Context, githubID string) (*store.Person, error) {
	p, err := s.store.GetPerson(ctx, githubID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}
	p = &store.Person{
		ID:         githubID,
		GithubID:   githubID,
		Kind:       store.KindStudent,
		SdmmStatus: D0PRE.String(),
		CreatedAt:  time.Now(),
	}
	if err := s.store.UpsertPerson(ctx, p); err != nil {
		return nil, err
	}
	log.Printf("sdmm: registered new person %s at %s", githubID, D0PRE)
	return p, nil
}

// ComputeStatus walks the persisted facts of a person and computes the
// current progression stage. Each transition is a guarded upgrade that
// fires at most once per walk, so the result can only ascend; the
// inputs (repos, teams, grades) are append-only in normal operation,
// which makes repeated calls monotonic.
//
// The final state is written back onto the person record as a cache.
// That write is best-effort: a failure is logged and the computed
// value is still returned, because truth lives in the raw facts.
func (s *Service) ComputeStatus(ctx context.Context, personID string) (Status, error) {
	person, err := s.store.GetPerson(ctx, personID)
	if err != nil {
		return D0PRE, err
	}
	if person == nil {
		return D0PRE, fmt.Errorf("sdmm: person %s not found", personID)
	}

	repos, err := s.store.RepositoriesForPerson(ctx, personID)
	if err != nil {
		return D0PRE, err
	}
	teams, err := s.store.TeamsForPerson(ctx, personID)
	if err != nil {
		return D0PRE, err
	}

	status := D0PRE

	// D0PRE -> D0: a d0-enabled repo exists.
	if status == D0PRE {
		for _, r := range repos {
			if r.D0Enabled {
				status = D0
				break
			}
		}
	}

	// D0 -> D1UNLOCKED: d0 passed.
	if status == D0 {
		if ok, err := s.gradePassed(ctx, personID, "d0"); err != nil {
			return status, err
		} else if ok {
			status = D1UNLOCKED
		}
	}

	// D1UNLOCKED -> D1TEAMSET: a d1 team exists.
	if status == D1UNLOCKED {
		for _, t := range teams {
			if t.Sdmmd1 {
				status = D1TEAMSET
				break
			}
		}
	}

	// D1TEAMSET -> D1: a d1-enabled repo exists.
	if status == D1TEAMSET {
		for _, r := range repos {
			if r.D1Enabled {
				status = D1
				break
			}
		}
	}

	// D1 -> D2: d1 passed. Side effect: the d1 repos gain d2 access.
	if status == D1 {
		if ok, err := s.gradePassed(ctx, personID, "d1"); err != nil {
			return status, err
		} else if ok {
			for _, r := range repos {
				if r.D1Enabled && !r.D2Enabled {
					r.D2Enabled = true
					if err := s.store.UpsertRepository(ctx, r); err != nil {
						return status, err
					}
				}
			}
			status = D2
		}
	}

	// D2 -> D3PRE: d2 passed.
	if status == D2 {
		if ok, err := s.gradePassed(ctx, personID, "d2"); err != nil {
			return status, err
		} else if ok {
			status = D3PRE
		}
	}

	// D3PRE -> D3: the d3 pull request landed on a d2-enabled repo.
	if status == D3PRE {
		for _, r := range repos {
			if r.D2Enabled && r.SddmD3pr {
				status = D3
				break
			}
		}
	}

	// Terminal side effect, written on every re-entry. The write is
	// idempotent; see upsert semantics.
	if status == D3 {
		for _, r := range repos {
			if r.D2Enabled {
				r.D3Enabled = true
				if err := s.store.UpsertRepository(ctx, r); err != nil {
					return status, err
				}
			}
		}
	}

	person.SdmmStatus = status.String()
	if err := s.store.UpsertPerson(ctx, person); err != nil {
		log.Printf("sdmm: status cache write for %s failed: %v", personID, err)
	}
	return status, nil
}

// gradePassed reports whether the person holds a grade for the
// deliverable at or above the pass threshold. Placeholder rows do not
// pass.
func (s *Service) gradePassed(ctx context.Context, personID, delivID string) (bool, error) {
	g, err := s.store.GetGrade(ctx, personID, delivID)
	if err != nil {
		return false, err
	}
	return g != nil && g.Score >= s.cfg.PassThreshold, nil
}
