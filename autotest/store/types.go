package store

import (
	"time"
)

// Person kinds.
const (
	KindStudent = "student"
	KindStaff   = "staff"
)

// PlaceholderScore marks a grade row created during provisioning
// before any submission has been graded.
const PlaceholderScore = -1

// Person is one course participant. SdmmStatus caches the last
// computed progression stage; truth lives in the repos, teams and
// grades it is derived from.
type Person struct {
	ID         string            `json:"id" db:"id"`
	GithubID   string            `json:"github_id" db:"github_id"`
	Kind       string            `json:"kind" db:"kind"`
	SdmmStatus string            `json:"sdmm_status" db:"sdmm_status"`
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
	Custom     map[string]string `json:"custom,omitempty" db:"custom"`
}

// Team groups one or two people for a deliverable range. The sdmmdN
// flags say which deliverables the team covers.
type Team struct {
	ID        string            `json:"id" db:"id"`
	Members   []string          `json:"members" db:"members"`
	URL       string            `json:"url" db:"url"`
	Sdmmd0    bool              `json:"sdmmd0" db:"sdmmd0"`
	Sdmmd1    bool              `json:"sdmmd1" db:"sdmmd1"`
	Sdmmd2    bool              `json:"sdmmd2" db:"sdmmd2"`
	Sdmmd3    bool              `json:"sdmmd3" db:"sdmmd3"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	Custom    map[string]string `json:"custom,omitempty" db:"custom"`
}

// HasMember reports whether the person belongs to the team.
func (t *Team) HasMember(personID string) bool {
	for _, m := range t.Members {
		if m == personID {
			return true
		}
	}
	return false
}

// Repository is a provisioned student repository. The dNEnabled flags
// gate which deliverables may be graded against it.
type Repository struct {
	ID        string            `json:"id" db:"id"`
	URL       string            `json:"url" db:"url"`
	TeamIDs   []string          `json:"team_ids" db:"team_ids"`
	D0Enabled bool              `json:"d0_enabled" db:"d0_enabled"`
	D1Enabled bool              `json:"d1_enabled" db:"d1_enabled"`
	D2Enabled bool              `json:"d2_enabled" db:"d2_enabled"`
	D3Enabled bool              `json:"d3_enabled" db:"d3_enabled"`
	SddmD3pr  bool              `json:"sddm_d3pr" db:"sddm_d3pr"` // D3 pull request completed
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
	Custom    map[string]string `json:"custom,omitempty" db:"custom"`
}

// Grade is one (person, deliverable) score. Score is PlaceholderScore
// until a graded submission lands.
type Grade struct {
	PersonID  string            `json:"person_id" db:"person_id"`
	DelivID   string            `json:"deliv_id" db:"deliv_id"`
	Score     float64           `json:"score" db:"score"`
	URL       string            `json:"url" db:"url"`
	Comment   string            `json:"comment,omitempty" db:"comment"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
	Custom    map[string]string `json:"custom,omitempty" db:"custom"`
}
