package store

import (
	"context"
	"sync"
)

// MemoryStore holds course records in process memory. It implements
// the Store interface and backs tests and single-node dev mode.
type MemoryStore struct {
	mu     sync.RWMutex
	people map[string]*Person
	teams  map[string]*Team
	repos  map[string]*Repository
	grades map[string]*Grade // keyed personID|delivID
}

// NewMemoryStore initializes an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		people: make(map[string]*Person),
		teams:  make(map[string]*Team),
		repos:  make(map[string]*Repository),
		grades: make(map[string]*Grade),
	}
}

func gradeKey(personID, delivID string) string {
	return personID + "|" + delivID
}

// --- People ---

func (s *MemoryStore) GetPerson(ctx context.Context, id string) (*Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.people[id]
	if !ok {
		return nil, nil
	}
	c := *p
	return &c, nil
}

func (s *MemoryStore) UpsertPerson(ctx context.Context, p *Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.people[p.ID] = &c
	return nil
}

// --- Teams ---

func (s *MemoryStore) GetTeam(ctx context.Context, id string) (*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.teams[id]
	if !ok {
		return nil, nil
	}
	c := *t
	c.Members = append([]string(nil), t.Members...)
	return &c, nil
}

func (s *MemoryStore) UpsertTeam(ctx context.Context, t *Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	c.Members = append([]string(nil), t.Members...)
	s.teams[t.ID] = &c
	return nil
}

func (s *MemoryStore) DeleteTeam(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.teams, id)
	return nil
}

func (s *MemoryStore) TeamsForPerson(ctx context.Context, personID string) ([]*Team, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*Team
	for _, t := range s.teams {
		if t.HasMember(personID) {
			c := *t
			c.Members = append([]string(nil), t.Members...)
			result = append(result, &c)
		}
	}
	return result, nil
}

// --- Repositories ---

func (s *MemoryStore) GetRepository(ctx context.Context, id string) (*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.repos[id]
	if !ok {
		return nil, nil
	}
	c := *r
	c.TeamIDs = append([]string(nil), r.TeamIDs...)
	return &c, nil
}

func (s *MemoryStore) UpsertRepository(ctx context.Context, r *Repository) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	c.TeamIDs = append([]string(nil), r.TeamIDs...)
	s.repos[r.ID] = &c
	return nil
}

func (s *MemoryStore) DeleteRepository(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.repos, id)
	return nil
}

func (s *MemoryStore) RepositoriesForPerson(ctx context.Context, personID string) ([]*Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	memberTeams := make(map[string]bool)
	for id, t := range s.teams {
		if t.HasMember(personID) {
			memberTeams[id] = true
		}
	}

	var result []*Repository
	for _, r := range s.repos {
		for _, tid := range r.TeamIDs {
			if memberTeams[tid] {
				c := *r
				c.TeamIDs = append([]string(nil), r.TeamIDs...)
				result = append(result, &c)
				break
			}
		}
	}
	return result, nil
}

// --- Grades ---

func (s *MemoryStore) GetGrade(ctx context.Context, personID, delivID string) (*Grade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grades[gradeKey(personID, delivID)]
	if !ok {
		return nil, nil
	}
	c := *g
	return &c, nil
}

func (s *MemoryStore) UpsertGrade(ctx context.Context, g *Grade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *g
	s.grades[gradeKey(g.PersonID, g.DelivID)] = &c
	return nil
}
