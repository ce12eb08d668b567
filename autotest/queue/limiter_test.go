package queue

import "testing"

func TestRepoLimiterBurstThenThrottle(t *testing.T) {
	l := NewRepoLimiter(0.001, 2)

	if !l.Allow("repo1") || !l.Allow("repo1") {
		t.Fatalf("burst admissions rejected")
	}
	if l.Allow("repo1") {
		t.Errorf("third admission allowed past the burst")
	}
}

func TestRepoLimiterIsolatesRepositories(t *testing.T) {
	l := NewRepoLimiter(0.001, 1)

	if !l.Allow("repo1") {
		t.Fatalf("first admission rejected")
	}
	if l.Allow("repo1") {
		t.Errorf("repo1 over budget")
	}
	if !l.Allow("repo2") {
		t.Errorf("repo2 throttled by repo1's usage")
	}
}
