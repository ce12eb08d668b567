package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andrewstec/classy/autotest/queue"
)

func sampleResult() *queue.AutoTestResult {
	return &queue.AutoTestResult{
		CommitSHA: "abc123",
		CommitURL: "https://git.test/c/abc123",
		DelivID:   "d1",
		RepoID:    "repo1",
		Input:     &queue.ContainerInput{},
		Output:    &queue.ContainerOutput{Timestamp: time.Now(), State: queue.StateSuccess},
	}
}

func TestHTTPResultSinkPostsWithAuth(t *testing.T) {
	var gotAuth string
	var got queue.AutoTestResult
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewHTTPResultSink(srv.URL, "course-secret")
	if err := s.Store(context.Background(), sampleResult()); err != nil {
		t.Fatalf("store: %v", err)
	}
	if gotAuth != "Bearer course-secret" {
		t.Errorf("auth header %q", gotAuth)
	}
	if got.CommitSHA != "abc123" || got.DelivID != "d1" {
		t.Errorf("payload mismatch: %+v", got)
	}
}

func TestHTTPResultSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewHTTPResultSink(srv.URL, "")
	if err := s.Store(context.Background(), sampleResult()); err == nil {
		t.Fatalf("expected error on 502")
	}
}

func TestHTTPGradeSinkPosts(t *testing.T) {
	var got queue.GradeTransport
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	s := NewHTTPGradeSink(srv.URL, "")
	grade := &queue.GradeTransport{DelivID: "d1", RepoID: "repo1", Score: 85, URL: "https://git.test/c/abc123"}
	if err := s.Record(context.Background(), grade); err != nil {
		t.Fatalf("record: %v", err)
	}
	if got.Score != 85 || got.DelivID != "d1" {
		t.Errorf("payload mismatch: %+v", got)
	}
}

func TestLogSinkAcceptsEverything(t *testing.T) {
	var s LogSink
	if err := s.Store(context.Background(), sampleResult()); err != nil {
		t.Errorf("store: %v", err)
	}
	if err := s.Record(context.Background(), &queue.GradeTransport{}); err != nil {
		t.Errorf("record: %v", err)
	}
}
