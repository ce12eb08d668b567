package grader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/andrewstec/classy/autotest/queue"
)

// countingFetcher writes a marker file instead of cloning.
type countingFetcher struct {
	mu    sync.Mutex
	calls int
	fail  bool
}

func (f *countingFetcher) Fetch(ctx context.Context, repoURL, commitSHA, destDir string) error {
	f.mu.Lock()
	f.calls++
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("clone refused")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(destDir, "main.go"), []byte("package main\n"), 0o644)
}

// fakeRuntime returns a canned outcome instead of running a container.
type fakeRuntime struct {
	report *queue.GradeReport
	logs   string
	err    error
	specs  []RunSpec
}

func (r *fakeRuntime) Run(ctx context.Context, spec RunSpec) (*queue.GradeReport, string, error) {
	r.specs = append(r.specs, spec)
	return r.report, r.logs, r.err
}

func realInput(commitURL, delivID string) *queue.ContainerInput {
	return &queue.ContainerInput{
		Target: queue.CommitTarget{
			CommitSHA:   "abc123",
			CommitURL:   commitURL,
			RepoID:      "repo1",
			RepoURL:     "https://git.test/org/repo1",
			DelivID:     delivID,
			PostbackURL: "https://git.test/api/comment",
			Timestamp:   time.Now(),
		},
	}
}

type recordingGradeSink struct {
	grades []*queue.GradeTransport
	err    error
}

func (s *recordingGradeSink) Record(ctx context.Context, g *queue.GradeTransport) error {
	s.grades = append(s.grades, g)
	return s.err
}

func newTestRunner(t *testing.T, rt Runtime, grades queue.GradeSink) *Runner {
	t.Helper()
	return NewRunner(rt, &countingFetcher{}, grades, RunnerConfig{
		WorkRoot:       t.TempDir(),
		URLName:        "secapstone",
		DefaultImage:   "grader:latest",
		Images:         map[string]string{"d1": "grader-d1:latest"},
		DefaultTimeout: time.Minute,
	})
}

func TestRunnerSelectsMockForTestMode(t *testing.T) {
	rt := &fakeRuntime{}
	sink := &recordingGradeSink{}
	r := newTestRunner(t, rt, sink)

	in := realInput("c1", "d0")
	in.Target.PostbackURL = queue.PostbackEmpty
	result := r.Run(context.Background(), in)

	if len(rt.specs) != 0 {
		t.Errorf("container runtime invoked for a test-mode input")
	}
	if result.Output.State != queue.StateSuccess || !result.Output.Graded {
		t.Errorf("mock result not graded: %+v", result.Output)
	}
	if result.Output.Report == nil || result.Output.Report.ScoreOverall == nil || *result.Output.Report.ScoreOverall != 100 {
		t.Errorf("mock score wrong: %+v", result.Output.Report)
	}
	if len(sink.grades) != 1 || sink.grades[0].Score != 100 {
		t.Errorf("mock grade not emitted: %+v", sink.grades)
	}
}

func TestRunnerFillsImageAndTimeout(t *testing.T) {
	score := 80.0
	rt := &fakeRuntime{report: &queue.GradeReport{ScoreOverall: &score}}
	r := newTestRunner(t, rt, nil)

	r.Run(context.Background(), realInput("c1", "d1"))
	if len(rt.specs) != 1 {
		t.Fatalf("runtime invoked %d times, want 1", len(rt.specs))
	}
	if rt.specs[0].Image != "grader-d1:latest" {
		t.Errorf("image = %q, want the d1 mapping", rt.specs[0].Image)
	}
	if rt.specs[0].Timeout != time.Minute {
		t.Errorf("timeout = %v, want the default", rt.specs[0].Timeout)
	}

	r.Run(context.Background(), realInput("c2", "d9"))
	if rt.specs[1].Image != "grader:latest" {
		t.Errorf("unmapped deliverable got image %q, want the default", rt.specs[1].Image)
	}
}

func TestRunnerShapesRuntimeOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		rt        *fakeRuntime
		wantState string
	}{
		{"timeout", &fakeRuntime{err: ErrTimeout, logs: "partial"}, queue.StateTimeout},
		{"runtime error", &fakeRuntime{err: errors.New("docker daemon down")}, queue.StateError},
		{"no report", &fakeRuntime{logs: "tests crashed"}, queue.StateFail},
		{"graded", &fakeRuntime{report: &queue.GradeReport{}}, queue.StateSuccess},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRunner(t, tc.rt, nil)
			result := r.Run(context.Background(), realInput("c-"+tc.name, "d0"))
			if result.Output.State != tc.wantState {
				t.Errorf("state = %s, want %s", result.Output.State, tc.wantState)
			}
			if result.Input == nil || result.CommitURL != "c-"+tc.name {
				t.Errorf("result identity incomplete: %+v", result)
			}
		})
	}
}

func TestRunnerFetchFailureIsError(t *testing.T) {
	rt := &fakeRuntime{}
	r := NewRunner(rt, &countingFetcher{fail: true}, nil, RunnerConfig{WorkRoot: t.TempDir()})

	result := r.Run(context.Background(), realInput("c1", "d0"))
	if result.Output.State != queue.StateError {
		t.Errorf("state = %s, want %s", result.Output.State, queue.StateError)
	}
	if len(rt.specs) != 0 {
		t.Errorf("container ran despite fetch failure")
	}
}

func TestGradeSinkFailureIsSwallowed(t *testing.T) {
	score := 50.0
	rt := &fakeRuntime{report: &queue.GradeReport{ScoreOverall: &score}}
	sink := &recordingGradeSink{err: errors.New("backend down")}
	r := newTestRunner(t, rt, sink)

	result := r.Run(context.Background(), realInput("c1", "d0"))
	if result.Output.State != queue.StateSuccess {
		t.Errorf("sink failure leaked into the result: %+v", result.Output)
	}
}

func TestNoGradeWithoutReport(t *testing.T) {
	rt := &fakeRuntime{logs: "compile error"}
	sink := &recordingGradeSink{}
	r := newTestRunner(t, rt, sink)

	r.Run(context.Background(), realInput("c1", "d0"))
	if len(sink.grades) != 0 {
		t.Errorf("grade emitted for an ungraded run: %+v", sink.grades)
	}
}

func TestPrepareIdempotent(t *testing.T) {
	fetcher := &countingFetcher{}
	job := NewGradingJob(realInput("c1", "d0"), fetcher, t.TempDir())
	ctx := context.Background()

	if err := job.Prepare(ctx); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := job.Prepare(ctx); err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("fetch ran %d times, want 1", fetcher.calls)
	}

	if _, err := os.Stat(filepath.Join(job.workDir, "output")); err != nil {
		t.Errorf("output dir missing: %v", err)
	}
	job.Cleanup()
	if _, err := os.Stat(job.workDir); !os.IsNotExist(err) {
		t.Errorf("workspace survived cleanup")
	}
}
