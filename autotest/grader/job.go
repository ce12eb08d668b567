// Package grader prepares grading workspaces, runs grading containers
// and shapes their output into AutoTestResults.
package grader

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/andrewstec/classy/autotest/observability"
	"github.com/andrewstec/classy/autotest/queue"
)

// GradingJob is a one-shot handle for grading one commit. Prepare is
// idempotent; Run may be called once.
type GradingJob struct {
	input   *queue.ContainerInput
	fetcher SourceFetcher

	workDir  string
	prepared bool
}

// NewGradingJob builds a job for the input. workRoot is where per-job
// workspaces are created.
func NewGradingJob(input *queue.ContainerInput, fetcher SourceFetcher, workRoot string) *GradingJob {
	return &GradingJob{
		input:   input,
		fetcher: fetcher,
		workDir: filepath.Join(workRoot, fmt.Sprintf("%s-%s", input.Target.DelivID, input.Target.CommitSHA)),
	}
}

// Prepare creates the per-job working area and fetches the target
// commit's source tree into it. A second call on the same job is a
// no-op.
func (j *GradingJob) Prepare(ctx context.Context) error {
	if j.prepared {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(j.workDir, "output"), 0o755); err != nil {
		return fmt.Errorf("grader: workspace %s: %w", j.workDir, err)
	}
	srcDir := filepath.Join(j.workDir, "src")
	if err := j.fetcher.Fetch(ctx, j.input.Target.RepoURL, j.input.Target.CommitSHA, srcDir); err != nil {
		return err
	}
	j.prepared = true
	return nil
}

// Run launches the grading container against the prepared workspace
// and shapes whatever happens into a well-formed result. Container
// errors and timeouts still produce a record the dispatcher can free a
// slot with.
func (j *GradingJob) Run(ctx context.Context, rt Runtime) *queue.AutoTestResult {
	result := baseResult(j.input)

	if !j.prepared {
		if err := j.Prepare(ctx); err != nil {
			result.Output.State = queue.StateError
			result.Output.Stdio = err.Error()
			return result
		}
	}

	report, logs, err := rt.Run(ctx, RunSpec{
		Image:        j.input.Image,
		WorkspaceDir: j.workDir,
		Timeout:      j.input.Timeout,
		Env: []string{
			"ASSIGNMENT=" + j.input.Target.DelivID,
			"COMMIT_SHA=" + j.input.Target.CommitSHA,
		},
	})
	result.Output.Stdio = logs
	switch {
	case err == ErrTimeout:
		result.Output.State = queue.StateTimeout
	case err != nil:
		result.Output.State = queue.StateError
		result.Output.Stdio = logs + "\n" + err.Error()
	case report == nil:
		result.Output.State = queue.StateFail
	default:
		result.Output.State = queue.StateSuccess
		result.Output.Report = report
		result.Output.Graded = true
	}
	return result
}

// Cleanup removes the per-job working area.
func (j *GradingJob) Cleanup() {
	if j.workDir != "" {
		if err := os.RemoveAll(j.workDir); err != nil {
			log.Printf("grader: cleanup %s: %v", j.workDir, err)
		}
	}
}

// MockGradingJob produces a synthetic record without touching the
// container runtime. It is selected for the postback sentinel values
// and is the only test seam inside the grading path.
type MockGradingJob struct {
	input *queue.ContainerInput
}

// Run returns a synthetic passing record.
func (j *MockGradingJob) Run(ctx context.Context) *queue.AutoTestResult {
	result := baseResult(j.input)
	score := 100.0
	result.Output.State = queue.StateSuccess
	result.Output.Graded = true
	result.Output.Report = &queue.GradeReport{
		ScoreOverall: &score,
		ScoreTest:    100,
		ScoreCover:   100,
		Feedback:     "Mock execution; no container was run.",
	}
	return result
}

// RunnerConfig carries the per-deliverable container parameters.
type RunnerConfig struct {
	// WorkRoot is the parent directory of per-job workspaces.
	WorkRoot string
	// URLName labels emitted grades (usually the course name).
	URLName string
	// DefaultImage grades deliverables with no specific image.
	DefaultImage string
	// Images maps delivId to a grading image.
	Images map[string]string
	// DefaultTimeout applies when an input has none.
	DefaultTimeout time.Duration
}

// Runner executes grading jobs for the dispatcher. It selects the mock
// path for test-mode inputs, and always hands back a well-formed
// result.
type Runner struct {
	runtime Runtime
	fetcher SourceFetcher
	grades  queue.GradeSink
	cfg     RunnerConfig
}

// NewRunner wires a runner. grades may be nil to skip grade emission.
func NewRunner(rt Runtime, fetcher SourceFetcher, grades queue.GradeSink, cfg RunnerConfig) *Runner {
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Runner{runtime: rt, fetcher: fetcher, grades: grades, cfg: cfg}
}

// Run implements queue.JobRunner.
func (r *Runner) Run(ctx context.Context, input *queue.ContainerInput) *queue.AutoTestResult {
	start := time.Now()
	defer func() {
		observability.JobDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	var result *queue.AutoTestResult
	if input.IsTestMode() {
		mock := &MockGradingJob{input: input}
		result = mock.Run(ctx)
	} else {
		r.fillDefaults(input)
		job := NewGradingJob(input, r.fetcher, r.cfg.WorkRoot)
		defer job.Cleanup()
		if err := job.Prepare(ctx); err != nil {
			log.Printf("grader: prepare %s/%s: %v", input.Target.CommitURL, input.Target.DelivID, err)
			result = baseResult(input)
			result.Output.State = queue.StateError
			result.Output.Stdio = err.Error()
		} else {
			result = job.Run(ctx, r.runtime)
		}
	}

	r.emitGrade(ctx, result)
	return result
}

// fillDefaults resolves image and timeout for the deliverable.
func (r *Runner) fillDefaults(input *queue.ContainerInput) {
	if input.Image == "" {
		if img, ok := r.cfg.Images[input.Target.DelivID]; ok {
			input.Image = img
		} else {
			input.Image = r.cfg.DefaultImage
		}
	}
	if input.Timeout <= 0 {
		input.Timeout = r.cfg.DefaultTimeout
	}
}

// emitGrade pushes the partial grade at the grade sink. Failures are
// logged and swallowed; a broken sink must not take the queues down.
func (r *Runner) emitGrade(ctx context.Context, result *queue.AutoTestResult) {
	if r.grades == nil || result.Output == nil || result.Output.Report == nil {
		return
	}
	var score float64
	if result.Output.Report.ScoreOverall != nil {
		score = *result.Output.Report.ScoreOverall
	}
	grade := &queue.GradeTransport{
		DelivID:   result.DelivID,
		RepoID:    result.RepoID,
		RepoURL:   result.Input.Target.RepoURL,
		Score:     score,
		URLName:   r.cfg.URLName,
		URL:       result.CommitURL,
		Timestamp: time.Now(),
	}
	if err := r.grades.Record(ctx, grade); err != nil {
		log.Printf("grader: grade sink rejected %s/%s: %v", result.CommitURL, result.DelivID, err)
		observability.SinkFailures.WithLabelValues("grade").Inc()
	}
}

func baseResult(input *queue.ContainerInput) *queue.AutoTestResult {
	return &queue.AutoTestResult{
		CommitSHA: input.Target.CommitSHA,
		CommitURL: input.Target.CommitURL,
		DelivID:   input.Target.DelivID,
		RepoID:    input.Target.RepoID,
		Input:     input,
		Output: &queue.ContainerOutput{
			Timestamp: time.Now(),
		},
	}
}
