package queue

import (
	"context"
	"time"
)

// Postback sentinels. A commit whose PostbackURL carries one of these
// values is graded in test mode: the container runtime is skipped and a
// synthetic record is produced instead.
const (
	PostbackEmpty   = "EMPTY"
	PostbackCapture = "POSTBACK"
)

// CommitTarget identifies one unit of grading work: a commit of a
// student repository against a specific deliverable.
type CommitTarget struct {
	CommitSHA   string    `json:"commit_sha"`
	CommitURL   string    `json:"commit_url"` // unique key within the dispatcher
	RepoID      string    `json:"repo_id"`
	RepoURL     string    `json:"repo_url"`
	DelivID     string    `json:"deliv_id"`
	PostbackURL string    `json:"postback_url"`
	Timestamp   time.Time `json:"timestamp"` // submission time, drives wait metrics
}

// ContainerInput is a CommitTarget plus the deliverable-specific
// parameters the grading container needs. This is what queues store.
type ContainerInput struct {
	Target  CommitTarget      `json:"target"`
	Image   string            `json:"image"`
	Timeout time.Duration     `json:"timeout"`
	Custom  map[string]string `json:"custom,omitempty"`
}

// IsTestMode reports whether the input should be graded without a
// container runtime.
func (in *ContainerInput) IsTestMode() bool {
	return in.Target.PostbackURL == PostbackEmpty || in.Target.PostbackURL == PostbackCapture
}

// GradeReport is the structured report a grading container leaves in
// its output directory.
type GradeReport struct {
	ScoreOverall *float64 `json:"scoreOverall,omitempty"`
	ScoreTest    float64  `json:"scoreTest"`
	ScoreCover   float64  `json:"scoreCover"`
	PassNames    []string `json:"passNames,omitempty"`
	FailNames    []string `json:"failNames,omitempty"`
	Feedback     string   `json:"feedback,omitempty"`
}

// Container execution states recorded on a result.
const (
	StateSuccess = "SUCCESS"
	StateFail    = "FAIL"
	StateTimeout = "TIMEOUT"
	StateError   = "ERROR"
)

// ContainerOutput captures what came out of one container execution.
type ContainerOutput struct {
	Timestamp time.Time    `json:"timestamp"`
	State     string       `json:"state"`
	Report    *GradeReport `json:"report,omitempty"`
	Stdio     string       `json:"stdio,omitempty"`
	Graded    bool         `json:"graded"`
}

// AutoTestResult is the full record of one grading execution.
type AutoTestResult struct {
	CommitSHA string           `json:"commit_sha"`
	CommitURL string           `json:"commit_url"`
	DelivID   string           `json:"deliv_id"`
	RepoID    string           `json:"repo_id"`
	Input     *ContainerInput  `json:"input"`
	Output    *ContainerOutput `json:"output"`
}

// GradeTransport is the wire shape pushed at the grade sink after a
// job finishes.
type GradeTransport struct {
	DelivID   string            `json:"deliv_id"`
	RepoID    string            `json:"repo_id"`
	RepoURL   string            `json:"repo_url"`
	Score     float64           `json:"score"`
	URLName   string            `json:"url_name"`
	URL       string            `json:"url"` // the commit URL
	Comment   string            `json:"comment,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// ResultSink stores finished AutoTestResults. Failures are logged and
// swallowed by the dispatcher; at-least-once delivery is accepted and
// the persistence side de-duplicates.
type ResultSink interface {
	Store(ctx context.Context, result *AutoTestResult) error
}

// GradeSink records the partial grade emitted by the job runner.
type GradeSink interface {
	Record(ctx context.Context, grade *GradeTransport) error
}

// JobRunner executes one grading job to completion. Implementations
// must always return a well-formed result, also on container errors,
// timeouts and panics below them.
type JobRunner interface {
	Run(ctx context.Context, input *ContainerInput) *AutoTestResult
}

// Publisher receives job lifecycle events for streaming consumers
// (dashboard websocket, log tail). Best-effort: errors are ignored by
// the dispatcher.
type Publisher interface {
	Publish(topic string, payload interface{}) error
}

// executionKey builds the (commitURL, delivId) identity a job carries
// through the queues.
func executionKey(commitURL, delivID string) string {
	return commitURL + "|" + delivID
}
