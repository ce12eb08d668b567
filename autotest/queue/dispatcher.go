package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/andrewstec/classy/autotest/observability"
	"github.com/andrewstec/classy/autotest/timeline"
)

// Tier names. Capacities come from DispatcherConfig; the names are
// fixed.
const (
	TierExpress    = "express"
	TierStandard   = "standard"
	TierRegression = "regression"
)

// DispatcherConfig holds the slot budget of each tier.
type DispatcherConfig struct {
	NumSlotsExpress    int
	NumSlotsStandard   int
	NumSlotsRegression int
}

// DefaultDispatcherConfig returns the production slot budget.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		NumSlotsExpress:    1,
		NumSlotsStandard:   2,
		NumSlotsRegression: 1,
	}
}

// Dispatcher owns the three priority tiers and is the only component
// that starts grading jobs. All queue access is serialized through its
// lock; one dispatcher process owns the queues.
type Dispatcher struct {
	mu sync.Mutex

	express    *Queue
	standard   *Queue
	regression *Queue

	runner     JobRunner
	resultSink ResultSink

	// ProcessExecution is an optional extension point invoked on every
	// accepted result (feedback posting). Its errors are swallowed to
	// protect queue health.
	ProcessExecution func(result *AutoTestResult) error

	timeline  *timeline.Store
	publisher Publisher
}

// NewDispatcher wires a dispatcher with its tiers, job runner and
// result sink. publisher may be nil.
func NewDispatcher(cfg DispatcherConfig, runner JobRunner, resultSink ResultSink, publisher Publisher) *Dispatcher {
	return &Dispatcher{
		express:    NewQueue(TierExpress, cfg.NumSlotsExpress),
		standard:   NewQueue(TierStandard, cfg.NumSlotsStandard),
		regression: NewQueue(TierRegression, cfg.NumSlotsRegression),
		runner:     runner,
		resultSink: resultSink,
		timeline:   timeline.NewStore(),
		publisher:  publisher,
	}
}

// Timeline exposes the job event audit trail for the debug endpoint.
func (d *Dispatcher) Timeline() *timeline.Store { return d.timeline }

// AddToStandardQueue admits a job to the standard tier. Duplicate
// (commitURL, delivId) pairs anywhere in the system are dropped by the
// queue itself.
func (d *Dispatcher) AddToStandardQueue(input *ContainerInput) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isKnown(input.Target.CommitURL, input.Target.DelivID) {
		return nil
	}
	if err := d.standard.Push(input); err != nil {
		return err
	}
	d.record(input, "QUEUED", TierStandard, nil)
	d.updateGauges()
	return nil
}

// AddToRegressionQueue admits a job to the regression tier. Used for
// re-grading sweeps where latency does not matter.
func (d *Dispatcher) AddToRegressionQueue(input *ContainerInput) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isKnown(input.Target.CommitURL, input.Target.DelivID) {
		return nil
	}
	if err := d.regression.Push(input); err != nil {
		return err
	}
	d.record(input, "QUEUED", TierRegression, nil)
	d.updateGauges()
	return nil
}

// Tick advances the scheduler once. Idempotent when there is nothing to
// do. A failure inside the tick is logged, never propagated; the
// dispatcher stays live.
func (d *Dispatcher) Tick() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tick()
}

// tick runs the scheduling pass. Caller holds the lock.
//
// Order matters: express is the hottest tier, and when the slower
// tiers have free slots they absorb backlog from the faster ones
// because slots, not queue positions, are the scarce resource.
func (d *Dispatcher) tick() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatcher: tick recovered: %v", r)
		}
	}()
	start := time.Now()

	d.schedule(d.express)
	d.promote(d.express, d.standard)
	d.promote(d.express, d.regression)
	d.schedule(d.standard)
	d.promote(d.standard, d.regression)
	d.schedule(d.regression)

	d.updateGauges()
	observability.TickDuration.Observe(time.Since(start).Seconds())
}

// schedule starts the head of q in one of q's free slots, if both
// exist. The job launch is fire-and-forget; the completion path frees
// the slot and re-ticks.
func (d *Dispatcher) schedule(q *Queue) {
	if !q.HasCapacity() || q.Length() == 0 {
		return
	}
	input, err := q.ScheduleNext()
	if err != nil {
		log.Printf("dispatcher: scheduleNext on %s: %v", q.Name(), err)
		return
	}
	d.record(input, "SCHEDULED", q.Name(), nil)
	if !input.Target.Timestamp.IsZero() {
		observability.JobWaitSeconds.WithLabelValues(q.Name()).
			Observe(time.Since(input.Target.Timestamp).Seconds())
	}
	go d.launch(input)
}

// promote moves the head of from into a free slot of to, preserving
// its arrival priority via head insertion.
func (d *Dispatcher) promote(from, to *Queue) {
	if from.Length() == 0 || !to.HasCapacity() {
		return
	}
	input, err := from.Pop()
	if err != nil {
		log.Printf("dispatcher: promote pop on %s: %v", from.Name(), err)
		return
	}
	if err := to.PushFirst(input); err != nil {
		log.Printf("dispatcher: promote pushFirst on %s: %v", to.Name(), err)
		return
	}
	observability.Promotions.WithLabelValues(from.Name(), to.Name()).Inc()
	d.record(input, "PROMOTED", to.Name(), map[string]string{"from": from.Name()})
	d.schedule(to)
}

// launch executes one job outside the lock. The deferred block is the
// guaranteed release path: whatever happens inside the runner, the
// completion hook runs, the slot is freed and the scheduler re-ticks.
func (d *Dispatcher) launch(input *ContainerInput) {
	var result *AutoTestResult
	defer func() {
		if r := recover(); r != nil {
			log.Printf("dispatcher: job %s/%s panicked: %v",
				input.Target.CommitURL, input.Target.DelivID, r)
			result = errorResult(input, fmt.Sprintf("job panic: %v", r))
		}
		d.HandleExecutionComplete(result)
	}()
	result = d.runner.Run(context.Background(), input)
	if result == nil {
		result = errorResult(input, "runner returned no result")
	}
}

// HandleExecutionComplete is the completion hook invoked once per
// finished job. It forwards the record, frees the slot on whichever
// tier held it, and re-ticks.
func (d *Dispatcher) HandleExecutionComplete(result *AutoTestResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !validResult(result) {
		log.Printf("dispatcher: dropping malformed execution record: %+v", result)
		observability.ResultsDropped.Inc()
		// Free the slot anyway if the record still identifies it.
		if result != nil && result.Input != nil {
			d.clearExecution(result.Input.Target.CommitURL, result.Input.Target.DelivID)
			d.tick()
		}
		return
	}

	if err := d.resultSink.Store(context.Background(), result); err != nil {
		log.Printf("dispatcher: result sink rejected %s/%s: %v",
			result.CommitURL, result.DelivID, err)
		observability.SinkFailures.WithLabelValues("result").Inc()
	}

	if d.ProcessExecution != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("dispatcher: processExecution panicked for %s: %v", result.CommitURL, r)
				}
			}()
			if err := d.ProcessExecution(result); err != nil {
				log.Printf("dispatcher: processExecution failed for %s: %v", result.CommitURL, err)
			}
		}()
	}

	d.clearExecution(result.CommitURL, result.DelivID)
	d.record(result.Input, "FINISHED", "", map[string]string{"state": result.Output.State})
	d.tick()
}

// clearExecution frees the pair's slot on all tiers. The job lives in
// exactly one; clearing the rest is a no-op.
func (d *Dispatcher) clearExecution(commitURL, delivID string) {
	d.express.ClearExecution(commitURL, delivID)
	d.standard.ClearExecution(commitURL, delivID)
	d.regression.ClearExecution(commitURL, delivID)
}

// PromoteIfNeeded considers moving an already-queued commit to the
// express tier after a user actively requested feedback on it.
// Staying put wins whenever the express backlog is at least as long as
// the job's current position: re-queuing at the tail of express would
// only finish later.
func (d *Dispatcher) PromoteIfNeeded(commitURL, delivID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.express.IsCommitExecuting(commitURL, delivID) ||
		d.standard.IsCommitExecuting(commitURL, delivID) ||
		d.regression.IsCommitExecuting(commitURL, delivID) {
		return
	}

	for _, q := range []*Queue{d.standard, d.regression} {
		pos := q.IndexOf(commitURL)
		if pos < 0 {
			continue
		}
		// pos jobs sit ahead of the target where it is now. When the
		// express backlog is at least that long, staying put finishes
		// sooner than re-queuing at the tail of express.
		if d.express.Length() > pos {
			return
		}
		input := q.Remove(commitURL)
		if input == nil {
			return
		}
		if err := d.express.Push(input); err != nil {
			log.Printf("dispatcher: express push of %s failed: %v", commitURL, err)
			return
		}
		observability.Promotions.WithLabelValues(q.Name(), TierExpress).Inc()
		d.record(input, "PROMOTED", TierExpress, map[string]string{"from": q.Name(), "reason": "feedback_request"})
		d.tick()
		return
	}
}

// IsCommitExecuting reports whether the pair currently occupies a slot
// on any tier.
func (d *Dispatcher) IsCommitExecuting(commitURL, delivID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.express.IsCommitExecuting(commitURL, delivID) ||
		d.standard.IsCommitExecuting(commitURL, delivID) ||
		d.regression.IsCommitExecuting(commitURL, delivID)
}

// Snapshot returns queue state for the debug endpoint.
func (d *Dispatcher) Snapshot() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	tier := func(q *Queue) map[string]int {
		return map[string]int{"waiting": q.Length(), "running": q.NumRunning()}
	}
	return map[string]interface{}{
		TierExpress:    tier(d.express),
		TierStandard:   tier(d.standard),
		TierRegression: tier(d.regression),
		"events":       d.timeline.All(),
	}
}

// isKnown reports whether the pair is anywhere in the system already.
// Caller holds the lock.
func (d *Dispatcher) isKnown(commitURL, delivID string) bool {
	for _, q := range []*Queue{d.express, d.standard, d.regression} {
		if q.contains(commitURL, delivID) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) record(input *ContainerInput, stage, tier string, meta map[string]string) {
	if input == nil {
		return
	}
	e := timeline.Event{
		ReqID:     input.Custom["req_id"],
		CommitURL: input.Target.CommitURL,
		DelivID:   input.Target.DelivID,
		Stage:     stage,
		Queue:     tier,
		Metadata:  meta,
	}
	d.timeline.Record(e)
	if d.publisher != nil {
		_ = d.publisher.Publish("job."+stage, e)
	}
}

func (d *Dispatcher) updateGauges() {
	for _, q := range []*Queue{d.express, d.standard, d.regression} {
		observability.QueueDepth.WithLabelValues(q.Name()).Set(float64(q.Length()))
		observability.JobsRunning.WithLabelValues(q.Name()).Set(float64(q.NumRunning()))
	}
}

func validResult(r *AutoTestResult) bool {
	return r != nil && r.CommitSHA != "" && r.CommitURL != "" && r.Input != nil && r.Output != nil
}

// errorResult builds a well-formed record for jobs that failed outside
// the normal runner path, so the completion hook can free the slot.
func errorResult(input *ContainerInput, msg string) *AutoTestResult {
	return &AutoTestResult{
		CommitSHA: input.Target.CommitSHA,
		CommitURL: input.Target.CommitURL,
		DelivID:   input.Target.DelivID,
		RepoID:    input.Target.RepoID,
		Input:     input,
		Output: &ContainerOutput{
			Timestamp: time.Now(),
			State:     StateError,
			Stdio:     msg,
			Graded:    false,
		},
	}
}
