package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyQueue is returned by Pop and ScheduleNext when there is
	// nothing waiting.
	ErrEmptyQueue = errors.New("queue: no waiting jobs")

	// ErrNoCapacity is returned by ScheduleNext when every slot of the
	// queue is occupied.
	ErrNoCapacity = errors.New("queue: all slots busy")
)

// Queue is a single priority tier: an ordered waiting list plus the set
// of jobs currently occupying its execution slots.
//
// Queue is not safe for concurrent use. The Dispatcher owns all queues
// and serializes access through its own lock.
type Queue struct {
	name     string
	numSlots int
	waiting  []*ContainerInput
	running  map[string]*ContainerInput
}

// NewQueue creates a tier with the given name and slot capacity.
func NewQueue(name string, numSlots int) *Queue {
	if numSlots < 1 {
		numSlots = 1
	}
	return &Queue{
		name:     name,
		numSlots: numSlots,
		waiting:  make([]*ContainerInput, 0),
		running:  make(map[string]*ContainerInput),
	}
}

// Name returns the tier name.
func (q *Queue) Name() string { return q.name }

// Length returns the number of waiting jobs.
func (q *Queue) Length() int { return len(q.waiting) }

// NumRunning returns the number of occupied slots.
func (q *Queue) NumRunning() int { return len(q.running) }

// HasCapacity reports whether a slot is free.
func (q *Queue) HasCapacity() bool { return len(q.running) < q.numSlots }

// Push appends the input to the waiting list. A (commitURL, delivId)
// pair already waiting or running is a no-op; the same job is never
// queued twice.
func (q *Queue) Push(input *ContainerInput) error {
	if input == nil {
		return fmt.Errorf("queue %s: push of nil input", q.name)
	}
	if q.contains(input.Target.CommitURL, input.Target.DelivID) {
		return nil
	}
	q.waiting = append(q.waiting, input)
	return nil
}

// PushFirst inserts the input at the head of the waiting list. Used by
// cross-tier promotion so an earlier arrival keeps its precedence in
// the receiving tier.
func (q *Queue) PushFirst(input *ContainerInput) error {
	if input == nil {
		return fmt.Errorf("queue %s: pushFirst of nil input", q.name)
	}
	if q.contains(input.Target.CommitURL, input.Target.DelivID) {
		return nil
	}
	q.waiting = append([]*ContainerInput{input}, q.waiting...)
	return nil
}

// Pop removes and returns the head of the waiting list.
func (q *Queue) Pop() (*ContainerInput, error) {
	if len(q.waiting) == 0 {
		return nil, ErrEmptyQueue
	}
	head := q.waiting[0]
	q.waiting = q.waiting[1:]
	return head, nil
}

// ScheduleNext moves the head of the waiting list into a free slot and
// returns it. Fails when nothing is waiting or no slot is free.
func (q *Queue) ScheduleNext() (*ContainerInput, error) {
	if len(q.waiting) == 0 {
		return nil, ErrEmptyQueue
	}
	if !q.HasCapacity() {
		return nil, ErrNoCapacity
	}
	head, err := q.Pop()
	if err != nil {
		return nil, err
	}
	q.running[executionKey(head.Target.CommitURL, head.Target.DelivID)] = head
	return head, nil
}

// IndexOf returns the position of the commit in the waiting list, or
// -1 when it is not waiting here.
func (q *Queue) IndexOf(commitURL string) int {
	for i, in := range q.waiting {
		if in.Target.CommitURL == commitURL {
			return i
		}
	}
	return -1
}

// Remove takes the commit out of the waiting list and returns it, or
// nil when it is not waiting here. Running jobs are never removed.
func (q *Queue) Remove(commitURL string) *ContainerInput {
	for i, in := range q.waiting {
		if in.Target.CommitURL == commitURL {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return in
		}
	}
	return nil
}

// IsCommitExecuting reports whether the pair occupies a slot here.
func (q *Queue) IsCommitExecuting(commitURL, delivID string) bool {
	_, ok := q.running[executionKey(commitURL, delivID)]
	return ok
}

// ClearExecution frees the slot held by the pair. Idempotent; clearing
// a pair that is not running is a no-op.
func (q *Queue) ClearExecution(commitURL, delivID string) {
	delete(q.running, executionKey(commitURL, delivID))
}

func (q *Queue) contains(commitURL, delivID string) bool {
	if q.IsCommitExecuting(commitURL, delivID) {
		return true
	}
	for _, in := range q.waiting {
		if in.Target.CommitURL == commitURL && in.Target.DelivID == delivID {
			return true
		}
	}
	return false
}
