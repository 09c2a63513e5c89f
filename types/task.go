package types

import (
	"fmt"
	"strings"
	"time"
)

// TaskState is the lifecycle state of a Task. The numeric values are part of
// the wire format (ListTask filters are sent as integers).
type TaskState int

const (
	TaskStateInit TaskState = iota
	TaskStateRunning
	TaskStateCompleted
	TaskStateError
)

func (s TaskState) String() string {
	switch s {
	case TaskStateInit:
		return "init"
	case TaskStateRunning:
		return "running"
	case TaskStateCompleted:
		return "completed"
	case TaskStateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is accepted from s.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateError
}

// ParseTaskState parses either the name ("running") or the number ("1") of a
// state.
func ParseTaskState(s string) (TaskState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "init", "0":
		return TaskStateInit, nil
	case "running", "1":
		return TaskStateRunning, nil
	case "completed", "2":
		return TaskStateCompleted, nil
	case "error", "3":
		return TaskStateError, nil
	}
	return 0, fmt.Errorf("%w: unknown task state %q", ErrInvalidParams, s)
}

// Task is a single C2 proof job tracked by the task pool.
type Task struct {
	ID         string    `json:"id"`
	Miner      string    `json:"miner"`
	ResourceID string    `json:"resource_id"`
	WorkerID   string    `json:"worker_id"`
	State      TaskState `json:"state"`
	Proof      string    `json:"proof"`
	ErrorMsg   string    `json:"error_msg"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewTask ...
func NewTask(id, miner, resourceID string, now time.Time) *Task {
	return &Task{
		ID:         id,
		Miner:      miner,
		ResourceID: resourceID,
		State:      TaskStateInit,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (t *Task) String() string {
	return fmt.Sprintf("%s (%s, worker=%q)", t.ID, t.State, t.WorkerID)
}

// Claim moves an Init task to Running and binds it to workerID.
func (t *Task) Claim(workerID string, now time.Time) error {
	if workerID == "" {
		return fmt.Errorf("%w: empty worker id", ErrInvalidParams)
	}
	if t.State != TaskStateInit {
		return t.conflict("claim")
	}
	t.State = TaskStateRunning
	t.WorkerID = workerID
	t.UpdatedAt = now
	return nil
}

// Complete records the proof of a Running task owned by workerID.
func (t *Task) Complete(workerID, proof string, now time.Time) error {
	if proof == "" {
		return fmt.Errorf("%w: empty proof", ErrInvalidParams)
	}
	if err := t.checkOwner(workerID, "record proof"); err != nil {
		return err
	}
	t.State = TaskStateCompleted
	t.Proof = proof
	t.UpdatedAt = now
	return nil
}

// Fail records the error message of a Running task owned by workerID.
func (t *Task) Fail(workerID, errMsg string, now time.Time) error {
	if errMsg == "" {
		return fmt.Errorf("%w: empty error message", ErrInvalidParams)
	}
	if err := t.checkOwner(workerID, "record error"); err != nil {
		return err
	}
	t.State = TaskStateError
	t.ErrorMsg = errMsg
	t.UpdatedAt = now
	return nil
}

// Requeue puts a Running task back to Init. WorkerID is kept as the last
// holder of the claim.
func (t *Task) Requeue(now time.Time) error {
	if t.State != TaskStateRunning {
		return t.conflict("requeue")
	}
	t.State = TaskStateInit
	t.UpdatedAt = now
	return nil
}

func (t *Task) checkOwner(workerID, op string) error {
	if t.State != TaskStateRunning {
		return t.conflict(op)
	}
	if t.WorkerID != workerID {
		return fmt.Errorf(
			"%w: cannot %s for task %s owned by %s, not %s",
			ErrConflict, op, t.ID, t.WorkerID, workerID,
		)
	}
	return nil
}

func (t *Task) conflict(op string) error {
	return fmt.Errorf("%w: cannot %s for task %s in state %s", ErrConflict, op, t.ID, t.State)
}

// Tasks typedef to be able to attach sort methods
type Tasks []*Task

func (tasks Tasks) Len() int { return len(tasks) }
func (tasks Tasks) Less(i, j int) bool {
	if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
		return tasks[i].ID < tasks[j].ID
	}
	return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
}
func (tasks Tasks) Swap(i, j int) { tasks[i], tasks[j] = tasks[j], tasks[i] }

// TaskFilter selects tasks for ListTask. A nil WorkerID or empty States
// matches everything; set fields are combined with AND.
type TaskFilter struct {
	WorkerID *string
	States   []TaskState
}

// Match ...
func (f TaskFilter) Match(t *Task) bool {
	if f.WorkerID != nil && t.WorkerID != *f.WorkerID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if t.State == s {
			return true
		}
	}
	return false
}
