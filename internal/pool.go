package internal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

// clock hands out strictly increasing timestamps so creation order is total
// even when two tasks are added within the clock's resolution.
type clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC().Round(0)
	if !now.After(c.last) {
		now = c.last.Add(time.Nanosecond)
	}
	c.last = now
	return now
}

// TaskPool is the durable queue of C2 tasks and the only component that
// mutates them. It implements types.WorkerFetch so an in-process worker can
// use it directly.
type TaskPool struct {
	store    Store
	notifier Notifier
	metrics  *Metrics
	clock    clock
}

// NewTaskPool ...
func NewTaskPool(store Store, notifier Notifier, metrics *Metrics) *TaskPool {
	if notifier == nil {
		notifier = NewNullNotifier()
	}
	if metrics == nil {
		metrics = NewMetrics("gpuproxy")
	}
	return &TaskPool{
		store:    store,
		notifier: notifier,
		metrics:  metrics,
	}
}

var _ types.WorkerFetch = (*TaskPool)(nil)

func (p *TaskPool) notify(typ TaskEventType, task *types.Task) {
	snapshot := *task
	p.notifier.Notify(TaskEvent{Type: typ, Task: &snapshot, Time: snapshot.UpdatedAt})
}

// AddTask creates a new task in Init for resourceID.
func (p *TaskPool) AddTask(ctx context.Context, miner, resourceID string) (string, error) {
	task := types.NewTask(uuid.New().String(), miner, resourceID, p.clock.Now())

	if err := p.store.AddTask(ctx, task); err != nil {
		log.WithError(err).Error("error adding task")
		return "", err
	}

	log.WithFields(log.Fields{
		"task":     task.ID,
		"miner":    miner,
		"resource": resourceID,
	}).Info("task added")
	p.metrics.Counter("tasks", "added").Inc(1)
	p.notify(TaskAdded, task)

	return task.ID, nil
}

// Fetch ...
func (p *TaskPool) Fetch(ctx context.Context, id string) (*types.Task, error) {
	return p.store.GetTask(ctx, id)
}

// FetchOneTodo claims the oldest task in Init for workerID.
func (p *TaskPool) FetchOneTodo(ctx context.Context, workerID string) (*types.Task, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: empty worker id", types.ErrInvalidParams)
	}

	task, err := p.store.ClaimTask(ctx, func(task *types.Task) error {
		return task.Claim(workerID, p.clock.Now())
	})
	if err != nil {
		if !errors.Is(err, types.ErrNoTaskAvailable) {
			log.WithError(err).Errorf("error claiming task for worker %s", workerID)
		}
		return nil, err
	}

	log.WithField("task", task.ID).Infof("task claimed by worker %s", workerID)
	p.metrics.Counter("tasks", "claimed").Inc(1)
	p.notify(TaskClaimed, task)

	return task, nil
}

// FetchUncomplete returns the Running tasks owned by workerID.
func (p *TaskPool) FetchUncomplete(ctx context.Context, workerID string) ([]*types.Task, error) {
	return p.ListTask(ctx, &workerID, []types.TaskState{types.TaskStateRunning})
}

// ListTask returns the tasks matching both filters (either may be nil),
// oldest first.
func (p *TaskPool) ListTask(ctx context.Context, workerID *string, states []types.TaskState) ([]*types.Task, error) {
	tasks, err := p.store.ListTasks(ctx, types.TaskFilter{WorkerID: workerID, States: states})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// RecordProof completes a Running task owned by workerID.
func (p *TaskPool) RecordProof(ctx context.Context, workerID, taskID, proof string) (bool, error) {
	task, err := p.store.UpdateTask(ctx, taskID, func(task *types.Task) error {
		return task.Complete(workerID, proof, p.clock.Now())
	})
	if err != nil {
		p.logReportError(err, "proof", workerID, taskID)
		return false, err
	}

	log.WithField("task", taskID).Infof("proof recorded by worker %s", workerID)
	p.metrics.Counter("tasks", "completed").Inc(1)
	p.notify(TaskCompleted, task)

	return true, nil
}

// RecordError fails a Running task owned by workerID.
func (p *TaskPool) RecordError(ctx context.Context, workerID, taskID, errMsg string) (bool, error) {
	task, err := p.store.UpdateTask(ctx, taskID, func(task *types.Task) error {
		return task.Fail(workerID, errMsg, p.clock.Now())
	})
	if err != nil {
		p.logReportError(err, "error", workerID, taskID)
		return false, err
	}

	log.WithField("task", taskID).Warnf("error recorded by worker %s: %s", workerID, errMsg)
	p.metrics.Counter("tasks", "failed").Inc(1)
	p.notify(TaskFailed, task)

	return true, nil
}

func (p *TaskPool) logReportError(err error, what, workerID, taskID string) {
	entry := log.WithError(err).WithFields(log.Fields{"task": taskID, "worker": workerID})
	if errors.Is(err, types.ErrStorage) {
		entry.Errorf("error recording %s", what)
		return
	}
	entry.Warnf("rejected %s report", what)
}

// RequeueExpired puts every Running task not updated within timeout back to
// Init and returns how many were requeued.
func (p *TaskPool) RequeueExpired(ctx context.Context, timeout time.Duration) (int, error) {
	running, err := p.ListTask(ctx, nil, []types.TaskState{types.TaskStateRunning})
	if err != nil {
		return 0, err
	}

	var n int
	for _, candidate := range running {
		task, err := p.store.UpdateTask(ctx, candidate.ID, func(task *types.Task) error {
			now := p.clock.Now()
			if task.State != types.TaskStateRunning || now.Sub(task.UpdatedAt) < timeout {
				return errLeaseValid
			}
			return task.Requeue(now)
		})
		if errors.Is(err, errLeaseValid) {
			continue
		}
		if err != nil {
			log.WithError(err).Errorf("error requeueing task %s", candidate.ID)
			return n, err
		}

		log.WithField("task", task.ID).Warnf("lease of worker %s expired, task requeued", task.WorkerID)
		p.metrics.Counter("tasks", "requeued").Inc(1)
		p.notify(TaskRequeued, task)
		n++
	}

	return n, nil
}

var errLeaseValid = errors.New("lease still valid")

// CountByState ...
func (p *TaskPool) CountByState(ctx context.Context) (map[types.TaskState]int, error) {
	tasks, err := p.store.ListTasks(ctx, types.TaskFilter{})
	if err != nil {
		return nil, err
	}

	counts := map[types.TaskState]int{
		types.TaskStateInit:      0,
		types.TaskStateRunning:   0,
		types.TaskStateCompleted: 0,
		types.TaskStateError:     0,
	}
	for _, task := range tasks {
		counts[task.State]++
	}
	return counts, nil
}

// LocalWorkerID returns the persisted id of the in-process worker.
func (p *TaskPool) LocalWorkerID(ctx context.Context) (string, error) {
	info, err := p.store.LocalWorker(ctx, func() string { return uuid.New().String() })
	if err != nil {
		return "", err
	}
	return info.ID, nil
}
