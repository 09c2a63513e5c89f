package internal

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

const maxPollBackoff = time.Minute

// Worker drives the claim, compute and report loop. It only talks to the
// pool through types.WorkerFetch and types.Resource, so the same Worker runs
// in-process (backed by a TaskPool) or remotely (backed by the RPC client).
type Worker struct {
	id       string
	fetcher  types.WorkerFetch
	resource types.Resource
	prover   Prover
	metrics  *Metrics

	maxJobs       int
	pollInterval  time.Duration
	retryBackoff  time.Duration
	reportRetries int
}

// NewWorker ...
func NewWorker(conf *Config, id string, fetcher types.WorkerFetch, resource types.Resource, prover Prover, metrics *Metrics) *Worker {
	if metrics == nil {
		metrics = NewMetrics("gpuproxy")
	}

	w := &Worker{
		id:       id,
		fetcher:  fetcher,
		resource: resource,
		prover:   prover,
		metrics:  metrics,

		maxJobs:       conf.MaxC2,
		pollInterval:  conf.PollInterval.Duration,
		retryBackoff:  conf.RetryBackoff.Duration,
		reportRetries: conf.ReportRetries,
	}
	if w.maxJobs < 1 {
		w.maxJobs = 1
	}
	if w.pollInterval <= 0 {
		w.pollInterval = time.Second
	}
	return w
}

// ID ...
func (w *Worker) ID() string { return w.id }

// Run resumes the tasks this worker already owns, then claims new ones until
// ctx is done. It returns once every job started has been reported, so
// cancelling ctx means "stop after the current jobs".
func (w *Worker) Run(ctx context.Context) {
	logger := log.WithField("worker", w.id)
	logger.Infof("worker started with %d parallel jobs", w.maxJobs)

	// a slot is taken before claiming, so the worker never holds a claim
	// it has no capacity to compute
	jobs := make(chan struct{}, w.maxJobs)

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		logger.Info("worker stopped")
	}()

	start := func(task *types.Task) {
		wg.Add(1)
		go func() {
			defer func() {
				<-jobs
				wg.Done()
			}()
			// reports must still go out after ctx is cancelled
			w.process(context.Background(), task)
		}()
	}

	acquire := func() bool {
		select {
		case jobs <- struct{}{}:
			return true
		case <-ctx.Done():
			return false
		}
	}

	uncompleted, err := w.fetcher.FetchUncomplete(ctx, w.id)
	if err != nil {
		logger.WithError(err).Error("error fetching uncompleted tasks")
	}
	for _, task := range uncompleted {
		if !acquire() {
			return
		}
		logger.WithField("task", task.ID).Info("resuming uncompleted task")
		start(task)
	}

	backoff := w.pollInterval
	for {
		if !acquire() {
			return
		}

		task, err := w.fetcher.FetchOneTodo(ctx, w.id)
		if err != nil {
			<-jobs

			delay := w.pollInterval
			if errors.Is(err, types.ErrNoTaskAvailable) {
				backoff = w.pollInterval
				logger.Debug("no task available")
			} else if ctx.Err() == nil {
				delay = backoff
				backoff *= 2
				if backoff > maxPollBackoff {
					backoff = maxPollBackoff
				}
				logger.WithError(err).Errorf("error fetching task, retrying in %s", delay)
			}

			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		backoff = w.pollInterval
		start(task)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) process(ctx context.Context, task *types.Task) {
	logger := log.WithFields(log.Fields{"task": task.ID, "worker": w.id})

	running := w.metrics.Counter("worker", "running")
	running.Inc(1)
	defer running.Dec(1)

	input, err := w.loadInput(ctx, task)
	if err != nil && types.CodeOf(err).Retryable() {
		logger.WithError(err).Error("resource unavailable, task stays running")
		w.metrics.Counter("worker", "abandoned").Inc(1)
		return
	}

	stime := time.Now()
	var proof []byte
	if err == nil {
		proof, err = w.prover.SealCommitPhase2(ctx, input)
		w.metrics.Timer("worker", "compute").UpdateSince(stime)
	}

	if err != nil {
		logger.WithError(err).Errorf("error computing proof (%s)", time.Since(stime))
		w.metrics.Counter("worker", "errors").Inc(1)
		w.report(ctx, task, "error", func(ctx context.Context) (bool, error) {
			return w.fetcher.RecordError(ctx, w.id, task.ID, err.Error())
		})
		return
	}

	logger.Infof("computed proof in %s", time.Since(stime))
	w.metrics.Counter("worker", "proofs").Inc(1)
	w.report(ctx, task, "proof", func(ctx context.Context) (bool, error) {
		return w.fetcher.RecordProof(ctx, w.id, task.ID, hex.EncodeToString(proof))
	})
}

// loadInput fetches and decodes the task's resource. Transient fetch
// failures are retried; a resource that cannot be decoded is an invalid
// task, not a transient fault.
func (w *Worker) loadInput(ctx context.Context, task *types.Task) (*types.C2Input, error) {
	var data []byte

	err := w.retry(ctx, "fetch resource "+task.ResourceID, func(ctx context.Context) error {
		var err error
		data, err = w.resource.GetResourceInfo(ctx, task.ResourceID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching resource %s: %w", task.ResourceID, err)
	}

	log.WithField("task", task.ID).Debugf("loaded resource %s (%s)", task.ResourceID, humanize.Bytes(uint64(len(data))))

	var input types.C2Input
	if err := json.Unmarshal(data, &input); err != nil {
		return nil, fmt.Errorf("%w: error decoding c2 input %s: %s", types.ErrInvalidParams, task.ResourceID, err)
	}
	return &input, nil
}

// report sends a task result, retrying transient failures. A task whose
// report is abandoned stays Running and is picked up again through
// FetchUncomplete when the worker restarts.
func (w *Worker) report(ctx context.Context, task *types.Task, what string, fn func(ctx context.Context) (bool, error)) {
	err := w.retry(ctx, "record "+what, func(ctx context.Context) error {
		_, err := fn(ctx)
		return err
	})
	if err == nil {
		return
	}

	logger := log.WithError(err).WithFields(log.Fields{"task": task.ID, "worker": w.id})
	if types.CodeOf(err).Retryable() {
		logger.Errorf("abandoning %s report, task stays running", what)
		w.metrics.Counter("worker", "abandoned").Inc(1)
		return
	}
	logger.Warnf("%s report rejected", what)
}

// retry calls fn until it succeeds, fails with a non retryable error or
// reportRetries retries are used up.
func (w *Worker) retry(ctx context.Context, what string, fn func(ctx context.Context) error) error {
	backoff := w.retryBackoff

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil || !types.CodeOf(err).Retryable() || attempt >= w.reportRetries {
			return err
		}

		log.WithError(err).Warnf("%s failed (attempt %d/%d), retrying in %s", what, attempt+1, w.reportRetries+1, backoff)
		time.Sleep(backoff)
		backoff *= 2
	}
}
