package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron"
	log "github.com/sirupsen/logrus"

	"github.com/gpuproxy/gpuproxy/types"
)

const minLeaseCheckInterval = time.Second

// JobFactory builds a scheduled job bound to a pool.
type JobFactory func(conf *Config, pool *TaskPool, metrics *Metrics) cron.Job

// JobSpec ...
type JobSpec struct {
	Schedule string
	Factory  JobFactory
}

func NewJobSpec(schedule string, factory JobFactory) JobSpec {
	return JobSpec{schedule, factory}
}

// Jobs returns the scheduled jobs enabled by conf, keyed by name.
func Jobs(conf *Config) map[string]JobSpec {
	jobs := make(map[string]JobSpec)

	if conf.StatsSchedule != "" {
		jobs["StatsJob"] = NewJobSpec(conf.StatsSchedule, NewStatsJob)
	}

	if conf.TaskLeaseTimeout.Duration > 0 {
		every := conf.TaskLeaseTimeout.Duration / 10
		if every < minLeaseCheckInterval {
			every = minLeaseCheckInterval
		}
		jobs["LeaseJob"] = NewJobSpec(fmt.Sprintf("@every %s", every), NewLeaseJob)
	}

	return jobs
}

// StartJobs schedules every job enabled by conf and starts the scheduler.
// The caller stops the returned scheduler on shutdown.
func StartJobs(conf *Config, pool *TaskPool, metrics *Metrics) (*cron.Cron, error) {
	if metrics == nil {
		metrics = NewMetrics("gpuproxy")
	}

	c := cron.New()

	for name, spec := range Jobs(conf) {
		job := spec.Factory(conf, pool, metrics)
		if err := c.AddJob(spec.Schedule, job); err != nil {
			log.WithError(err).Errorf("invalid schedule %q for %s", spec.Schedule, name)
			return nil, err
		}
		log.Infof("scheduled %s %s", name, spec.Schedule)
	}

	c.Start()
	return c, nil
}

// StatsJob publishes the number of tasks in each state as gauges.
type StatsJob struct {
	pool    *TaskPool
	metrics *Metrics
}

func NewStatsJob(conf *Config, pool *TaskPool, metrics *Metrics) cron.Job {
	return &StatsJob{pool: pool, metrics: metrics}
}

func (job *StatsJob) Run() {
	counts, err := job.pool.CountByState(context.Background())
	if err != nil {
		log.WithError(err).Warn("unable to count tasks")
		return
	}

	for state, n := range counts {
		job.metrics.Gauge("state", state.String()).Update(int64(n))
	}
	log.WithFields(log.Fields{
		"init":      counts[types.TaskStateInit],
		"running":   counts[types.TaskStateRunning],
		"completed": counts[types.TaskStateCompleted],
		"error":     counts[types.TaskStateError],
	}).Debug("updated task stats")
}

// LeaseJob requeues Running tasks whose owner has not reported within the
// lease timeout.
type LeaseJob struct {
	pool    *TaskPool
	timeout time.Duration
}

func NewLeaseJob(conf *Config, pool *TaskPool, metrics *Metrics) cron.Job {
	return &LeaseJob{pool: pool, timeout: conf.TaskLeaseTimeout.Duration}
}

func (job *LeaseJob) Run() {
	n, err := job.pool.RequeueExpired(context.Background(), job.timeout)
	if err != nil {
		log.WithError(err).Warn("error requeueing expired tasks")
		return
	}
	if n > 0 {
		log.Infof("requeued %d expired tasks", n)
	}
}
