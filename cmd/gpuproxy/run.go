package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gpuproxy/gpuproxy/internal"
)

const shutdownTimeout = 30 * time.Second

// RunCmd runs the proxy and, unless disabled, a local worker.
var RunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxy server with an optional local worker",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bindFlags(cmd.Flags())

		conf, err := loadConfig()
		if err != nil {
			return err
		}
		return runProxy(conf)
	},
}

func init() {
	RootCmd.AddCommand(RunCmd)

	fs := RunCmd.Flags()
	fs.String("db-dsn", "gpuproxy.db", "task store: sqlite file, bitcask://<dir> or postgres://...")
	fs.Bool("disable-worker", false, "do not run a local worker")
	fs.String("resource-type", internal.ResourceTypeDB, "resource backend (db or fs)")
	fs.String("resource-path", "", "resource directory for the fs backend")
	fs.Duration("resource-cache-ttl", 0, "keep read resources in memory for this long (0 disables)")
	fs.Duration("task-lease-timeout", 0, "requeue running tasks not reported within this long; must exceed the longest proof run or live proofs get computed twice (0 disables)")
	fs.String("stats-schedule", "@every 1m", "schedule of the task stats job")
	fs.String("amqp-url", "", "publish task events to this amqp broker")
	fs.String("amqp-exchange", "gpuproxy.tasks", "amqp exchange task events are published to")
	addWorkerFlags(fs)
}

func addWorkerFlags(fs *pflag.FlagSet) {
	fs.Int("max-c2", 1, "maximum number of proofs computed in parallel")
	fs.Duration("poll-interval", 10*time.Second, "how long to wait when no task is available")
	fs.Int("report-retries", 5, "how often a failed result report is retried")
	fs.String("prover-cmd", "", "external command computing a proof from the c2 input on stdin")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newProver(conf *internal.Config) (internal.Prover, error) {
	prover, err := internal.NewExecProver(conf.ProverCmd)
	if errors.Is(err, internal.ErrNoProver) {
		return nil, fmt.Errorf("%w: set --prover-cmd or run with --disable-worker", err)
	}
	return prover, err
}

func newNotifier(conf *internal.Config) (internal.Notifier, error) {
	if conf.AMQPURL == "" {
		return internal.NewNullNotifier(), nil
	}
	return internal.NewAMQPNotifier(conf.AMQPURL, conf.AMQPExchange)
}

func runProxy(conf *internal.Config) error {
	store, err := internal.NewStore(conf.DBDSN)
	if err != nil {
		return fmt.Errorf("error opening store %s: %w", conf.DBDSN, err)
	}
	defer store.Close()

	notifier, err := newNotifier(conf)
	if err != nil {
		return err
	}
	defer notifier.Close()

	metrics := internal.NewMetrics("gpuproxy")
	pool := internal.NewTaskPool(store, notifier, metrics)

	resource, err := internal.NewResource(conf, store)
	if err != nil {
		return err
	}

	jobs, err := internal.StartJobs(conf, pool, metrics)
	if err != nil {
		return err
	}
	defer jobs.Stop()

	ctx, cancel := signalContext()
	defer cancel()

	workerDone := make(chan struct{})
	if conf.DisableWorker {
		close(workerDone)
	} else {
		prover, err := newProver(conf)
		if err != nil {
			return err
		}

		workerID, err := pool.LocalWorkerID(ctx)
		if err != nil {
			return err
		}

		worker := internal.NewWorker(conf, workerID, pool, resource, prover, metrics)
		go func() {
			defer close(workerDone)
			worker.Run(ctx)
		}()
	}

	server := internal.NewServer(conf.URL, internal.NewProofService(pool, resource), metrics)

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down, waiting for running proofs")
	case err = <-errs:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
		cancel()
	}

	<-workerDone

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer scancel()
	if serr := server.Shutdown(sctx); serr != nil {
		log.WithError(serr).Warn("error shutting down server")
	}

	return err
}
