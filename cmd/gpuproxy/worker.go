package main

import (
	"github.com/spf13/cobra"

	"github.com/gpuproxy/gpuproxy/client"
	"github.com/gpuproxy/gpuproxy/identity"
	"github.com/gpuproxy/gpuproxy/internal"
)

// WorkerCmd runs a remote worker against a proxy.
var WorkerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a remote worker against the proxy at --url",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bindFlags(cmd.Flags())

		conf, err := loadConfig()
		if err != nil {
			return err
		}

		info, err := identity.LoadOrCreate(conf.WorkerIDPath)
		if err != nil {
			return err
		}

		prover, err := newProver(conf)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		cli := client.NewClient(conf.URL, nil)
		internal.NewWorker(conf, info.ID, cli, cli, prover, nil).Run(ctx)

		return nil
	},
}

func init() {
	RootCmd.AddCommand(WorkerCmd)

	fs := WorkerCmd.Flags()
	fs.String("worker-id-path", "~/.gpuproxy/worker.json", "file the worker identity is kept in")
	addWorkerFlags(fs)
}
