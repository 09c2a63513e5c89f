package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gpuproxy/gpuproxy/client"
	"github.com/gpuproxy/gpuproxy/types"
)

// TaskCmd groups the client side task commands.
var TaskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks on the proxy at --url",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit [flags] <phase1-output.json|->",
	Short: "Submit a C2 task from a phase 1 output file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		miner, _ := cmd.Flags().GetString("miner")
		sectorID, _ := cmd.Flags().GetUint64("sector-id")
		proverHex, _ := cmd.Flags().GetString("prover-id")

		var (
			proverID types.ProverID
			err      error
		)
		if proverHex != "" {
			proverID, err = types.ParseProverID(proverHex)
		} else {
			proverID, err = types.ProverIDFromMiner(miner)
		}
		if err != nil {
			return err
		}

		var phase1 []byte
		if args[0] == "-" {
			phase1, err = ioutil.ReadAll(os.Stdin)
		} else {
			phase1, err = ioutil.ReadFile(args[0])
		}
		if err != nil {
			return err
		}

		id, err := newClient().SubmitC2Task(context.Background(), phase1, miner, proverID, sectorID)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := newClient().GetTask(context.Background(), args[0])
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(task, "", "    ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, optionally filtered by worker and state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var workerID *string
		if cmd.Flags().Changed("worker") {
			w, _ := cmd.Flags().GetString("worker")
			workerID = &w
		}

		names, _ := cmd.Flags().GetStringSlice("state")
		states := make([]types.TaskState, 0, len(names))
		for _, name := range names {
			state, err := types.ParseTaskState(name)
			if err != nil {
				return err
			}
			states = append(states, state)
		}

		tasks, err := newClient().ListTask(context.Background(), workerID, states)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tMINER\tSTATE\tWORKER\tCREATED\tUPDATED")
		for _, task := range tasks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				task.ID, task.Miner, task.State, task.WorkerID,
				humanize.Time(task.CreatedAt), humanize.Time(task.UpdatedAt),
			)
		}
		return tw.Flush()
	},
}

func newClient() *client.Client {
	return client.NewClient(viper.GetString("url"), nil)
}

func init() {
	RootCmd.AddCommand(TaskCmd)
	TaskCmd.AddCommand(taskSubmitCmd, taskGetCmd, taskListCmd)

	taskSubmitCmd.Flags().StringP("miner", "m", "", "miner address, e.g. f01234")
	taskSubmitCmd.Flags().Uint64P("sector-id", "s", 0, "sector number")
	taskSubmitCmd.Flags().String("prover-id", "", "hex prover id (derived from an id miner address by default)")
	taskSubmitCmd.MarkFlagRequired("miner")

	taskListCmd.Flags().StringP("worker", "w", "", "only tasks held by this worker")
	taskListCmd.Flags().StringSliceP("state", "s", nil, "only tasks in these states (init, running, completed, error)")
}
