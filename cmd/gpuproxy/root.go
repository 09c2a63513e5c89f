package main

import (
	"fmt"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gpuproxy/gpuproxy"
	"github.com/gpuproxy/gpuproxy/internal"
)

// envPrefix is prepended to every flag when looked up in the environment,
// e.g. --max-c2 is C2PROXY_MAX_C2.
const envPrefix = "C2PROXY"

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:     "gpuproxy",
	Version: gpuproxy.FullVersion(),
	Short:   "Proxy that dispatches Filecoin C2 proofs to GPU workers",
	Long: `gpuproxy queues seal commit phase 2 (C2) proof jobs submitted by a
storage miner and hands them out to local or remote GPU workers.

Run the proxy with "gpuproxy run" and attach extra workers with
"gpuproxy worker --url <proxy>".`,
	SilenceUsage: true,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("debug") {
			log.SetLevel(log.DebugLevel)
		} else {
			log.SetLevel(log.InfoLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen
// once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringP("config", "c", "", "config file (yaml)")
	RootCmd.PersistentFlags().BoolP("debug", "D", false, "enable debug logging")
	RootCmd.PersistentFlags().StringP("url", "u", "127.0.0.1:8888", "proxy address to listen on or connect to")

	viper.BindPFlag("config", RootCmd.PersistentFlags().Lookup("config"))
	viper.BindPFlag("debug", RootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("url", RootCmd.PersistentFlags().Lookup("url"))
}

// initConfig reads ENV variables if set.
func initConfig() {
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	viper.BindEnv("db-dsn", envPrefix+"_DSN")
}

// bindFlags makes every flag of fs visible to viper under its own name.
func bindFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		viper.BindPFlag(f.Name, f)
	})
}

// loadConfig builds the configuration from the config file (if any) with
// explicitly set flags and environment variables on top.
func loadConfig() (*internal.Config, error) {
	var (
		conf *internal.Config
		err  error
	)

	if path := viper.GetString("config"); path != "" {
		conf, err = internal.Load(path)
		if err != nil {
			return nil, fmt.Errorf("error loading config %s: %w", path, err)
		}
	} else {
		conf = internal.NewConfig()
	}

	setString := func(key string, dst *string) {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}
	setString("url", &conf.URL)
	setString("db-dsn", &conf.DBDSN)
	setString("resource-type", &conf.ResourceType)
	setString("resource-path", &conf.ResourcePath)
	setString("stats-schedule", &conf.StatsSchedule)
	setString("prover-cmd", &conf.ProverCmd)
	setString("amqp-url", &conf.AMQPURL)
	setString("amqp-exchange", &conf.AMQPExchange)
	setString("worker-id-path", &conf.WorkerIDPath)

	if viper.IsSet("max-c2") {
		conf.MaxC2 = viper.GetInt("max-c2")
	}
	if viper.IsSet("report-retries") {
		conf.ReportRetries = viper.GetInt("report-retries")
	}
	if viper.IsSet("disable-worker") {
		conf.DisableWorker = viper.GetBool("disable-worker")
	}
	if viper.IsSet("debug") {
		conf.Debug = viper.GetBool("debug")
	}

	setDuration := func(key string, dst *internal.Duration) {
		if viper.IsSet(key) {
			*dst = internal.NewDuration(viper.GetDuration(key))
		}
	}
	setDuration("resource-cache-ttl", &conf.ResourceCacheTTL)
	setDuration("poll-interval", &conf.PollInterval)
	setDuration("task-lease-timeout", &conf.TaskLeaseTimeout)

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Debugf("configuration:\n%s", conf)
	return conf, nil
}
