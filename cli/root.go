// Package cli is the maggma command-line interface: a single cobra
// command that loads one or more builder-description files, runs them
// through the runner in single-process or distributed mode, and exits
// nonzero on a fatal error, following the teacher's cobra+viper layered
// configuration pattern (flags > env > config file).
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maggma.dev/internal/mlog"
	"maggma.dev/registry"
	"maggma.dev/reporter"
	"maggma.dev/runner"
	"maggma.dev/store"
)

var cfgFile string

// RootCmd is the maggma entry point: `maggma [flags] builder.yaml...`.
var RootCmd = &cobra.Command{
	Use:   "maggma [flags] builder-description...",
	Short: "run one or more builders through the maggma execution engine",
	Long: `maggma runs scientific-ETL builders to completion.

Each positional argument names a YAML file holding a builder description,
or a list of them. Builders run sequentially, in the order given.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMain,
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.maggma.yaml)")

	RootCmd.Flags().Int("workers", 1, "worker pool size for single-process execution")
	RootCmd.Flags().String("verbosity", "info", "log verbosity: warn, info, or debug")
	RootCmd.Flags().String("reporter-target", "", "path to a serialized Store used as the build-event sink")

	RootCmd.Flags().String("distributed-manager", "", "distributed manager bus URL (enables manager mode)")
	RootCmd.Flags().Int("num-chunks", 0, "number of chunks to prechunk into (required with --distributed-manager)")

	RootCmd.Flags().String("distributed-worker", "", "distributed worker bus URL (enables worker mode)")

	RootCmd.Flags().Bool("mem-profile", false, "write one heap profile after all builders have run")
	RootCmd.Flags().String("mem-profile-dir", ".", "directory for heap profiles when --mem-profile is set")

	viper.BindPFlag("workers", RootCmd.Flags().Lookup("workers"))
	viper.BindPFlag("verbosity", RootCmd.Flags().Lookup("verbosity"))
	viper.BindPFlag("reporter_target", RootCmd.Flags().Lookup("reporter-target"))
	viper.BindPFlag("distributed_manager", RootCmd.Flags().Lookup("distributed-manager"))
	viper.BindPFlag("num_chunks", RootCmd.Flags().Lookup("num-chunks"))
	viper.BindPFlag("distributed_worker", RootCmd.Flags().Lookup("distributed-worker"))
	viper.BindPFlag("mem_profile", RootCmd.Flags().Lookup("mem-profile"))
	viper.BindPFlag("mem_profile_dir", RootCmd.Flags().Lookup("mem-profile-dir"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".maggma")
	}

	// MAGGMA_STORE_CREDENTIALS is the one environment variable spec.md §6
	// names explicitly; AutomaticEnv also covers every other bound key
	// (MAGGMA_WORKERS, MAGGMA_VERBOSITY, ...).
	viper.SetEnvPrefix("maggma")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}

func runMain(cmd *cobra.Command, args []string) error {
	logger := mlog.New(viper.GetString("verbosity"))
	entry := logrus.NewEntry(logger)
	entry.WithField("store_credentials", mlog.MaskSecret(os.Getenv("MAGGMA_STORE_CREDENTIALS"))).
		Debug("resolved configuration")

	reg := registry.Default()

	var specs []runner.BuilderSpec
	for _, path := range args {
		descs, err := loadDescriptors(path)
		if err != nil {
			return err
		}
		for i := range descs {
			d := descs[i]
			specs = append(specs, runner.BuilderSpec{Descriptor: &d})
		}
	}

	var rep *reporter.Reporter
	if target := viper.GetString("reporter_target"); target != "" {
		sink, err := store.NewBoltStore(target, "build_events", "build_id", "at")
		if err != nil {
			return fmt.Errorf("reporter target: %w", err)
		}
		rep = reporter.New(sink, 256, entry)
	}

	cfg := runner.Config{
		Registry:              reg,
		NumWorkers:            viper.GetInt("workers"),
		DistributedManagerURL: viper.GetString("distributed_manager"),
		DistributedWorkerURL:  viper.GetString("distributed_worker"),
		NumChunks:             viper.GetInt("num_chunks"),
		WorkerCount:           viper.GetInt("workers"),
		Reporter:              rep,
		Logger:                entry,
	}

	mode, err := resolveMode(cfg)
	if err != nil {
		return err
	}
	cfg.Mode = mode

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	r := runner.New(cfg)
	runErr := r.RunSpecs(ctx, specs)

	if viper.GetBool("mem_profile") {
		if err := writeMemProfile(viper.GetString("mem_profile_dir")); err != nil {
			entry.WithError(err).Warn("failed to write heap profile")
		}
	}

	return runErr
}

// resolveMode picks the execution mode implied by the distributed flags,
// enforcing spec.md §6's "requires num_chunks" / mutual-exclusivity
// rules.
func resolveMode(cfg runner.Config) (runner.Mode, error) {
	switch {
	case cfg.DistributedManagerURL != "" && cfg.DistributedWorkerURL != "":
		return 0, fmt.Errorf("--distributed-manager and --distributed-worker are mutually exclusive")
	case cfg.DistributedManagerURL != "":
		if cfg.NumChunks <= 0 {
			return 0, fmt.Errorf("--num-chunks is required with --distributed-manager")
		}
		return runner.ModeDistributedManager, nil
	case cfg.DistributedWorkerURL != "":
		return runner.ModeDistributedWorker, nil
	default:
		return runner.ModeSingleProcess, nil
	}
}
