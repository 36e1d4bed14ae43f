package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hanfei1991/workerplacement/lib/config"
	"github.com/hanfei1991/workerplacement/servermaster"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the server and launch the configured workloads",
	Long: `Start the placement server, spawn the configured hosts and launch
every [[workload]] of the config file. The outcome of each placement is
printed once it is known. The server keeps serving /status and /metrics
until it receives SIGINT or SIGTERM.`,
	RunE: runServer,
}

var runConfigFile string

func init() {
	runCmd.Flags().StringVar(&runConfigFile, "config", "", "Path to the TOML config file")
	runCmd.Flags().String("log-level", "", "Log level, overrides the config file")
	runCmd.Flags().String("status-addr", "", "Address of the status server, overrides the config file")
	rootCmd.AddCommand(runCmd)
}

func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if runConfigFile != "" {
		if err := cfg.LoadFile(runConfigFile); err != nil {
			return nil, err
		}
	}
	overlayFlags(flags, cfg)
	if err := cfg.Adjust(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayFlags copies the flags set on the command line over the values
// of the config file.
func overlayFlags(flags *pflag.FlagSet, cfg *config.Config) {
	flags.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "status-addr":
			cfg.StatusAddr = f.Value.String()
		}
	})
}

func initLogger(cfg *config.Config) error {
	logger, props, err := log.InitLogger(&log.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   log.FileLogConfig{Filename: cfg.LogFile},
	})
	if err != nil {
		return errors.Trace(err)
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	log.L().Info("starting placement server", zap.Stringer("config", cfg))

	specs, err := servermaster.WorkerSpecsFromConfig(cfg)
	if err != nil {
		return err
	}
	srv, err := servermaster.NewServer(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		srv.Close()
		return err
	}

	wg, wctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return srv.Run(ctx)
	})
	wg.Go(func() error {
		return launchWorkloads(wctx, cmd, srv, cfg, specs)
	})
	return wg.Wait()
}

func launchWorkloads(
	ctx context.Context, cmd *cobra.Command, srv *servermaster.Server,
	cfg *config.Config, specs []servermaster.WorkerSpec,
) error {
	out := cmd.OutOrStdout()
	for _, spec := range specs {
		ctrl, err := srv.LaunchWorker(spec)
		if err != nil {
			fmt.Fprintf(out, "%s %s: launch failed: %v\n", spec.Kind, spec.Principal, err)
			continue
		}
		waitCtx, cancel := context.WithTimeout(ctx, cfg.Timeouts.PlacementWait.Duration)
		pid, err := ctrl.WaitCreated(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "%s %s: worker %s not placed: %v\n", spec.Kind, spec.Principal, ctrl.WorkerID(), err)
			continue
		}
		fmt.Fprintf(out, "%s %s: worker %s running in process %d\n", spec.Kind, spec.Principal, ctrl.WorkerID(), pid)
	}
	return nil
}
