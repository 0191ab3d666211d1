package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/communityview/cvmgr/internal/config"
	"github.com/communityview/cvmgr/internal/daemon"
	"github.com/communityview/cvmgr/internal/health"
	"github.com/communityview/cvmgr/internal/logger"
	"github.com/communityview/cvmgr/internal/manager"
	"github.com/communityview/cvmgr/internal/pipeline"
)

const defaultConfigPath = "/etc/cvmgr/config.toml"

func buildRoot() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "cvmgr",
		Short:         "Orchestration daemon for the community GIS backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")

	root.AddCommand(
		startCmd(&configPath),
		stopCmd(&configPath),
		statusCmd(&configPath),
		updateCmd(&configPath),
		healthCmd(&configPath),
		daemonCmd(&configPath),
	)
	return root
}

// setup loads config, builds the logger and wires the manager. The caller
// must Close the manager.
func setup(ctx context.Context, configPath string) (*manager.Manager, *config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.New(cfg.LogLevel, cfg.Log)
	mgr, err := manager.New(ctx, cfg, clockwork.NewRealClock(), log)
	if err != nil {
		return nil, nil, nil, err
	}
	return mgr, cfg, log, nil
}

func startCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start [service]",
		Short: "Start all supervised services, or one by name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer mgr.Close()
			if len(args) == 1 {
				return mgr.Supervisor().Start(cmd.Context(), args[0])
			}
			return mgr.StartServices(cmd.Context())
		},
	}
}

func stopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [service]",
		Short: "Stop all supervised services, or one by name",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer mgr.Close()
			if len(args) == 1 {
				return mgr.Supervisor().Stop(cmd.Context(), args[0])
			}
			return mgr.StopServices(cmd.Context())
		},
	}
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the reconciled state of every supervised service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer mgr.Close()

			rows := make([][]string, 0)
			for _, st := range mgr.Statuses(cmd.Context()) {
				pid := ""
				if st.PID > 0 {
					pid = strconv.Itoa(st.PID)
				}
				rows = append(rows, []string{
					st.Name, string(st.State), pid,
					strconv.FormatBool(st.Healthy), strconv.FormatBool(st.Required),
				})
			}
			fmt.Println(renderTable([]string{"SERVICE", "STATE", "PID", "HEALTHY", "REQUIRED"}, rows))
			return nil
		},
	}
}

func updateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Run one data-refresh pipeline cycle and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer mgr.Close()

			run, err := mgr.TriggerRun(cmd.Context())
			if err != nil {
				return err
			}
			printRun(run)
			if run.Status != pipeline.StatusSuccess {
				return fmt.Errorf("pipeline run %s finished with status %s", run.ID, run.Status)
			}
			return nil
		},
	}
}

func healthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run one health check cycle and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, _, err := setup(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer mgr.Close()

			rep := mgr.CheckHealth(cmd.Context())
			rows := make([][]string, 0, len(rep.Services)+1)
			for _, s := range rep.Services {
				rows = append(rows, []string{s.Name, string(s.Status), s.Error})
			}
			rows = append(rows, []string{"database", string(rep.Database), ""})
			fmt.Println(renderTable([]string{"DEPENDENCY", "STATUS", "DETAIL"}, rows))
			fmt.Printf("overall: %s\n", rep.Overall)
			if rep.Overall != health.StatusHealthy {
				return fmt.Errorf("health check reported %s", rep.Overall)
			}
			return nil
		},
	}
}

func daemonCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler loop until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log := logger.New(cfg.LogLevel, cfg.Log)
			return daemon.Run(cmd.Context(), cfg, log)
		},
	}
}

func printRun(run *pipeline.Run) {
	rows := make([][]string, 0, len(run.Stages))
	for _, st := range run.Stages {
		detail := st.Error
		for _, cr := range st.Counties {
			if cr.Status != pipeline.StatusSuccess {
				if detail != "" {
					detail += "; "
				}
				detail += cr.County + ": " + cr.Error
			}
		}
		rows = append(rows, []string{
			st.Stage, string(st.Status),
			st.FinishedAt.Sub(st.StartedAt).Round(time.Millisecond).String(),
			detail,
		})
	}
	fmt.Println(renderTable([]string{"STAGE", "STATUS", "DURATION", "DETAIL"}, rows))
	fmt.Printf("run %s: %s (%d counties ok, %d failed)\n",
		run.ID, run.Status, len(run.CountiesOK), len(run.CountiesFailed))
}
