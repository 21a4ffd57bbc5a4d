package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/manchtools/power-manage/provisioner/internal/assets"
	"github.com/manchtools/power-manage/provisioner/internal/executor"
	"github.com/manchtools/power-manage/provisioner/internal/logsink"
	"github.com/manchtools/power-manage/provisioner/internal/provision"
	"github.com/manchtools/power-manage/provisioner/internal/setup"
	"github.com/manchtools/power-manage/provisioner/internal/store"
)

func newRunCmd(opts *options) *cobra.Command {
	var (
		assumeYes bool
		noReboot  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Provision the device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, closer := commandLogger(cfg)
			defer closer.Close()

			elevation, err := executor.ParseElevation(cfg.Elevation)
			if err != nil {
				return err
			}
			toolMode, err := cfg.FileMode()
			if err != nil {
				return err
			}
			runner := executor.NewRunner(elevation, logger)

			digests := make(map[assets.ID]string, len(cfg.Digests))
			for id, sum := range cfg.Digests {
				digests[assets.ID(id)] = sum
			}
			bundle := assets.NewDirBundle(cfg.AssetDir, cfg.StagingDir, digests, logger)

			stdout := cmd.OutOrStdout()
			colored := isTerminal(os.Stdout)
			sink := logsink.Multi{logsink.NewConsole(stdout, colored)}
			if cfg.Log.File != "" {
				sink = append(sink, logsink.NewSlog(logger))
			}

			var journal provision.Journal
			db, err := store.New(cfg.DataDir)
			if err != nil {
				logger.Warn("run journal unavailable", "data_dir", cfg.DataDir, "error", err)
			} else {
				defer db.Close()
				journal = db
			}

			lifecycle := &deviceLifecycle{
				exec:    runner,
				in:      cmd.InOrStdin(),
				out:     stdout,
				logger:  logger,
				confirm: !assumeYes && isTerminal(os.Stdin) && colored,
			}

			p, err := provision.New(runner, bundle, sink, lifecycle, journal, provision.Options{
				Layout:           layoutFor(cfg),
				Staging:          cfg.StagingDir,
				NativeLibDir:     cfg.NativeLibDir,
				FrameworkVersion: cfg.FrameworkVersion,
				ToolMode:         toolMode,
				Reboot:           cfg.Reboot && !noReboot,
			}, logger)
			if err != nil {
				return err
			}

			result, runErr := p.Run(cmd.Context())
			if db != nil && cfg.KeepRuns > 0 {
				if _, err := db.PruneRuns(cfg.KeepRuns); err != nil {
					logger.Warn("failed to prune run journal", "error", err)
				}
			}
			if runErr != nil {
				var stepErr *provision.StepError
				if errors.As(runErr, &stepErr) {
					return fmt.Errorf("provisioning stopped at %s (%s): %w", stepErr.Step, executor.KindOf(runErr), stepErr.Err)
				}
				return runErr
			}

			printSummary(stdout, result)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Reboot without asking")
	cmd.Flags().BoolVar(&noReboot, "no-reboot", false, "Do not reboot after a successful run")
	return cmd
}

func newPlanCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Print the files a run installs, in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			toolMode, err := cfg.FileMode()
			if err != nil {
				return err
			}
			return printPlan(cmd.OutOrStdout(), layoutFor(cfg), cfg.FrameworkVersion, toolMode)
		},
	}
}

func newPreviewConfCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "preview-conf [file]",
		Short: "Show how the Bluetooth configuration would be changed",
		Long: `Show how a Bluetooth main.conf would be changed to enable LE support.
The file is only read. Without an argument the device configuration is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				cfg, err := loadConfig(cmd, opts)
				if err != nil {
					return err
				}
				path = layoutFor(cfg).ConfigFile
			}

			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			printConfPreview(cmd.OutOrStdout(), path, content)
			return nil
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List past runs, or show one run in detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			db, err := store.New(cfg.DataDir)
			if err != nil {
				return err
			}
			defer db.Close()

			out := cmd.OutOrStdout()
			if len(args) == 1 {
				run, err := db.GetRun(args[0])
				if err != nil {
					return err
				}
				if run == nil {
					return fmt.Errorf("run %s not found", args[0])
				}
				printRun(out, run)
				return nil
			}

			runs, err := db.ListRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded")
				return nil
			}
			printRuns(out, runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to list")
	return cmd
}

func newSetupCmd(opts *options) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Install a sudoers drop-in allowing the provisioner's commands",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			names := append([]string{}, setup.Commands...)
			names = append(names, layoutFor(cfg).Launcher)
			commands, err := setup.ResolveCommands(exec.LookPath, names...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Installing sudoers for user: %s\n", user)
			if err := setup.InstallSudoers(user, commands); err != nil {
				return err
			}
			fmt.Fprintf(out, "Sudoers installed to %s\n", setup.SudoersPath(user))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "provision", "User allowed to run the provisioner's commands")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "btle-provisioner %s\n", version)
		},
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
