package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/manchtools/power-manage/provisioner/internal/config"
	"github.com/manchtools/power-manage/provisioner/internal/provision"
)

// options holds the global flags. Flags only override the configuration
// when they are set explicitly.
type options struct {
	configPath       string
	root             string
	stagingDir       string
	assetDir         string
	nativeLibDir     string
	frameworkVersion string
	elevation        string
	dataDir          string
	toolMode         string
	logLevel         string
	logFormat        string
	logFile          string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "btle-provisioner",
		Short: "Install the Bluetooth LE framework onto a device system partition",
		Long: `btle-provisioner installs the Bluetooth LE framework, its command-line tools,
permission manifest and launcher onto a read-only system partition, enables LE
support in the Bluetooth configuration and wraps the network daemon.

Every step is safe to re-run. The system partition is remounted read-write
only while a file is being changed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "Config file (default "+config.DefaultPath+" if present)")
	flags.StringVar(&opts.root, "root", "", "Relocate all system paths below this directory")
	flags.StringVar(&opts.stagingDir, "staging-dir", "", "Private work directory for staged files")
	flags.StringVar(&opts.assetDir, "asset-dir", "", "Directory holding the bundled assets")
	flags.StringVar(&opts.nativeLibDir, "native-lib-dir", "", "Directory holding lib<tool>.so files")
	flags.StringVar(&opts.frameworkVersion, "framework-version", "", "Framework version used in the staged jar name")
	flags.StringVar(&opts.elevation, "elevation", "", "How to gain root: sudo, su or none")
	flags.StringVar(&opts.dataDir, "data-dir", "", "Directory for the run journal")
	flags.StringVar(&opts.toolMode, "tool-mode", "", "Octal mode for installed tools")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flags.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json)")
	flags.StringVar(&opts.logFile, "log-file", "", "Write the structured log to a rotating file")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newPlanCmd(opts),
		newPreviewConfCmd(opts),
		newHistoryCmd(opts),
		newSetupCmd(opts),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig reads the config file, environment and explicit flags, in that
// order of precedence from lowest to highest, and validates the result.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	path := opts.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultPath); err == nil {
			path = config.DefaultPath
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", config.DefaultPath, err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	overrides := []struct {
		flag  string
		value string
		field *string
	}{
		{"root", opts.root, &cfg.Root},
		{"staging-dir", opts.stagingDir, &cfg.StagingDir},
		{"asset-dir", opts.assetDir, &cfg.AssetDir},
		{"native-lib-dir", opts.nativeLibDir, &cfg.NativeLibDir},
		{"framework-version", opts.frameworkVersion, &cfg.FrameworkVersion},
		{"elevation", opts.elevation, &cfg.Elevation},
		{"data-dir", opts.dataDir, &cfg.DataDir},
		{"tool-mode", opts.toolMode, &cfg.ToolMode},
		{"log-level", opts.logLevel, &cfg.Log.Level},
		{"log-format", opts.logFormat, &cfg.Log.Format},
		{"log-file", opts.logFile, &cfg.Log.File},
	}
	for _, o := range overrides {
		if cmd.Flags().Changed(o.flag) {
			*o.field = o.value
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// layoutFor returns the system layout selected by cfg.
func layoutFor(cfg *config.Config) provision.Layout {
	layout := provision.DefaultLayout()
	layout.MountPoint = cfg.MountPoint
	return layout.Under(cfg.Root)
}

// commandLogger sets up the structured log for a command. The returned
// closer flushes the log file, if any.
func commandLogger(cfg *config.Config) (*slog.Logger, io.Closer) {
	out := logOutput(cfg.Log.File)
	return setupLogger(cfg.Log.Level, cfg.Log.Format, out), out
}
