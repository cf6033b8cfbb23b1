package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ssh-commander/internal/commander"
	"ssh-commander/internal/config"
	"ssh-commander/internal/errors"
	"ssh-commander/internal/logging"

	"github.com/spf13/cobra"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// flags holds the command-line values before they are merged over the
// loaded configuration.
type flags struct {
	port           int
	identityFile   string
	trustUnknown   bool
	knownHosts     string
	saveHostKeys   bool
	concurrency    string
	settleDelay    time.Duration
	bufferSize     int
	readTimeout    time.Duration
	connectTimeout time.Duration
	outputMode     string
	quiet          bool
	dryRun         bool
	logLevel       string
	logFormat      string
	showProgress   bool
	showStats      bool
	metricsFile    string
}

// runFunc executes a run; replaced in tests.
type runFunc func(ctx context.Context, logger *logging.Logger, opts commander.Options) error

func defaultRun(ctx context.Context, logger *logging.Logger, opts commander.Options) error {
	return commander.NewRunner(logger).Run(ctx, opts)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(defaultRun).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(errors.ExitCode(err))
	}
}

func newRootCmd(run runFunc) *cobra.Command {
	var (
		f   flags
		cfg *config.Config
		mgr *config.ViperManager
	)

	cmd := &cobra.Command{
		Use:   "ssh-commander FILE USER COMMANDS",
		Short: "Send the same commands to many SSH hosts at once",
		Long: `ssh-commander reads a list of IP addresses from FILE, logs in to each of
them as USER and sends COMMANDS, a comma-separated list, through an
interactive shell. The output of every host is printed with the host tag.

Unknown host keys are confirmed once for the whole run, and the password
is asked at most once when no SSH key is available.

Examples:
  # Run two commands on every host of hosts.txt
  ssh-commander hosts.txt admin "uptime, df -h"

  # Use a specific key on a non-default port
  ssh-commander -i ~/.ssh/deploy -p 2222 hosts.txt deploy "systemctl status nginx"

  # Trust unknown hosts without asking and emit JSON
  ssh-commander -T --output json hosts.txt admin hostname

  # Show the execution plan only
  ssh-commander --dry-run hosts.txt admin "uname -a"

Environment variables:
  ` + strings.Join(config.GetEnvVarNames(), "\n  "),
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildTime),
		Args:          cobra.ExactArgs(3),
		SilenceErrors: true,
		SilenceUsage:  true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			mgr = config.NewManager()
			loaded, err := mgr.Load()
			if err != nil {
				return errors.NewSetupError("failed to load configuration", err)
			}
			cfg = loaded

			if err := overrideConfigWithFlags(cmd, cfg, &f); err != nil {
				return errors.NewSetupError("failed to apply CLI flags", err)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewLoggerFromConfig(cfg.LogLevel, cfg.LogFormat, cfg.Quiet)
			if used := mgr.ConfigFileUsed(); used != "" {
				logger.LogConfigLoad(used)
			} else {
				logger.LogConfigLoad("defaults, environment and CLI flags")
			}

			opts, err := commander.OptionsFromConfig(cfg, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return run(cmd.Context(), logger, opts)
		},
	}

	fs := cmd.Flags()
	fs.IntVarP(&f.port, "port", "p", 22, "Remote SSH port")
	fs.StringVarP(&f.identityFile, "identity_file", "i", "", "Private key used for every host")
	fs.BoolVarP(&f.trustUnknown, "trust_unknown", "T", false, "Connect to hosts missing from known_hosts without asking")
	fs.StringVar(&f.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	fs.BoolVar(&f.saveHostKeys, "save-host-keys", false, "Append accepted unknown host keys to the known_hosts file")
	fs.StringVar(&f.concurrency, "concurrency", "auto", "Hosts handled at once ('auto' or number)")
	fs.DurationVar(&f.settleDelay, "settle-delay", time.Second, "Wait after each command before reading its output")
	fs.IntVar(&f.bufferSize, "buffer-size", 8000, "Bytes read after each command")
	fs.DurationVar(&f.readTimeout, "read-timeout", 10*time.Second, "Longest wait for output after each command")
	fs.DurationVar(&f.connectTimeout, "connect-timeout", 10*time.Second, "Dial and handshake timeout per host")
	fs.StringVar(&f.outputMode, "output", "streamed", "Output format (streamed, buffered, json)")
	fs.BoolVar(&f.quiet, "quiet", false, "Suppress non-error logging")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Show execution plan without connecting")
	fs.StringVar(&f.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.logFormat, "log-format", "text", "Log format (json, text)")
	fs.BoolVar(&f.showProgress, "progress", false, "Draw a host completion bar on stderr")
	fs.BoolVar(&f.showStats, "stats", false, "Print run statistics at the end")
	fs.StringVar(&f.metricsFile, "metrics-file", "", "Write run metrics in Prometheus text format to this file")

	return cmd
}

func overrideConfigWithFlags(cmd *cobra.Command, cfg *config.Config, f *flags) error {
	fs := cmd.Flags()

	// Override configuration with CLI flags if they were explicitly set
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("identity_file") {
		cfg.IdentityFile = f.identityFile
	}
	if fs.Changed("trust_unknown") {
		cfg.TrustUnknown = f.trustUnknown
	}
	if fs.Changed("known-hosts") {
		cfg.KnownHosts = f.knownHosts
	}
	if fs.Changed("save-host-keys") {
		cfg.SaveHostKeys = f.saveHostKeys
	}
	if fs.Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if fs.Changed("settle-delay") {
		cfg.SettleDelay = f.settleDelay
	}
	if fs.Changed("buffer-size") {
		cfg.BufferSize = f.bufferSize
	}
	if fs.Changed("read-timeout") {
		cfg.ReadTimeout = f.readTimeout
	}
	if fs.Changed("connect-timeout") {
		cfg.ConnectTimeout = f.connectTimeout
	}
	if fs.Changed("output") {
		cfg.Output = f.outputMode
	}
	if fs.Changed("quiet") {
		cfg.Quiet = f.quiet
	}
	if fs.Changed("dry-run") {
		cfg.DryRun = f.dryRun
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = f.logFormat
	}
	if fs.Changed("progress") {
		cfg.ShowProgress = f.showProgress
	}
	if fs.Changed("stats") {
		cfg.ShowStats = f.showStats
	}
	if fs.Changed("metrics-file") {
		cfg.MetricsFile = f.metricsFile
	}

	return config.Validate(cfg)
}
