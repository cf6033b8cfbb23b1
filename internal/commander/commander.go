// Package commander runs one ssh-commander invocation: it resolves hosts,
// trust and authentication once, then dispatches the commands to every host.
package commander

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"

	"ssh-commander/internal/auth"
	"ssh-commander/internal/config"
	"ssh-commander/internal/console"
	"ssh-commander/internal/errors"
	"ssh-commander/internal/executor"
	"ssh-commander/internal/hostlist"
	"ssh-commander/internal/logging"
	"ssh-commander/internal/output"
	"ssh-commander/internal/pipeline"
	"ssh-commander/internal/progress"
	"ssh-commander/internal/ssh"
	"ssh-commander/internal/stats"
	"ssh-commander/internal/trust"
)

// Options describes one run.
type Options struct {
	HostFile string
	User     string
	Commands string

	Port         int
	IdentityFile string
	TrustUnknown bool
	KnownHosts   string
	SaveHostKeys bool

	Concurrency    int
	Pipeline       pipeline.Config
	ConnectTimeout time.Duration

	Output       output.OutputMode
	DryRun       bool
	ShowProgress bool
	ShowStats    bool
	MetricsFile  string
}

// OptionsFromConfig builds run options from the merged configuration and
// the positional arguments.
func OptionsFromConfig(cfg *config.Config, hostFile, user, commands string) (Options, error) {
	concurrency, err := executor.ParseConcurrency(cfg.Concurrency)
	if err != nil {
		return Options{}, errors.NewSetupError("invalid configuration", err)
	}
	mode, err := output.ParseMode(cfg.Output)
	if err != nil {
		return Options{}, errors.NewSetupError("invalid configuration", err)
	}

	knownHosts := cfg.KnownHosts
	if knownHosts == "" {
		knownHosts = trust.DefaultKnownHostsPath()
	}

	return Options{
		HostFile:     hostFile,
		User:         user,
		Commands:     commands,
		Port:         cfg.Port,
		IdentityFile: cfg.IdentityFile,
		TrustUnknown: cfg.TrustUnknown,
		KnownHosts:   knownHosts,
		SaveHostKeys: cfg.SaveHostKeys,
		Concurrency:  concurrency,
		Pipeline: pipeline.Config{
			SettleDelay: cfg.SettleDelay,
			BufferSize:  cfg.BufferSize,
			ReadTimeout: cfg.ReadTimeout,
		},
		ConnectTimeout: cfg.ConnectTimeout,
		Output:         mode,
		DryRun:         cfg.DryRun,
		ShowProgress:   cfg.ShowProgress,
		ShowStats:      cfg.ShowStats,
		MetricsFile:    cfg.MetricsFile,
	}, nil
}

// ConnectorFactory builds the connector used by the executor.
type ConnectorFactory func(creds *ssh.Credentials, opts ...ssh.Option) executor.Connector

// Runner carries the collaborators of a run. The zero value is not usable;
// use NewRunner.
type Runner struct {
	Loader       hostlist.Loader
	Confirmer    trust.Confirmer
	Prompter     auth.Prompter
	SSHDir       string
	AgentSocket  string
	NewConnector ConnectorFactory
	Stdout       io.Writer
	Stderr       io.Writer
	Logger       *logging.Logger
}

// NewRunner returns a runner wired to the terminal and the user's SSH setup.
func NewRunner(logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	// The trust question and the password prompt read the same stdin.
	stdin := console.NewLineReader(os.Stdin)
	return &Runner{
		Loader:      hostlist.NewLoader(logger),
		Confirmer:   trust.NewPromptConfirmer(stdin, os.Stderr),
		Prompter:    auth.NewTerminalPrompter(stdin),
		SSHDir:      auth.DefaultSSHDir(),
		AgentSocket: os.Getenv("SSH_AUTH_SOCK"),
		NewConnector: func(creds *ssh.Credentials, opts ...ssh.Option) executor.Connector {
			return ssh.NewSessionManager(creds, opts...)
		},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: logger,
	}
}

// Run executes the whole lifecycle. Every error it returns happened before
// dispatch; once hosts are contacted, failures stay with their host and Run
// returns nil.
func (r *Runner) Run(ctx context.Context, opts Options) error {
	if r.Logger == nil {
		r.Logger = logging.Discard()
	}

	hosts, err := r.Loader.Load(opts.HostFile)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		return errors.ErrNoHosts
	}

	commands := pipeline.SplitCommands(opts.Commands)
	if len(commands) == 0 {
		r.Logger.Warn("no commands to send, hosts will only be connected", "commands", opts.Commands)
	}

	store, err := trust.OpenKnownHosts(opts.KnownHosts, r.Logger)
	if err != nil {
		return errors.NewSetupError("can't load known hosts", err)
	}

	if opts.DryRun {
		return r.dryRun(hosts, commands, store, opts)
	}

	resolver := &trust.Resolver{Store: store, Confirmer: r.Confirmer, Logger: r.Logger}
	decision, err := resolver.Resolve(ctx, hosts, opts.Port, opts.TrustUnknown)
	if err != nil {
		return err
	}

	selector := &auth.Selector{
		SSHDir:      r.SSHDir,
		AgentSocket: r.AgentSocket,
		Prompter:    r.Prompter,
		Logger:      r.Logger,
	}
	strategy, err := selector.Select(ctx, opts.IdentityFile)
	if err != nil {
		return err
	}
	defer strategy.Close()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before dispatch: %v", errors.ErrInterrupted, err)
	}

	creds := &ssh.Credentials{
		User:              opts.User,
		Port:              opts.Port,
		Auth:              strategy,
		TrustUnknownHosts: decision.AcceptUnknown,
	}
	connector := r.NewConnector(creds,
		ssh.WithHostKeyCallback(store.HostKeyCallback(decision.AcceptUnknown, opts.SaveHostKeys)),
		ssh.WithConnectTimeout(opts.ConnectTimeout),
		ssh.WithLogger(r.Logger),
	)

	exec := executor.NewExecutor(connector, pipeline.New(opts.Pipeline, r.Logger), r.Logger)
	exec.SetConfig(executor.ExecutorConfig{Concurrency: opts.Concurrency})

	formatter := output.NewFormatter(opts.Output, r.Stdout)
	if !isTerminal(r.Stdout) {
		formatter.EnableColor(false)
	}
	recorder := stats.NewRecorder(len(hosts))
	tracker := progress.NewTracker(len(hosts), r.Stderr, opts.ShowProgress)

	for result := range exec.Execute(ctx, hosts, commands) {
		recorder.Observe(result)
		tracker.Observe(result.Err != nil)
		if result.Err != nil {
			r.Logger.Error("host failed",
				"host", result.Host,
				"error_type", errors.ClassifyError(result.Err).Type.String(),
				"error", result.Err.Error(),
			)
		}
		if err := formatter.Format(result); err != nil {
			r.Logger.Error("failed to format output", "host", result.Host, "error", err.Error())
		}
	}

	tracker.Finish()
	if err := formatter.Finalize(); err != nil {
		r.Logger.Error("failed to finalize output", "error", err.Error())
	}

	if opts.ShowStats {
		recorder.WriteSummary(r.Stderr)
	}
	if opts.MetricsFile != "" {
		if err := recorder.WriteTextfile(opts.MetricsFile); err != nil {
			r.Logger.Error("failed to write metrics", "path", opts.MetricsFile, "error", err.Error())
		}
	}

	return nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (r *Runner) dryRun(hosts hostlist.HostList, commands []string, store *trust.KnownHostsStore, opts Options) error {
	w := r.Stdout
	unknown := store.Unknown(hosts, opts.Port)

	method := auth.MethodPassword
	switch {
	case opts.IdentityFile != "":
		method = auth.MethodIdentityFile
	case auth.HasDefaultKeys(r.SSHDir):
		method = auth.MethodDefaultKeys
	}

	workers := opts.Concurrency
	if workers <= 0 || workers > len(hosts) {
		workers = len(hosts)
	}

	fmt.Fprintln(w, "ssh-commander Dry Run - Execution Plan")
	fmt.Fprintln(w, "=====================================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Configuration:")
	fmt.Fprintf(w, "  User: %s\n", opts.User)
	fmt.Fprintf(w, "  Port: %d\n", opts.Port)
	fmt.Fprintf(w, "  Authentication: %s\n", method)
	if opts.IdentityFile != "" {
		fmt.Fprintf(w, "  Identity File: %s\n", opts.IdentityFile)
	}
	fmt.Fprintf(w, "  Known Hosts: %s\n", store.Path())
	fmt.Fprintf(w, "  Settle Delay: %v\n", opts.Pipeline.SettleDelay)
	fmt.Fprintf(w, "  Buffer Size: %d bytes\n", opts.Pipeline.BufferSize)
	fmt.Fprintf(w, "  Output Format: %s\n", opts.Output)
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Commands (%d):\n", len(commands))
	for i, cmd := range commands {
		fmt.Fprintf(w, "  %d. %s\n", i+1, cmd)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Hosts (%d, %d workers):\n", len(hosts), workers)
	isUnknown := make(map[string]bool, len(unknown))
	for _, h := range unknown {
		isUnknown[h] = true
	}
	for i, h := range hosts {
		if isUnknown[h] {
			fmt.Fprintf(w, "  %d. %s (unknown host key)\n", i+1, h)
		} else {
			fmt.Fprintf(w, "  %d. %s\n", i+1, h)
		}
	}
	fmt.Fprintln(w)

	if len(unknown) > 0 && !opts.TrustUnknown {
		fmt.Fprintf(w, "%d unknown hosts would require confirmation.\n", len(unknown))
	}
	fmt.Fprintln(w, "Note: This is a dry run. No SSH connections will be established.")
	fmt.Fprintln(w, "To execute for real, remove the --dry-run flag.")

	return nil
}
