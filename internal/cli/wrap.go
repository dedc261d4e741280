package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"regexp"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/relay/internal/config"
	"github.com/Dicklesworthstone/relay/internal/inject"
	"github.com/Dicklesworthstone/relay/internal/mailbox"
	"github.com/Dicklesworthstone/relay/internal/output"
	"github.com/Dicklesworthstone/relay/internal/parser"
	"github.com/Dicklesworthstone/relay/internal/protocol"
	"github.com/Dicklesworthstone/relay/internal/stuck"
	"github.com/Dicklesworthstone/relay/internal/wrapper"
)

var (
	wrapAgent    string
	wrapResume   string
	wrapTriggers []string
	wrapNoDetect bool
)

var wrapCmd = &cobra.Command{
	Use:   "wrap --agent NAME -- COMMAND [ARGS...]",
	Short: "Run an agent process under the relay wrapper",
	Long: `Run an agent CLI under the relay wrapper.

The wrapper scans the process output for relay triggers, forwards them to
the daemon, and injects inbound messages into the process stdin whenever
the terminal looks idle. The agent's own output still reaches your
terminal.

Examples:
  relay wrap --agent builder -- claude
  relay wrap --agent reviewer --triggers arrow,at -- codex --full-auto
  relay wrap --agent builder --resume TOKEN -- claude --continue`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWrap,
}

func init() {
	wrapCmd.Flags().StringVar(&wrapAgent, "agent", "", "agent name announced to the daemon")
	wrapCmd.Flags().StringVar(&wrapResume, "resume", "", "resume token from a previous session")
	wrapCmd.Flags().StringSliceVar(&wrapTriggers, "triggers", nil, "trigger syntaxes to scan for (arrow, at)")
	wrapCmd.Flags().BoolVar(&wrapNoDetect, "no-stuck-detection", false, "disable the stuck detector")
	rootCmd.AddCommand(wrapCmd)
}

// triggerPrefixes maps config/flag trigger names to parser prefixes.
func triggerPrefixes(names []string) []string {
	var prefixes []string
	for _, name := range names {
		switch name {
		case "arrow":
			prefixes = append(prefixes, parser.DefaultPrefix)
		case "at":
			prefixes = append(prefixes, parser.AltPrefix)
		}
	}
	return prefixes
}

// syncWriter serializes writes from the stdin relay and the injector.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func runWrap(cmd *cobra.Command, args []string) error {
	agent := wrapAgent
	if agent == "" {
		agent = cfg.Agent.Name
	}
	if agent == "" && wrapResume == "" {
		return output.NewCLIError("no agent name").
			WithHint("pass --agent or set agent.name in config.toml")
	}

	triggers := wrapTriggers
	if len(triggers) == 0 {
		triggers = cfg.Parser.Triggers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	child := exec.CommandContext(ctx, args[0], args[1:]...)
	child.Stderr = os.Stderr
	stdout, err := child.StdoutPipe()
	if err != nil {
		return err
	}
	stdin, err := child.StdinPipe()
	if err != nil {
		return err
	}
	input := &syncWriter{w: stdin}

	var detector *stuck.Detector
	if !wrapNoDetect {
		detector = stuck.New(stuckConfig())
	}

	templates, err := config.LoadSpawnTemplates(config.DefaultSpawnTemplatesPath())
	if err != nil {
		slog.Warn("spawn templates unavailable", "error", err)
	}

	w, err := wrapper.New(wrapper.Config{
		Agent:           agent,
		SocketPath:      cfg.Daemon.SocketPath,
		Input:           input,
		Display:         os.Stdout,
		TriggerPrefixes: triggerPrefixes(triggers),
		ConfidenceThreshold: cfg.Inject.ConfidenceThreshold,
		MaxRetries:          cfg.Inject.MaxRetries,
		Strategy: &inject.QuietWindowStrategy{
			QuietWindow:         time.Duration(cfg.Inject.QuietWindowMs) * time.Millisecond,
			FullConfidenceAfter: 30 * time.Second,
		},
		Detector:     detector,
		Capabilities: protocol.Capabilities{Ack: true, Resume: true},
		ResumeToken:  wrapResume,
		OnSpawn:      spawnHandler(templates),
		OnRelease: func(name string) {
			slog.Info("release requested", "name", name)
		},
		Logger: slog.Default(),
	})
	if err != nil {
		return output.NewCLIError("cannot connect to daemon").
			WithCause(err.Error()).
			WithHint("start it with: relay daemon")
	}

	if token := w.Client().Welcome().ResumeToken; token != "" {
		fmt.Fprintf(os.Stderr, "relay: session resume token: %s\n", token)
	}

	if err := child.Start(); err != nil {
		w.Client().Close()
		return fmt.Errorf("starting %s: %w", args[0], err)
	}

	// Keystrokes still reach the child while the wrapper owns its stdin.
	go io.Copy(input, os.Stdin)

	// Injection socket for external tools (relay inject, dashboards).
	injectSrv := inject.NewServer(cfg.InjectSocketPath(agent), w,
		inject.WithMaxQueue(cfg.Inject.MaxQueue),
		inject.WithLogger(slog.Default()),
	)
	go func() {
		if err := injectSrv.Serve(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("injection socket failed", "error", err)
		}
	}()
	defer injectSrv.Close()

	// Supervised outbox path: claim mailbox drops and route them like
	// triggers.
	sup := mailbox.NewSupervisor(
		mailbox.New(cfg.MailboxPath(agent), slog.Default()),
		w.HandleOutbox,
		mailbox.SupervisorConfig{
			PollInterval: time.Duration(cfg.Mailbox.PollIntervalMs) * time.Millisecond,
			Logger:       slog.Default(),
		},
	)
	if err := sup.Start(ctx); err != nil {
		slog.Warn("mailbox supervision unavailable", "error", err)
	} else {
		defer sup.Stop()
	}

	runErr := w.Run(ctx, stdout)
	waitErr := child.Wait()

	stdin.Close()
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		os.Exit(exitErr.ExitCode())
	}
	return waitErr
}

func stuckConfig() stuck.Config {
	sc := stuck.Config{
		CheckInterval:             time.Duration(cfg.Stuck.CheckIntervalSec) * time.Second,
		ExtendedIdle:              time.Duration(cfg.Stuck.ExtendedIdleMin) * time.Minute,
		LoopThreshold:             cfg.Stuck.LoopThreshold,
		ToolLoopThreshold:         cfg.Stuck.ToolLoopThreshold,
		ToolLoopWindow:            time.Duration(cfg.Stuck.ToolLoopWindowMin) * time.Minute,
		OutputFloodMinDuration:    time.Duration(cfg.Stuck.FloodMinDurationMin) * time.Minute,
		OutputFloodLinesPerMinute: float64(cfg.Stuck.FloodLinesPerMinute),
	}
	if len(cfg.Stuck.ErrorPatterns) > 0 {
		patterns := stuck.DefaultErrorPatterns()
		for _, expr := range cfg.Stuck.ErrorPatterns {
			re, err := regexp.Compile(expr)
			if err != nil {
				slog.Warn("invalid error pattern in config", "pattern", expr, "error", err)
				continue
			}
			patterns = append(patterns, re)
		}
		sc.ErrorPatterns = patterns
	}
	return sc
}

// spawnHandler renders the spawn template for the requested CLI and starts
// the command detached from the wrapper.
func spawnHandler(templates *config.SpawnTemplates) func(name, cli, task string) {
	return func(name, cli, task string) {
		if templates == nil {
			slog.Warn("spawn requested but no templates configured", "name", name)
			return
		}
		tmpl, ok := templates.Lookup(cli)
		if !ok {
			slog.Warn("no spawn template for cli", "cli", cli, "name", name)
			return
		}
		cmdline, err := tmpl.Render(config.SpawnVars{Name: name, Task: task})
		if err != nil {
			slog.Warn("spawn template render failed", "cli", cli, "error", err)
			return
		}
		child := exec.Command("sh", "-c", cmdline)
		if tmpl.WorkDir != "" {
			child.Dir = tmpl.WorkDir
		}
		if err := child.Start(); err != nil {
			slog.Error("spawn failed", "name", name, "command", cmdline, "error", err)
			return
		}
		slog.Info("spawned agent", "name", name, "pid", child.Process.Pid)
		go child.Wait()
	}
}
