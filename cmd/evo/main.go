// Command evo runs goal-driven agents that write and execute their own
// scripts.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	evo serve [-config evo.yaml]
//	evo run [-config evo.yaml] <goal>
//	evo tui [-config evo.yaml]
//	evo show <transcript.jsonl>
//	evo token [-config evo.yaml] [-sub name]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nstogner/evo/pkg/agent"
	"github.com/nstogner/evo/pkg/config"
	"github.com/nstogner/evo/pkg/domain"
	"github.com/nstogner/evo/pkg/logging"
	"github.com/nstogner/evo/pkg/model/gemini"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/sandbox/docker"
	"github.com/nstogner/evo/pkg/sandbox/starlark"
	"github.com/nstogner/evo/pkg/script"
	"github.com/nstogner/evo/pkg/server"
	"github.com/nstogner/evo/pkg/store/sqlite"
	"github.com/nstogner/evo/pkg/transcript/jsonl"
	"github.com/nstogner/evo/pkg/tui"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: evo <serve|run|tui> [-config file] [goal]")
	fmt.Fprintln(os.Stderr, "       evo show <transcript.jsonl>")
	fmt.Fprintln(os.Stderr, "       evo token [-config file] [-sub name]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	cmd := os.Args[1]
	flags := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := flags.String("config", "", "path to a YAML config file")
	subject := flags.String("sub", "cli", "token subject (token only)")
	flags.Parse(os.Args[2:])

	if cmd == "show" {
		if flags.NArg() != 1 {
			usage()
		}
		if err := show(os.Stdout, flags.Arg(0)); err != nil {
			fmt.Fprintln(os.Stderr, "evo:", err)
			os.Exit(1)
		}
		return
	}
	if cmd == "token" {
		if err := token(os.Stdout, *configPath, *subject); err != nil {
			fmt.Fprintln(os.Stderr, "evo:", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := setup(ctx, *configPath, cmd == "tui")
	if err != nil {
		fmt.Fprintln(os.Stderr, "evo:", err)
		os.Exit(1)
	}
	defer a.Close()

	switch cmd {
	case "serve":
		err = a.serve(ctx)
	case "run":
		err = a.run(ctx, strings.Join(flags.Args(), " "))
	case "tui":
		err = a.tui(ctx)
	default:
		usage()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Error("Command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     config.Config
	log     *slog.Logger
	store   *sqlite.Store
	docker  *docker.Engine
	server  *server.Server
	closers []io.Closer
}

// setup wires the process. The TUI owns the terminal, so its text logs go to
// a file instead of stderr.
func setup(ctx context.Context, configPath string, quiet bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}

	logOpts := logging.Options{Level: cfg.Log.Level, File: cfg.Log.File, Journal: cfg.Log.Journal}
	if quiet {
		f, err := os.OpenFile("evo.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, f)
		logOpts.Writer = f
	}
	logger, closer, err := logging.New(logOpts)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, closer)
	a.log = logger
	slog.SetDefault(logger)

	if cfg.Model.APIKey == "" {
		a.Close()
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	if dir := filepath.Dir(cfg.Store.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			a.Close()
			return nil, err
		}
	}
	st, err := sqlite.New(cfg.Store.Path)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st)

	var scripts script.Store = st
	if cfg.Scripts.Dir != "" {
		dir, err := script.NewDir(cfg.Scripts.Dir)
		if err != nil {
			a.Close()
			return nil, err
		}
		scripts = &script.Overlay{Store: st, Fallbacks: []script.Repository{dir}}
	}

	provider, err := gemini.New(ctx, cfg.Model.APIKey)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("initializing Gemini provider: %w", err)
	}

	engines := sandbox.Mux{
		domain.LanguageStarlark: starlark.New(
			starlark.WithMaxSteps(cfg.Engine.MaxSteps),
			starlark.WithLogger(logger),
		),
	}
	if cfg.Engine.Docker.Enabled {
		d, err := docker.New(cfg.Engine.Docker.Image)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initializing docker engine: %w", err)
		}
		a.docker = d
		a.closers = append(a.closers, d)
		engines[domain.LanguagePython] = d
	}

	var auth *server.Auth
	if cfg.Server.AuthSecret != "" {
		if auth, err = server.NewAuth(cfg.Server.AuthSecret, cfg.Server.TokenExpiry); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.server = server.New(st, scripts, provider, engines, server.Options{
		ModelName:      cfg.Model.Name,
		WorkspaceRoot:  cfg.Workspaces.Root,
		MaxTurns:       cfg.Agent.MaxTurns,
		WriterMaxTurns: cfg.Agent.WriterMaxTurns,
		ContextChars:   cfg.Agent.ContextChars,
		TranscriptDir:  cfg.Store.Transcripts,
		Auth:           auth,
		Logger:         logger,
	})
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i].Close()
	}
}

func (a *app) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(a.cfg.Server.Addr)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	if a.docker != nil {
		// Removes containers of runs that are no longer running.
		g.Go(func() error {
			return a.docker.Reconcile(ctx, a.store)
		})
	}
	return g.Wait()
}

// run drives a single goal to completion, printing each step.
func (a *app) run(ctx context.Context, goal string) error {
	if goal == "" {
		return errors.New("a goal is required")
	}
	rec, run, finish, err := a.server.Prepare(ctx, goal, "")
	if err != nil {
		return err
	}
	a.log.Info("Run started", "run", rec.ID)
	for step := range run.Steps(ctx) {
		printStep(os.Stdout, step)
	}
	finish()

	res, _ := run.Result()
	fmt.Println(res.Message)
	if !res.OK {
		return fmt.Errorf("run %s did not succeed", rec.ID)
	}
	return nil
}

func printStep(w io.Writer, step agent.Step) {
	switch step.Kind {
	case agent.StepMessage:
		fmt.Fprintf(w, "[%d] %s\n", step.Turn, step.Text)
	case agent.StepFunction:
		status := "ok"
		if !step.Outcome.OK {
			status = "failed"
		}
		fmt.Fprintf(w, "[%d] %s: %s %s\n", step.Turn, step.Call.Name, status, step.Outcome.Title)
	}
}

// token prints a bearer token for the API.
func token(w io.Writer, configPath, subject string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Server.AuthSecret == "" {
		return errors.New("server.auth_secret is not set")
	}
	auth, err := server.NewAuth(cfg.Server.AuthSecret, cfg.Server.TokenExpiry)
	if err != nil {
		return err
	}
	tok, err := auth.IssueToken(subject)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, tok)
	return nil
}

// show prints a JSONL transcript written by a run.
func show(w io.Writer, path string) error {
	h, entries, err := jsonl.Read(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "run %s (%s) %s\ngoal: %s\n\n", h.ID, h.Model, h.CreatedAt.Format(time.RFC822), h.Goal)
	for _, e := range entries {
		switch {
		case e.Call != nil:
			args, _ := json.Marshal(e.Call.Arguments)
			fmt.Fprintf(w, "%s: %s %s\n", e.Role, e.Call.Name, args)
		case e.Function != "":
			fmt.Fprintf(w, "%s[%s]: %s\n", e.Role, e.Function, e.Content)
		default:
			fmt.Fprintf(w, "%s: %s\n", e.Role, e.Content)
		}
	}
	return nil
}

func (a *app) tui(ctx context.Context) error {
	names := []string{a.cfg.Model.Name}
	models, err := a.server.Models(ctx)
	if err != nil {
		a.log.Warn("Failed to list models", "error", err)
	}
	for _, m := range models {
		if m.ID != a.cfg.Model.Name {
			names = append(names, m.ID)
		}
	}
	return tui.Run(ctx, tui.Options{
		Models: names,
		Logger: a.log,
		Start: func(ctx context.Context, goal, modelName string) (*agent.Run, func(), error) {
			_, run, finish, err := a.server.Prepare(ctx, goal, modelName)
			return run, finish, err
		},
	})
}
