// Package docker runs python scripts inside long-lived Docker containers,
// one per owner, through the exec API.
package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/nstogner/evo/pkg/sandbox"
	"github.com/nstogner/evo/pkg/workspace"
)

const (
	// LabelManager is the label used to identify containers managed by this system.
	LabelManager = "manager"
	// LabelManagerValue is the value of the manager label.
	LabelManagerValue = "evo"
	// LabelOwner identifies the agent context a container belongs to.
	LabelOwner = "evo-owner"
	// DefaultImage is the default sandbox container image.
	DefaultImage = "python:3.12-slim"
	// WorkspaceMount is where a directory workspace is mounted in the container.
	WorkspaceMount = "/workspace"
	// ReconcileInterval is how often the Run loop checks for orphans.
	ReconcileInterval = 30 * time.Second
)

// OwnerLister lists the owners whose containers should be kept.
type OwnerLister interface {
	ListActiveOwners(ctx context.Context) ([]string, error)
}

// Engine implements sandbox.Engine for python programs.
type Engine struct {
	client *client.Client
	image  string

	// Serializes container creation per engine.
	mu sync.Mutex
}

var _ sandbox.Engine = (*Engine)(nil)

// New creates a Docker engine from the environment's docker settings.
func New(image string) (*Engine, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if image == "" {
		image = DefaultImage
	}
	return &Engine{client: cli, image: image}, nil
}

// Ping checks that the daemon is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close releases the Docker client resources.
func (e *Engine) Close() error {
	return e.client.Close()
}

func (e *Engine) Run(ctx context.Context, p sandbox.Program) (sandbox.Result, error) {
	env, err := globalsEnv(p.Globals)
	if err != nil {
		return sandbox.Result{}, err
	}

	id, err := e.ensureRunning(ctx, p.Owner, p.Workspace)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("sandbox not available for %s: %w", p.Owner, err)
	}

	exec, err := e.client.ContainerExecCreate(ctx, id, types.ExecConfig{
		Cmd:          []string{"python3", "-c", p.Code},
		Env:          []string{env},
		WorkingDir:   WorkspaceMount,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("creating exec: %w", err)
	}

	attach, err := e.client.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader)
		copied <- err
	}()
	select {
	case <-ctx.Done():
		return sandbox.Result{}, fmt.Errorf("running script: %w", ctx.Err())
	case err := <-copied:
		if err != nil && err != io.EOF {
			return sandbox.Result{}, fmt.Errorf("reading exec output: %w", err)
		}
	}

	inspect, err := e.client.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return sandbox.Result{}, fmt.Errorf("inspecting exec: %w", err)
	}

	slog.Debug("Script exec finished", "owner", p.Owner, "exitCode", inspect.ExitCode)
	return ParseOutput(stdout.String(), stderr.String(), inspect.ExitCode)
}

// globalsEnv renders the program globals as the JSON object the python
// prelude reads.
func globalsEnv(globals []sandbox.Global) (string, error) {
	if err := sandbox.CheckGlobals(globals); err != nil {
		return "", err
	}
	m := make(map[string]json.RawMessage, len(globals))
	for _, g := range globals {
		if !json.Valid([]byte(g.Value)) {
			return "", fmt.Errorf("global %s is not valid JSON", g.Name)
		}
		m[g.Name] = json.RawMessage(g.Value)
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding globals: %w", err)
	}
	return sandbox.GlobalsEnv + "=" + string(b), nil
}

// ParseOutput classifies the exec output of a shimmed python program.
func ParseOutput(stdout, stderr string, exitCode int) (sandbox.Result, error) {
	var (
		logs   strings.Builder
		tagged string
		found  bool
	)
	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if rest, ok := strings.CutPrefix(line, sandbox.ResultTag); ok {
			tagged, found = rest, true
			continue
		}
		logs.WriteString(line)
		logs.WriteString("\n")
	}
	logs.WriteString(stderr)

	if !found {
		if exitCode != 0 {
			// Shim never reached its epilogue, e.g. a syntax error.
			msg := strings.TrimSpace(stderr)
			if msg == "" {
				msg = fmt.Sprintf("script exited with code %d", exitCode)
			}
			return sandbox.Result{Error: msg, Logs: logs.String()}, nil
		}
		return sandbox.Result{}, fmt.Errorf("script produced no result line")
	}

	var payload struct {
		ScriptError string `json:"script_error"`
		Value       string `json:"value"`
		Error       string `json:"error"`
		Rejected    bool   `json:"rejected"`
	}
	if err := json.Unmarshal([]byte(tagged), &payload); err != nil {
		return sandbox.Result{}, fmt.Errorf("decoding result line: %w", err)
	}
	if payload.ScriptError != "" {
		return sandbox.Result{Error: payload.ScriptError, Logs: logs.String()}, nil
	}
	return sandbox.Result{
		Output: sandbox.Output{Value: payload.Value, Error: payload.Error, Rejected: payload.Rejected},
		Logs:   logs.String(),
	}, nil
}

// Reconcile starts a long-running loop that removes containers
// whose owner is no longer active. Blocks until ctx is cancelled.
func (e *Engine) Reconcile(ctx context.Context, owners OwnerLister) error {
	slog.Info("Sandbox reconciliation loop starting")

	if err := e.reconcile(ctx, owners); err != nil {
		slog.Error("Initial reconciliation failed", "error", err)
	}

	ticker := time.NewTicker(ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Sandbox reconciliation loop stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := e.reconcile(ctx, owners); err != nil {
				slog.Error("Reconciliation failed", "error", err)
			}
		}
	}
}

func (e *Engine) reconcile(ctx context.Context, owners OwnerLister) error {
	ids, err := owners.ListActiveOwners(ctx)
	if err != nil {
		return fmt.Errorf("listing active owners: %w", err)
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	containers, err := e.listContainers(ctx, "")
	if err != nil {
		return fmt.Errorf("listing managed containers: %w", err)
	}
	for _, c := range containers {
		owner := c.Labels[LabelOwner]
		if !known[owner] {
			slog.Info("Removing orphaned sandbox", "owner", owner)
			e.Stop(ctx, owner)
		}
	}
	return nil
}

// Stop removes the containers of an owner.
func (e *Engine) Stop(ctx context.Context, owner string) {
	containers, err := e.listContainers(ctx, owner)
	if err != nil {
		slog.Warn("Failed to list containers for stop", "owner", owner, "error", err)
		return
	}
	for _, c := range containers {
		timeout := 5
		if err := e.client.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
			slog.Warn("Failed to stop container", "id", c.ID, "error", err)
		}
		if err := e.client.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove container", "id", c.ID, "error", err)
		}
	}
}

// Status returns the state of the owner's container: "running", "exited",
// "stopped" when there is none.
func (e *Engine) Status(ctx context.Context, owner string) (string, error) {
	containers, err := e.listContainers(ctx, owner)
	if err != nil {
		return "unknown", err
	}
	if len(containers) == 0 {
		return "stopped", nil
	}
	return containers[0].State, nil
}

func (e *Engine) containerName(owner string) string {
	return "evo-sandbox-" + owner
}

// ensureRunning returns the ID of the owner's running container, creating or
// starting it as needed.
func (e *Engine) ensureRunning(ctx context.Context, owner string, ws workspace.Workspace) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, err := e.client.ContainerInspect(ctx, e.containerName(owner))
	if err != nil {
		if client.IsErrNotFound(err) {
			return e.createAndStart(ctx, owner, ws)
		}
		return "", fmt.Errorf("inspecting container: %w", err)
	}
	if c.State.Running {
		return c.ID, nil
	}
	if err := e.client.ContainerStart(ctx, c.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}
	return c.ID, nil
}

func (e *Engine) createAndStart(ctx context.Context, owner string, ws workspace.Workspace) (string, error) {
	if _, _, err := e.client.ImageInspectWithRaw(ctx, e.image); err != nil {
		if !client.IsErrNotFound(err) {
			return "", fmt.Errorf("inspecting image %s: %w", e.image, err)
		}
		slog.Info("Pulling sandbox image", "image", e.image)
		rc, err := e.client.ImagePull(ctx, e.image, types.ImagePullOptions{})
		if err != nil {
			return "", fmt.Errorf("pulling image %s: %w", e.image, err)
		}
		_, err = io.Copy(io.Discard, rc)
		rc.Close()
		if err != nil {
			return "", fmt.Errorf("pulling image %s: %w", e.image, err)
		}
	}

	cfg := &container.Config{
		Image:      e.image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: WorkspaceMount,
		Labels: map[string]string{
			LabelManager: LabelManagerValue,
			LabelOwner:   owner,
		},
	}
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
	}
	// Only directory workspaces can be shared with the container.
	if dir, ok := ws.(*workspace.Dir); ok {
		hostCfg.Binds = []string{dir.Root() + ":" + WorkspaceMount}
	}

	resp, err := e.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, e.containerName(owner))
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}
	if err := e.client.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("starting container: %w", err)
	}
	slog.Info("Sandbox started", "owner", owner, "id", resp.ID)
	return resp.ID, nil
}

func (e *Engine) listContainers(ctx context.Context, owner string) ([]types.Container, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManager+"="+LabelManagerValue))
	if owner != "" {
		args.Add("label", LabelOwner+"="+owner)
	}
	return e.client.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
}
