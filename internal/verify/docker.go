package verify

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/dkod-io/dkod-engine/internal/config"
	"github.com/dkod-io/dkod-engine/internal/domain"
	"github.com/dkod-io/dkod-engine/internal/overlay"
)

const (
	containerWorkDir = "/workspace"

	// Step output is capped; failures usually sit at the end.
	maxStepOutput = 64 * 1024
)

// Runtime runs verification commands in throwaway containers. Containers
// get no network access and bounded CPU/memory, so a step can at worst
// burn its own deadline.
type Runtime struct {
	client   *client.Client
	image    string
	cpuLimit string
	memLimit string
}

// NewRuntime connects to the Docker daemon.
func NewRuntime(cfg config.DockerConfig) (*Runtime, error) {
	c, err := client.NewClientWithOpts(
		client.WithHost(cfg.Host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("verify.NewRuntime: %w", err)
	}

	return &Runtime{
		client:   c,
		image:    cfg.Image,
		cpuLimit: cfg.CPULimit,
		memLimit: cfg.MemLimit,
	}, nil
}

// RunOptions configures one container run.
type RunOptions struct {
	Name    string
	HostDir string // materialized workspace, bind-mounted at containerWorkDir
	Cmd     []string
	Env     map[string]string
	Image   string // override; Runtime default otherwise
}

// RunContainer creates, runs and removes a container, returning its
// exit code and captured output.
func (r *Runtime) RunContainer(ctx context.Context, opts RunOptions) (int64, string, error) {
	image := opts.Image
	if image == "" {
		image = r.image
	}

	env := make([]string, 0, len(opts.Env))
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}

	memLimit, err := parseMemoryLimit(r.memLimit)
	if err != nil {
		return -1, "", fmt.Errorf("verify.Runtime.RunContainer: %w", err)
	}

	cpuQuota, err := parseCPULimit(r.cpuLimit)
	if err != nil {
		return -1, "", fmt.Errorf("verify.Runtime.RunContainer: %w", err)
	}

	cfg := &container.Config{
		Image:      image,
		Env:        env,
		Cmd:        opts.Cmd,
		WorkingDir: containerWorkDir,
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   memLimit,
			CPUQuota: cpuQuota,
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: opts.HostDir,
				Target: containerWorkDir,
			},
		},
		NetworkMode: "none",
	}

	resp, err := r.client.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, opts.Name)
	if err != nil {
		return -1, "", fmt.Errorf("verify.Runtime.RunContainer: %w", err)
	}
	defer func() {
		_ = r.client.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
	}()

	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return -1, "", fmt.Errorf("verify.Runtime.RunContainer: %w", err)
	}

	waitCh, errCh := r.client.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

	var exit int64
	select {
	case result := <-waitCh:
		if result.Error != nil {
			return result.StatusCode, "", fmt.Errorf("verify.Runtime.RunContainer: %s", result.Error.Message)
		}
		exit = result.StatusCode
	case err := <-errCh:
		return -1, "", fmt.Errorf("verify.Runtime.RunContainer: %w", err)
	case <-ctx.Done():
		return -1, "", fmt.Errorf("verify.Runtime.RunContainer: %w", ctx.Err())
	}

	output, err := r.collectLogs(ctx, resp.ID)
	if err != nil {
		// The exit code is the verdict; missing logs only degrade the report.
		output = "logs unavailable: " + err.Error()
	}
	return exit, output, nil
}

func (r *Runtime) collectLogs(ctx context.Context, containerID string) (string, error) {
	reader, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", err
	}
	return tail(buf.String(), maxStepOutput), nil
}

// Close closes the Docker client.
func (r *Runtime) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("verify.Runtime.Close: %w", err)
	}
	return nil
}

// Sandbox executes local pipeline steps (typecheck, build, test, lint,
// command) by materializing the workspace view into a host directory
// and running the step's command over it in a container.
type Sandbox struct {
	runtime *Runtime
	overlay *overlay.Service
	workDir string
}

// NewSandbox creates a sandbox executor. workDir hosts the materialized
// workspace copies; each run gets its own subdirectory.
func NewSandbox(runtime *Runtime, ov *overlay.Service, workDir string) *Sandbox {
	return &Sandbox{runtime: runtime, overlay: ov, workDir: workDir}
}

var defaultCommands = map[string]string{
	"typecheck": "go vet ./...",
	"build":     "go build ./...",
	"test":      "go test ./...",
	"lint":      "golangci-lint run",
}

func (s *Sandbox) Execute(ctx context.Context, job Job, step *domain.VerificationResult) (domain.ResultStatus, string, error) {
	if job.Workspace == nil {
		return "", "", fmt.Errorf("verify.Sandbox.Execute: job carries no workspace")
	}

	cmd, err := commandFor(step)
	if err != nil {
		return "", "", fmt.Errorf("verify.Sandbox.Execute: %w", err)
	}

	dir, err := os.MkdirTemp(s.workDir, "ws-")
	if err != nil {
		return "", "", fmt.Errorf("verify.Sandbox.Execute: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := s.materialize(ctx, job.Workspace, dir); err != nil {
		return "", "", fmt.Errorf("verify.Sandbox.Execute: materialize: %w", err)
	}

	exit, output, err := s.runtime.RunContainer(ctx, RunOptions{
		Name:    fmt.Sprintf("dkod-verify-%s-%d", job.Changeset.ID, step.StepOrder),
		HostDir: dir,
		Cmd:     cmd,
		Env: map[string]string{
			"DKOD_CHANGESET_ID": job.Changeset.ID.String(),
			"DKOD_REPO_ID":      job.Changeset.RepoID,
		},
		Image: step.Config["image"],
	})
	if err != nil {
		return "", "", err
	}

	if exit == 0 {
		return domain.ResultPass, output, nil
	}
	return domain.ResultFail, fmt.Sprintf("exit %d\n%s", exit, output), nil
}

// materialize writes the full workspace view (base plus overlay,
// tombstones excluded) under dir.
func (s *Sandbox) materialize(ctx context.Context, ws *domain.Workspace, dir string) error {
	entries, err := s.overlay.List(ctx, ws, "", 0)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		data, err := s.overlay.Read(ctx, ws, entry.Path)
		if err != nil {
			return fmt.Errorf("read %s: %w", entry.Path, err)
		}
		target := filepath.Join(dir, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

func commandFor(step *domain.VerificationResult) ([]string, error) {
	if cmd := step.Config["cmd"]; cmd != "" {
		return []string{"/bin/sh", "-c", cmd}, nil
	}
	if cmd, ok := defaultCommands[step.StepType]; ok {
		return []string{"/bin/sh", "-c", cmd}, nil
	}
	return nil, fmt.Errorf("no command for step type %q", step.StepType)
}

// tail keeps the last max bytes of s.
func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// parseMemoryLimit parses a human-readable memory limit (e.g. "2g",
// "512m") to bytes.
func parseMemoryLimit(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	var multiplier int64
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "k")
	default:
		multiplier = 1
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parseMemoryLimit(%q): %w", s, err)
	}

	return val * multiplier, nil
}

// parseCPULimit parses a CPU limit string (e.g. "2", "0.5") to a Docker
// CPU quota. Docker uses 100000 microseconds per CPU period.
func parseCPULimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}

	val, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parseCPULimit(%q): %w", s, err)
	}

	const cpuPeriod = 100000
	return int64(val * cpuPeriod), nil
}
