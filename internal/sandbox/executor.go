package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"codehive/internal/logging"
	"codehive/pkg/models"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	// containerLabel marks every sandbox container so orphans can be
	// swept by label after a crash.
	containerLabel = "codehive.sandbox"

	workspaceTarget = "/workspace"

	// compileWallTime bounds the compile phase independently of the
	// profile's run cap.
	compileWallTime = 30 * time.Second
)

// Executor runs one submission at a time in throwaway Docker containers.
// It is safe for concurrent use; each Execute call owns its containers.
type Executor struct {
	client     *client.Client
	pullImages bool

	mu   sync.Mutex
	live map[string]struct{} // container ids not yet removed
}

// NewExecutor connects to the container runtime (DOCKER_HOST or the
// default socket) and sweeps orphaned sandbox containers from previous
// runs.
func NewExecutor() (*Executor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client init failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("container runtime unreachable: %w", err)
	}

	e := &Executor{
		client:     cli,
		pullImages: os.Getenv("SANDBOX_PULL_IMAGES") != "false",
		live:       make(map[string]struct{}),
	}
	e.sweepOrphans(context.Background())
	return e, nil
}

// Execute runs the submission under the profile's resource caps and
// returns a full result. The returned error is reserved for
// infrastructure failures; program failures are reported in the
// result's status.
func (e *Executor) Execute(ctx context.Context, sub *models.Submission, profile *LanguageProfile) (*models.ExecutionResult, error) {
	result := &models.ExecutionResult{
		SubmissionID: sub.SubmissionID,
		Status:       models.StatusSystemError,
	}

	workDir, err := os.MkdirTemp("", "codehive-exec-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox workspace: %w", err)
	}
	defer os.RemoveAll(workDir)
	// The container user is unprivileged; the bind mount must be
	// traversable and writable for compilers that emit artifacts.
	if err := os.Chmod(workDir, 0o777); err != nil {
		return nil, fmt.Errorf("chmod sandbox workspace: %w", err)
	}

	fileName, className := profile.EntryFile(sub.Code)
	if err := os.WriteFile(filepath.Join(workDir, fileName), []byte(sub.Code), 0o644); err != nil {
		return nil, fmt.Errorf("write source file: %w", err)
	}

	hasStdin := sub.Stdin != ""
	if hasStdin {
		if err := os.WriteFile(filepath.Join(workDir, "input.txt"), []byte(sub.Stdin), 0o644); err != nil {
			return nil, fmt.Errorf("write input file: %w", err)
		}
	}

	if err := e.ensureImage(ctx, profile.Image); err != nil {
		return nil, err
	}

	if len(profile.CompileCmd) > 0 {
		compileCmd := RenderCommand(profile.CompileCmd, fileName, className)
		compileStart := time.Now()
		run, err := e.runContainer(ctx, profile, workDir, compileCmd, false, compileWallTime)
		if err != nil {
			return nil, fmt.Errorf("compile phase: %w", err)
		}
		result.CompileMillis = time.Since(compileStart).Milliseconds()

		if run.timedOut {
			result.Status = models.StatusCompilationError
			result.Stderr = "compilation timed out"
			result.ExitCode = run.exitCode
			return result, nil
		}
		if run.exitCode != 0 {
			result.Status = models.StatusCompilationError
			result.Stdout = SanitizeOutput(run.stdout)
			result.Stderr = SanitizeError(run.stderr)
			result.ExitCode = run.exitCode
			return result, nil
		}
	}

	runCmd := RenderCommand(profile.RunCmd, fileName, className)
	if hasStdin {
		runCmd = []string{"sh", "-c", strings.Join(runCmd, " ") + " < input.txt"}
	}

	runStart := time.Now()
	run, err := e.runContainer(ctx, profile, workDir, runCmd, true, profile.WallTime)
	if err != nil {
		return nil, fmt.Errorf("run phase: %w", err)
	}

	result.Stdout = SanitizeOutput(run.stdout)
	result.Stderr = SanitizeError(run.stderr)
	result.ExitCode = run.exitCode
	result.WallMillis = time.Since(runStart).Milliseconds()
	result.Status = classify(run, profile)
	if result.Status == models.StatusTimeout && result.WallMillis < profile.WallTime.Milliseconds() {
		result.WallMillis = profile.WallTime.Milliseconds()
	}
	if result.Status == models.StatusMemoryLimit {
		result.PeakMemoryBytes = profile.MemoryBytes
	}

	return result, nil
}

type containerRun struct {
	stdout    string
	stderr    string
	exitCode  int
	timedOut  bool
	oomKilled bool
}

// runContainer creates, runs, and removes one container for a single
// phase. The isolation contract (no network, read-only root, dropped
// capabilities, memory/cpu/pid caps) applies to both phases.
func (e *Executor) runContainer(ctx context.Context, profile *LanguageProfile, workDir string, cmd []string, readonlyRoot bool, wallTime time.Duration) (*containerRun, error) {
	execCtx, cancel := context.WithTimeout(ctx, wallTime)
	defer cancel()

	pidsLimit := profile.PidsLimit
	env := make([]string, 0, len(profile.Env))
	for k, v := range profile.Env {
		env = append(env, k+"="+v)
	}

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: readonlyRoot,
		NetworkMode:    "none",
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: workDir,
			Target: workspaceTarget,
		}},
		Resources: container.Resources{
			Memory:     profile.MemoryBytes,
			MemorySwap: profile.MemoryBytes, // swap off
			NanoCPUs:   int64(profile.CPUQuota * 1_000_000_000),
			PidsLimit:  &pidsLimit,
			Ulimits: []*container.Ulimit{
				{Name: "nofile", Soft: 256, Hard: 256},
			},
		},
	}

	created, err := e.client.ContainerCreate(execCtx, &container.Config{
		Image:           profile.Image,
		WorkingDir:      workspaceTarget,
		Cmd:             cmd,
		Env:             env,
		AttachStdout:    true,
		AttachStderr:    true,
		Tty:             false,
		NetworkDisabled: true,
		Labels:          map[string]string{containerLabel: "1"},
	}, hostCfg, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return nil, fmt.Errorf("container create failed: %w", err)
	}

	containerID := created.ID
	e.track(containerID)
	defer func() {
		// Removal must survive a cancelled request context.
		_ = e.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
		e.untrack(containerID)
	}()

	if err := e.client.ContainerStart(execCtx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("container start failed: %w", err)
	}

	run := &containerRun{}
	waitCh, errCh := e.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)

	select {
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			run.timedOut = true
			run.exitCode = 137
			_ = e.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		} else {
			return nil, execCtx.Err()
		}
	case resp := <-waitCh:
		run.exitCode = int(resp.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("container wait failed: %w", err)
	}

	if inspect, err := e.client.ContainerInspect(context.Background(), containerID); err == nil && inspect.State != nil {
		run.oomKilled = inspect.State.OOMKilled
	}

	stdout, stderr, err := e.readLogs(context.Background(), containerID)
	if err != nil {
		logging.L().Warn("sandbox log read failed",
			zap.String("container", containerID[:12]), zap.Error(err))
	}
	run.stdout = stdout
	run.stderr = stderr

	return run, nil
}

// classify maps a finished run onto an execution status. Interpreted
// languages surface syntax errors at runtime; the profile's patterns
// promote those to compilation errors by inspecting the first trace line.
func classify(run *containerRun, profile *LanguageProfile) string {
	switch {
	case run.oomKilled:
		return models.StatusMemoryLimit
	case run.timedOut:
		return models.StatusTimeout
	case run.exitCode == 0:
		return models.StatusSuccess
	}

	if len(profile.CompileErrorPatterns) > 0 {
		line := FirstTraceLine(run.stderr)
		probe := run.stderr
		if line != "" {
			probe = line + "\n" + run.stderr
		}
		for _, re := range profile.CompileErrorPatterns {
			if re.MatchString(probe) {
				return models.StatusCompilationError
			}
		}
	}

	// Exit 137 without an OOM flag usually still means the kernel
	// reaped the cgroup; report it as a memory trip rather than a
	// generic crash.
	if run.exitCode == 137 {
		return models.StatusMemoryLimit
	}

	return models.StatusRuntimeError
}

func (e *Executor) readLogs(ctx context.Context, containerID string) (string, string, error) {
	rc, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(
		&limitedWriter{w: &stdout, limit: maxOutputBytes},
		&limitedWriter{w: &stderr, limit: maxOutputBytes},
		rc,
	)
	return stdout.String(), stderr.String(), err
}

func (e *Executor) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := e.client.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	if !e.pullImages {
		return fmt.Errorf("image %s not present and pulling is disabled", imageName)
	}

	rc, pullErr := e.client.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("pull image %s: %w", imageName, pullErr)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

// sweepOrphans force-removes labeled containers left behind by a
// previous process.
func (e *Executor) sweepOrphans(ctx context.Context) {
	args := filters.NewArgs(filters.Arg("label", containerLabel+"=1"))
	containers, err := e.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		logging.L().Warn("orphan sweep failed", zap.Error(err))
		return
	}
	for _, c := range containers {
		_ = e.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
	if len(containers) > 0 {
		logging.L().Info("removed orphaned sandbox containers", zap.Int("count", len(containers)))
	}
}

func (e *Executor) track(containerID string) {
	e.mu.Lock()
	e.live[containerID] = struct{}{}
	e.mu.Unlock()
}

func (e *Executor) untrack(containerID string) {
	e.mu.Lock()
	delete(e.live, containerID)
	e.mu.Unlock()
}

// Close force-removes any containers still alive and closes the runtime
// client. Called from the worker's shutdown path.
func (e *Executor) Close() error {
	e.mu.Lock()
	ids := make([]string, 0, len(e.live))
	for id := range e.live {
		ids = append(ids, id)
	}
	e.live = make(map[string]struct{})
	e.mu.Unlock()

	for _, id := range ids {
		_ = e.client.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true})
	}
	return e.client.Close()
}

type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.written >= lw.limit {
		return len(p), nil
	}
	remaining := lw.limit - lw.written
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return n, err
	}
	return len(p), nil
}
