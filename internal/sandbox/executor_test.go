package sandbox

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"codehive/pkg/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoDocker skips the test when the container runtime is unreachable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("Docker not available, skipping sandbox executor tests")
	}
}

func newTestSubmission(language, code, stdin string) *models.Submission {
	return &models.Submission{
		SubmissionID: uuid.New().String(),
		Language:     language,
		Code:         code,
		Stdin:        stdin,
		RoomID:       uuid.New().String(),
		UserID:       1,
		SubmittedAt:  time.Now(),
	}
}

func TestClassify(t *testing.T) {
	registry := NewRegistry()
	python, _ := registry.Get("python")
	cpp, _ := registry.Get("cpp")

	tests := []struct {
		name    string
		run     *containerRun
		profile *LanguageProfile
		want    string
	}{
		{"clean exit", &containerRun{exitCode: 0}, cpp, models.StatusSuccess},
		{"nonzero exit", &containerRun{exitCode: 1}, cpp, models.StatusRuntimeError},
		{"timeout", &containerRun{exitCode: 137, timedOut: true}, cpp, models.StatusTimeout},
		{"oom", &containerRun{exitCode: 137, oomKilled: true}, cpp, models.StatusMemoryLimit},
		{"cgroup kill without oom flag", &containerRun{exitCode: 137}, cpp, models.StatusMemoryLimit},
		{
			"python syntax error promoted",
			&containerRun{exitCode: 1, stderr: "  File \"main.py\", line 1\nSyntaxError: invalid syntax"},
			python,
			models.StatusCompilationError,
		},
		{
			"python indentation error promoted",
			&containerRun{exitCode: 1, stderr: "IndentationError: unexpected indent"},
			python,
			models.StatusCompilationError,
		},
		{
			"python runtime error stays runtime",
			&containerRun{exitCode: 1, stderr: "ZeroDivisionError: division by zero"},
			python,
			models.StatusRuntimeError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.run, tt.profile))
		})
	}
}

func TestExecutePythonHelloWorld(t *testing.T) {
	skipIfNoDocker(t)

	executor, err := NewExecutor()
	require.NoError(t, err)
	defer executor.Close()

	registry := NewRegistry()
	profile, _ := registry.Get("python")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := executor.Execute(ctx, newTestSubmission("python", `print("Hello, World!")`, ""), profile)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "Hello, World!\n", result.Stdout)
	assert.Equal(t, 0, result.ExitCode)
}

func TestExecutePythonStdin(t *testing.T) {
	skipIfNoDocker(t)

	executor, err := NewExecutor()
	require.NoError(t, err)
	defer executor.Close()

	registry := NewRegistry()
	profile, _ := registry.Get("python")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	sub := newTestSubmission("python", `name = input()
print(f"Hello, {name}!")`, "sandbox")
	result, err := executor.Execute(ctx, sub, profile)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Equal(t, "Hello, sandbox!\n", result.Stdout)
}

func TestExecuteJavaMissingSemicolon(t *testing.T) {
	skipIfNoDocker(t)

	executor, err := NewExecutor()
	require.NoError(t, err)
	defer executor.Close()

	registry := NewRegistry()
	profile, _ := registry.Get("java")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	code := `public class Main { public static void main(String[] a){ System.out.println("Hello, World!") } }`
	result, err := executor.Execute(ctx, newTestSubmission("java", code, ""), profile)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCompilationError, result.Status)
	assert.Contains(t, result.Stderr, "';'")
	assert.Greater(t, result.CompileMillis, int64(0))
}

func TestExecuteCppDivideByZero(t *testing.T) {
	skipIfNoDocker(t)

	executor, err := NewExecutor()
	require.NoError(t, err)
	defer executor.Close()

	registry := NewRegistry()
	profile, _ := registry.Get("cpp")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	// gcc 13 on x86-64 traps integer division by zero with SIGFPE.
	code := "#include<iostream>\nint main(){int a=10,b=0;std::cout<<a/b;}"
	result, err := executor.Execute(ctx, newTestSubmission("cpp", code, ""), profile)
	require.NoError(t, err)

	assert.Equal(t, models.StatusRuntimeError, result.Status)
	assert.NotEqual(t, 0, result.ExitCode)
}

func TestExecuteJavascriptInfiniteLoop(t *testing.T) {
	skipIfNoDocker(t)

	t.Setenv("SANDBOX_WALL_SECONDS_JAVASCRIPT", "3")

	executor, err := NewExecutor()
	require.NoError(t, err)
	defer executor.Close()

	registry := NewRegistry()
	profile, _ := registry.Get("javascript")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := executor.Execute(ctx, newTestSubmission("javascript", "while(true){}", ""), profile)
	require.NoError(t, err)

	assert.Equal(t, models.StatusTimeout, result.Status)
	assert.GreaterOrEqual(t, result.WallMillis, profile.WallTime.Milliseconds())
}

func TestWallTimeBoundary(t *testing.T) {
	skipIfNoDocker(t)

	t.Setenv("SANDBOX_WALL_SECONDS_PYTHON", "4")

	executor, err := NewExecutor()
	require.NoError(t, err)
	defer executor.Close()

	registry := NewRegistry()
	profile, _ := registry.Get("python")

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	// Sleeping well under the cap succeeds.
	result, err := executor.Execute(ctx, newTestSubmission("python", "import time\ntime.sleep(1)\nprint('done')", ""), profile)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSuccess, result.Status)

	// Sleeping past the cap times out.
	result, err = executor.Execute(ctx, newTestSubmission("python", "import time\ntime.sleep(30)", ""), profile)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTimeout, result.Status)
	assert.GreaterOrEqual(t, result.WallMillis, profile.WallTime.Milliseconds())
}

func TestContainersRemovedAfterExecution(t *testing.T) {
	skipIfNoDocker(t)

	executor, err := NewExecutor()
	require.NoError(t, err)
	defer executor.Close()

	registry := NewRegistry()
	profile, _ := registry.Get("python")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	_, err = executor.Execute(ctx, newTestSubmission("python", `print("hi")`, ""), profile)
	require.NoError(t, err)

	out, err := exec.Command("docker", "ps", "-aq", "--filter", "label="+containerLabel+"=1").Output()
	require.NoError(t, err)
	assert.Empty(t, string(out), "sandbox containers must be removed on every exit path")
}

func TestNetworkDisabled(t *testing.T) {
	skipIfNoDocker(t)

	executor, err := NewExecutor()
	require.NoError(t, err)
	defer executor.Close()

	registry := NewRegistry()
	profile, _ := registry.Get("python")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// urllib is not denylisted; the container boundary must stop it.
	code := `import urllib.request
try:
    urllib.request.urlopen("http://example.com", timeout=2)
    print("reachable")
except Exception:
    print("blocked")`
	result, err := executor.Execute(ctx, newTestSubmission("python", code, ""), profile)
	require.NoError(t, err)

	assert.Equal(t, models.StatusSuccess, result.Status)
	assert.Contains(t, result.Stdout, "blocked")
}
