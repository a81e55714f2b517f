package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryProfiles(t *testing.T) {
	registry := NewRegistry()

	for _, id := range registry.IDs() {
		t.Run(id, func(t *testing.T) {
			p, ok := registry.Get(id)
			require.True(t, ok)

			assert.Equal(t, id, p.ID)
			assert.NotEmpty(t, p.Image)
			assert.NotEmpty(t, p.FileName)
			assert.NotEmpty(t, p.RunCmd, "run command always present")
			assert.GreaterOrEqual(t, p.MemoryBytes, int64(minMemoryBytes))
			assert.LessOrEqual(t, p.MemoryBytes, int64(maxMemoryBytes))
			assert.LessOrEqual(t, p.WallTime, maxWallTime)
			assert.LessOrEqual(t, p.PidsLimit, int64(maxPidsLimit))
		})
	}
}

func TestNormalizeLanguage(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Python3", "python"},
		{"py", "python"},
		{"js", "javascript"},
		{"NodeJS", "javascript"},
		{"C++", "cpp"},
		{"golang", "go"},
		{" java ", "java"},
		{"rust", "rust"}, // unknown ids pass through lowercased
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeLanguage(tt.in))
	}
}

func TestEntryFileJavaClassName(t *testing.T) {
	registry := NewRegistry()
	java, ok := registry.Get("java")
	require.True(t, ok)

	file, class := java.EntryFile("public class Solution { public static void main(String[] a){} }")
	assert.Equal(t, "Solution.java", file)
	assert.Equal(t, "Solution", class)

	file, class = java.EntryFile("class something {}")
	assert.Equal(t, "Main.java", file)
	assert.Equal(t, "Main", class)

	python, ok := registry.Get("python")
	require.True(t, ok)
	file, class = python.EntryFile("print(1)")
	assert.Equal(t, "main.py", file)
	assert.Empty(t, class)
}

func TestRenderCommand(t *testing.T) {
	cmd := RenderCommand([]string{"java", "-cp", ".", "{{class}}"}, "Main.java", "Main")
	assert.Equal(t, []string{"java", "-cp", ".", "Main"}, cmd)

	cmd = RenderCommand([]string{"python3", "-u", "{{file}}"}, "main.py", "")
	assert.Equal(t, []string{"python3", "-u", "main.py"}, cmd)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SANDBOX_WALL_SECONDS_PYTHON", "5")
	t.Setenv("SANDBOX_MEMORY_MB_PYTHON", "128")

	registry := NewRegistry()
	p, ok := registry.Get("python")
	require.True(t, ok)

	assert.Equal(t, 5*time.Second, p.WallTime)
	assert.Equal(t, int64(128*1024*1024), p.MemoryBytes)
}

func TestEnvOverridesClamped(t *testing.T) {
	t.Setenv("SANDBOX_WALL_SECONDS_PYTHON", "600")
	t.Setenv("SANDBOX_MEMORY_MB_PYTHON", "8192")

	registry := NewRegistry()
	p, ok := registry.Get("python")
	require.True(t, ok)

	assert.Equal(t, maxWallTime, p.WallTime)
	assert.Equal(t, int64(maxMemoryBytes), p.MemoryBytes)
}

func TestValidateSourceSize(t *testing.T) {
	assert.NoError(t, ValidateSourceSize("abc", 3))
	assert.Error(t, ValidateSourceSize("abcd", 3))
	assert.NoError(t, ValidateSourceSize("anything", 0))
}
