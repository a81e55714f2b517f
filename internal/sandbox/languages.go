// Package sandbox runs untrusted code submissions in locked-down Docker
// containers and owns the per-language execution profiles, the static
// danger filter, and output sanitization.
package sandbox

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	minWallTime = time.Second
	maxWallTime = 60 * time.Second

	minMemoryBytes = 64 * 1024 * 1024
	maxMemoryBytes = 1024 * 1024 * 1024

	maxPidsLimit = 64

	// maxOutputBytes caps each captured stream per execution.
	maxOutputBytes = 64 * 1024
)

// LanguageProfile describes how one language is compiled and run inside the
// sandbox. Profiles are immutable after startup; wall time and memory can be
// overridden per language via SANDBOX_WALL_SECONDS_<ID> and
// SANDBOX_MEMORY_MB_<ID> before the registry is built.
type LanguageProfile struct {
	ID       string
	Name     string
	Image    string
	FileName string

	// CompileCmd runs in its own container before the run phase. Empty for
	// interpreted languages. "{{file}}" and "{{class}}" are substituted.
	CompileCmd []string
	RunCmd     []string

	WallTime    time.Duration
	MemoryBytes int64
	CPUQuota    float64 // fraction of one core
	PidsLimit   int64

	// Env is added to both compile and run containers.
	Env map[string]string

	// CompileErrorPatterns promote interpreted-language stderr to a
	// compilation error.
	CompileErrorPatterns []*regexp.Regexp

	// Denylist feeds the static danger filter.
	Denylist []FilterRule
}

var javaClassRe = regexp.MustCompile(`public\s+class\s+([A-Za-z_][A-Za-z0-9_]*)`)

// EntryFile returns the source filename and main class for a submission.
// Java sources must be named after their public class; every other language
// uses the profile's fixed filename.
func (p *LanguageProfile) EntryFile(code string) (fileName, className string) {
	if p.ID != "java" {
		return p.FileName, ""
	}

	className = "Main"
	if m := javaClassRe.FindStringSubmatch(code); len(m) > 1 {
		className = m[1]
	}
	return className + ".java", className
}

// RenderCommand substitutes the file and class placeholders into a command
// template.
func RenderCommand(cmd []string, fileName, className string) []string {
	out := make([]string, 0, len(cmd))
	for _, part := range cmd {
		part = strings.ReplaceAll(part, "{{file}}", fileName)
		part = strings.ReplaceAll(part, "{{class}}", className)
		out = append(out, part)
	}
	return out
}

// Registry holds the supported language profiles.
type Registry struct {
	profiles map[string]*LanguageProfile
}

// NewRegistry builds the registry of built-in profiles with env overrides
// applied.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]*LanguageProfile)}
	for _, p := range builtinProfiles() {
		applyEnvOverrides(p)
		clampLimits(p)
		r.profiles[p.ID] = p
	}
	return r
}

// Get returns the profile for a language id or alias.
func (r *Registry) Get(language string) (*LanguageProfile, bool) {
	p, ok := r.profiles[NormalizeLanguage(language)]
	return p, ok
}

// IDs returns the supported language ids in stable order.
func (r *Registry) IDs() []string {
	return []string{"python", "javascript", "java", "cpp", "c", "go"}
}

// Profiles returns all registered profiles keyed by id.
func (r *Registry) Profiles() map[string]*LanguageProfile {
	return r.profiles
}

// NormalizeLanguage maps aliases onto canonical language ids.
func NormalizeLanguage(language string) string {
	switch strings.ToLower(strings.TrimSpace(language)) {
	case "python", "python3", "py":
		return "python"
	case "javascript", "js", "node", "nodejs":
		return "javascript"
	case "java":
		return "java"
	case "cpp", "c++", "cplusplus":
		return "cpp"
	case "c":
		return "c"
	case "go", "golang":
		return "go"
	default:
		return strings.ToLower(strings.TrimSpace(language))
	}
}

func builtinProfiles() []*LanguageProfile {
	return []*LanguageProfile{
		{
			ID:          "python",
			Name:        "Python 3.12",
			Image:       "python:3.12-alpine",
			FileName:    "main.py",
			RunCmd:      []string{"python3", "-u", "{{file}}"},
			WallTime:    10 * time.Second,
			MemoryBytes: 256 * 1024 * 1024,
			CPUQuota:    0.5,
			PidsLimit:   64,
			CompileErrorPatterns: []*regexp.Regexp{
				regexp.MustCompile(`SyntaxError`),
				regexp.MustCompile(`IndentationError`),
				regexp.MustCompile(`TabError`),
			},
			Denylist: pythonDenylist,
		},
		{
			ID:       "javascript",
			Name:     "Node.js 20",
			Image:    "node:20-alpine",
			FileName: "main.js",
			// --jitless avoids executable-memory permission issues in
			// hardened container runtimes.
			RunCmd:      []string{"node", "--jitless", "{{file}}"},
			WallTime:    10 * time.Second,
			MemoryBytes: 256 * 1024 * 1024,
			CPUQuota:    0.5,
			PidsLimit:   64,
			CompileErrorPatterns: []*regexp.Regexp{
				regexp.MustCompile(`SyntaxError`),
				regexp.MustCompile(`Unexpected token`),
				regexp.MustCompile(`Unexpected identifier`),
			},
			Denylist: javascriptDenylist,
		},
		{
			ID:          "java",
			Name:        "Java 17",
			Image:       "eclipse-temurin:17-jdk-alpine",
			FileName:    "Main.java",
			CompileCmd:  []string{"javac", "-d", ".", "{{file}}"},
			RunCmd:      []string{"java", "-cp", ".", "{{class}}"},
			WallTime:    20 * time.Second,
			MemoryBytes: 512 * 1024 * 1024,
			CPUQuota:    1.0,
			PidsLimit:   64,
			Denylist:    javaDenylist,
		},
		{
			ID:          "cpp",
			Name:        "C++ 17",
			Image:       "gcc:13",
			FileName:    "main.cpp",
			CompileCmd:  []string{"g++", "-O2", "-std=c++17", "-o", "main", "{{file}}"},
			RunCmd:      []string{"./main"},
			WallTime:    15 * time.Second,
			MemoryBytes: 256 * 1024 * 1024,
			CPUQuota:    0.5,
			PidsLimit:   64,
			Denylist:    cDenylist,
		},
		{
			ID:          "c",
			Name:        "C",
			Image:       "gcc:13",
			FileName:    "main.c",
			CompileCmd:  []string{"gcc", "-O2", "-o", "main", "{{file}}", "-lm"},
			RunCmd:      []string{"./main"},
			WallTime:    15 * time.Second,
			MemoryBytes: 256 * 1024 * 1024,
			CPUQuota:    0.5,
			PidsLimit:   64,
			Denylist:    cDenylist,
		},
		{
			ID:          "go",
			Name:        "Go 1.22",
			Image:       "golang:1.22-alpine",
			FileName:    "main.go",
			CompileCmd:  []string{"go", "build", "-o", "main", "{{file}}"},
			RunCmd:      []string{"./main"},
			WallTime:    20 * time.Second,
			MemoryBytes: 512 * 1024 * 1024,
			CPUQuota:    1.0,
			PidsLimit:   64,
			// The build cache must live on the writable workspace mount:
			// the root filesystem is read-only and /tmp is noexec.
			Env: map[string]string{
				"HOME":    "/workspace",
				"GOCACHE": "/workspace/.gocache",
			},
			Denylist: goDenylist,
		},
	}
}

func applyEnvOverrides(p *LanguageProfile) {
	id := strings.ToUpper(p.ID)

	if v := os.Getenv("SANDBOX_WALL_SECONDS_" + id); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			p.WallTime = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("SANDBOX_MEMORY_MB_" + id); v != "" {
		if mb, err := strconv.Atoi(v); err == nil && mb > 0 {
			p.MemoryBytes = int64(mb) * 1024 * 1024
		}
	}
}

func clampLimits(p *LanguageProfile) {
	if p.WallTime < minWallTime {
		p.WallTime = minWallTime
	}
	if p.WallTime > maxWallTime {
		p.WallTime = maxWallTime
	}
	if p.MemoryBytes < minMemoryBytes {
		p.MemoryBytes = minMemoryBytes
	}
	if p.MemoryBytes > maxMemoryBytes {
		p.MemoryBytes = maxMemoryBytes
	}
	if p.PidsLimit <= 0 || p.PidsLimit > maxPidsLimit {
		p.PidsLimit = maxPidsLimit
	}
	if p.CPUQuota <= 0 {
		p.CPUQuota = 0.5
	}
}

// ValidateSourceSize rejects sources over the configured byte limit.
func ValidateSourceSize(code string, limit int) error {
	if limit > 0 && len(code) > limit {
		return fmt.Errorf("source exceeds %d bytes", limit)
	}
	return nil
}
