package sandbox

import (
	"fmt"
	"regexp"
)

// FilterRule is one denylisted source pattern. Rules are checked before a
// submission is enqueued and again inside the worker; the container is the
// authoritative boundary, this is defense in depth.
type FilterRule struct {
	Pattern *regexp.Regexp
	Reason  string

	// Strict rules (loop shapes) only apply when the strict filter is
	// enabled; by default the wall-time cap handles runaway loops.
	Strict bool
}

// FilterViolation reports the first rule a source tripped.
type FilterViolation struct {
	Language string
	Reason   string
}

func (v *FilterViolation) Error() string {
	return fmt.Sprintf("forbidden construct (%s): %s", v.Language, v.Reason)
}

func rule(pattern, reason string) FilterRule {
	return FilterRule{Pattern: regexp.MustCompile(pattern), Reason: reason}
}

func strictRule(pattern, reason string) FilterRule {
	return FilterRule{Pattern: regexp.MustCompile(pattern), Reason: reason, Strict: true}
}

var pythonDenylist = []FilterRule{
	rule(`\bimport\s+os\b`, "os module is not allowed"),
	rule(`\bimport\s+subprocess\b`, "subprocess module is not allowed"),
	rule(`\bimport\s+socket\b`, "socket module is not allowed"),
	rule(`\bimport\s+shutil\b`, "shutil module is not allowed"),
	rule(`\bimport\s+ctypes\b`, "ctypes module is not allowed"),
	rule(`\bfrom\s+(os|subprocess|socket|shutil|ctypes)\b`, "dangerous module import"),
	rule(`\b__import__\s*\(`, "dynamic import is not allowed"),
	rule(`\beval\s*\(`, "eval is not allowed"),
	rule(`\bexec\s*\(`, "exec is not allowed"),
	rule(`\bcompile\s*\(`, "compile is not allowed"),
	rule(`\bopen\s*\([^)]*['"][wax]`, "writing files is not allowed"),
	strictRule(`while\s+True\s*:`, "unbounded loop"),
}

var javascriptDenylist = []FilterRule{
	rule(`\brequire\s*\(\s*['"]child_process['"]`, "child_process is not allowed"),
	rule(`\brequire\s*\(\s*['"]fs['"]`, "fs module is not allowed"),
	rule(`\brequire\s*\(\s*['"]net['"]`, "net module is not allowed"),
	rule(`\brequire\s*\(\s*['"]http['"]`, "http module is not allowed"),
	rule(`\brequire\s*\(\s*['"]dgram['"]`, "dgram module is not allowed"),
	rule(`\bimport\s+.*\bfrom\s+['"](child_process|fs|net|http|dgram)['"]`, "dangerous module import"),
	rule(`\beval\s*\(`, "eval is not allowed"),
	rule(`\bnew\s+Function\s*\(`, "dynamic code generation is not allowed"),
	rule(`\bprocess\s*\.\s*(exit|kill|binding)\b`, "process control is not allowed"),
	strictRule(`while\s*\(\s*(true|1)\s*\)`, "unbounded loop"),
	strictRule(`for\s*\(\s*;\s*;\s*\)`, "unbounded loop"),
}

var javaDenylist = []FilterRule{
	rule(`\bRuntime\s*\.\s*getRuntime\s*\(`, "Runtime.exec is not allowed"),
	rule(`\bProcessBuilder\b`, "ProcessBuilder is not allowed"),
	rule(`\bjava\.net\.`, "networking is not allowed"),
	rule(`\bjava\.nio\.file\.`, "filesystem access is not allowed"),
	rule(`\bnew\s+FileWriter\b`, "writing files is not allowed"),
	rule(`\bnew\s+FileOutputStream\b`, "writing files is not allowed"),
	rule(`\bSystem\s*\.\s*exit\s*\(`, "System.exit is not allowed"),
	rule(`\bjava\.lang\.reflect\b`, "reflection is not allowed"),
	strictRule(`while\s*\(\s*true\s*\)`, "unbounded loop"),
}

var cDenylist = []FilterRule{
	rule(`\bsystem\s*\(`, "system() is not allowed"),
	rule(`\b(popen|execve|execvp|execl|fork|vfork)\s*\(`, "spawning processes is not allowed"),
	rule(`\bsocket\s*\(`, "networking is not allowed"),
	rule(`\b(remove|unlink|rename)\s*\(`, "filesystem mutation is not allowed"),
	rule(`\bfopen\s*\([^)]*,\s*"[wa]`, "writing files is not allowed"),
	rule(`#\s*include\s*<sys/socket\.h>`, "networking is not allowed"),
	strictRule(`while\s*\(\s*(true|1)\s*\)`, "unbounded loop"),
	strictRule(`for\s*\(\s*;\s*;\s*\)`, "unbounded loop"),
}

var goDenylist = []FilterRule{
	rule(`"os/exec"`, "os/exec is not allowed"),
	rule(`"net"`, "networking is not allowed"),
	rule(`"net/http"`, "networking is not allowed"),
	rule(`"syscall"`, "syscall is not allowed"),
	rule(`"unsafe"`, "unsafe is not allowed"),
	rule(`\bos\s*\.\s*(Remove|RemoveAll|Create|OpenFile)\s*\(`, "filesystem mutation is not allowed"),
	rule(`\bos\s*\.\s*Exit\s*\(`, "os.Exit is not allowed"),
	strictRule(`for\s*\{`, "unbounded loop"),
}

// Filter checks submissions against the per-language denylist.
type Filter struct {
	strict bool
}

// NewFilter builds a filter. Strict mode additionally rejects loop-shape
// patterns; the default relies on the wall-time cap instead.
func NewFilter(strict bool) *Filter {
	return &Filter{strict: strict}
}

// Check returns a *FilterViolation when the source trips a denylist rule
// for the profile's language, nil otherwise.
func (f *Filter) Check(code string, profile *LanguageProfile) error {
	for _, r := range profile.Denylist {
		if r.Strict && !f.strict {
			continue
		}
		if r.Pattern.MatchString(code) {
			return &FilterViolation{Language: profile.ID, Reason: r.Reason}
		}
	}
	return nil
}
