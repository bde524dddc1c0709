package decision

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Xeon-774/parallel-coding-sub003/internal/prompt"
)

// Policy holds the deterministic rule inputs. It is built once at
// startup from configuration and never mutated afterwards.
type Policy struct {
	// WorkspaceRoot is the directory the agent is allowed to work in.
	WorkspaceRoot string
	// PinnedPackages are manifest-pinned dependencies that may be
	// installed without escalation.
	PinnedPackages map[string]bool
	// CriticalFiles are base names whose deletion or overwrite is always
	// denied.
	CriticalFiles map[string]bool

	destructive []*regexp.Regexp
}

// destructiveCommandPatterns is the small denylist of command shapes
// that are denied outright, whatever else is configured.
var destructiveCommandPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|~|\$HOME)\S*`),
	regexp.MustCompile(`(?i)\brm\s+-[rf]{1,2}\s+/\s*$`),
	regexp.MustCompile(`(?i)\bmkfs(\.\w+)?\b`),
	regexp.MustCompile(`(?i)\bdd\s+.*of=/dev/`),
	regexp.MustCompile(`(?i):\(\)\s*\{\s*:\|:&\s*\}\s*;`),
	regexp.MustCompile(`(?i)\bshutdown\b|\breboot\b|\bhalt\b`),
	regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)?777\s+/\s*$`),
	regexp.MustCompile(`(?i)>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`(?i)\bgit\s+push\s+.*--force\b.*\b(main|master)\b`),
}

// NewPolicy compiles a policy from its configured inputs.
func NewPolicy(workspaceRoot string, pinned, critical []string) *Policy {
	p := &Policy{
		WorkspaceRoot:  filepath.Clean(workspaceRoot),
		PinnedPackages: make(map[string]bool, len(pinned)),
		CriticalFiles:  make(map[string]bool, len(critical)),
		destructive:    destructiveCommandPatterns,
	}
	for _, name := range pinned {
		p.PinnedPackages[strings.ToLower(name)] = true
	}
	for _, name := range critical {
		p.CriticalFiles[name] = true
	}
	return p
}

// Verdict is the outcome of the rule layer. A non-definitive verdict
// passes the request on to the arbiter.
type Verdict struct {
	Definitive bool
	Action     Action
	Reason     string
}

// EvaluateRules applies the deterministic rule set to one request. It
// is a pure function over the policy and the request: no I/O, no clock,
// sub-millisecond.
func (p *Policy) EvaluateRules(req *prompt.Request) Verdict {
	switch req.Kind {
	case prompt.KindFileWrite, prompt.KindFileEdit:
		if p.isCritical(req.Path) {
			return Verdict{Definitive: true, Action: Deny,
				Reason: "overwrite of critical file " + req.Path}
		}
		if p.inWorkspace(req.Path) {
			return Verdict{Definitive: true, Action: Approve,
				Reason: "write target inside workspace root"}
		}

	case prompt.KindFileRead:
		if p.inWorkspace(req.Path) {
			return Verdict{Definitive: true, Action: Approve,
				Reason: "read target inside workspace root"}
		}

	case prompt.KindDirectoryCreate:
		if p.inWorkspace(req.Path) {
			return Verdict{Definitive: true, Action: Approve,
				Reason: "directory inside workspace root"}
		}

	case prompt.KindFileDelete:
		if p.isCritical(req.Path) {
			return Verdict{Definitive: true, Action: Deny,
				Reason: "deletion of critical file " + req.Path}
		}
		// Non-critical deletes still escalate.

	case prompt.KindCommandExec, prompt.KindGitOperation:
		for _, re := range p.destructive {
			if re.MatchString(req.Command) {
				return Verdict{Definitive: true, Action: Deny,
					Reason: "command matches destructive pattern " + re.String()}
			}
		}

	case prompt.KindPackageInstall:
		if p.PinnedPackages[strings.ToLower(req.Package)] {
			return Verdict{Definitive: true, Action: Approve,
				Reason: "package pinned in manifest: " + req.Package}
		}
	}

	return Verdict{Definitive: false}
}

// inWorkspace reports whether path resolves inside the workspace root.
// Purely lexical: relative paths are joined to the root, ".." escapes
// are rejected, symlinks are not chased (that would be I/O).
func (p *Policy) inWorkspace(path string) bool {
	if path == "" {
		return false
	}
	resolved := filepath.Clean(path)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(p.WorkspaceRoot, resolved)
	}
	rel, err := filepath.Rel(p.WorkspaceRoot, resolved)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (p *Policy) isCritical(path string) bool {
	if path == "" {
		return false
	}
	return p.CriticalFiles[filepath.Base(path)]
}
