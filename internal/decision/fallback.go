package decision

import (
	"fmt"

	"github.com/Xeon-774/parallel-coding-sub003/internal/prompt"
)

// fallbackTemplates maps each request kind to its safe default when the
// arbiter is unavailable: reversible, workspace-scoped operations
// approve; destructive or externally visible operations deny.
var fallbackTemplates = map[prompt.Kind]Action{
	prompt.KindFileRead:        Approve,
	prompt.KindFileWrite:       Approve,
	prompt.KindFileEdit:        Approve,
	prompt.KindDirectoryCreate: Approve,
	prompt.KindPlanApproval:    Approve,

	prompt.KindFileDelete:     Deny,
	prompt.KindCommandExec:    Deny,
	prompt.KindPackageInstall: Deny,
	prompt.KindNetworkAccess:  Deny,
	prompt.KindPermission:     Deny,
	prompt.KindGitOperation:   Deny,
}

// Fallback produces the templated decision for a request whose
// escalation failed. It errors only for a kind with no template, which
// the engine surfaces as a hard stop.
func Fallback(req *prompt.Request) (Judgment, error) {
	action, ok := fallbackTemplates[req.Kind]
	if !ok {
		return Judgment{}, fmt.Errorf("no fallback template for request kind %q", req.Kind)
	}
	return Judgment{
		Action:    action,
		Reasoning: fmt.Sprintf("arbiter unavailable, templated default for %s", req.Kind),
	}, nil
}
