// Package prompt recognizes operation-confirmation prompts in the
// normalized output of a supervised agent and turns them into structured
// confirmation requests.
//
// Detection is pattern based and best-effort: an agent that states a
// concern without one of the cataloged phrasings will not trigger a
// request. The catalog is versioned and extensible so external tooling
// can add shapes without touching the decision engine.
package prompt

import (
	"time"
)

// Kind is the closed enumeration of confirmation request types.
type Kind string

const (
	KindFileWrite       Kind = "file_write"
	KindFileEdit        Kind = "file_edit"
	KindFileDelete      Kind = "file_delete"
	KindFileRead        Kind = "file_read"
	KindCommandExec     Kind = "command_exec"
	KindPackageInstall  Kind = "package_install"
	KindNetworkAccess   Kind = "network_access"
	KindPermission      Kind = "permission"
	KindDirectoryCreate Kind = "directory_create"
	KindGitOperation    Kind = "git_operation"
	KindPlanApproval    Kind = "plan_approval"
)

// Request is one observed confirmation prompt with its extracted detail
// fields. Only the fields relevant to the Kind are populated.
type Request struct {
	Kind     Kind   `json:"kind"`
	WorkerID string `json:"worker_id"`
	Raw      string `json:"raw"`

	Path    string `json:"path,omitempty"`
	Command string `json:"command,omitempty"`
	Package string `json:"package,omitempty"`
	Host    string `json:"host,omitempty"`
	Tool    string `json:"tool,omitempty"`

	ObservedAt time.Time `json:"observed_at"`
}
