package prompt

import (
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecognizer(t *testing.T) *Recognizer {
	t.Helper()
	return NewRecognizer("w-1", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRecognizeCatalog(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		kind    Kind
		path    string
		command string
		pkg     string
		host    string
	}{
		{name: "file write", line: "Do you want to write the file src/main.go?", kind: KindFileWrite, path: "src/main.go"},
		{name: "file write short", line: "Write to /tmp/out.txt? (y/n)", kind: KindFileWrite, path: "/tmp/out.txt"},
		{name: "file edit", line: "Do you want to edit file internal/app.go?", kind: KindFileEdit, path: "internal/app.go"},
		{name: "file delete", line: "Delete file old/config.yaml?", kind: KindFileDelete, path: "old/config.yaml"},
		{name: "file read", line: "Do you want to read file .env?", kind: KindFileRead, path: ".env"},
		{name: "command exec backtick", line: "Run command `make test`?", kind: KindCommandExec, command: "make test"},
		{name: "command exec colon", line: "Do you want to run: go vet ./...?", kind: KindCommandExec, command: "go vet ./..."},
		{name: "package install", line: "Do you want to install the package left-pad?", kind: KindPackageInstall, pkg: "left-pad"},
		{name: "package install npm", line: "Run 'npm install express'?", kind: KindPackageInstall, pkg: "express"},
		{name: "network access", line: "Allow network access to api.example.com?", kind: KindNetworkAccess, host: "api.example.com"},
		{name: "directory create", line: "Create directory build/artifacts?", kind: KindDirectoryCreate, path: "build/artifacts"},
		{name: "git operation", line: "Do you want to commit these changes?", kind: KindGitOperation},
		{name: "plan approval", line: "Do you want to proceed with this plan?", kind: KindPlanApproval},
		{name: "case insensitive", line: "DELETE FILE secrets.txt?", kind: KindFileDelete, path: "secrets.txt"},
		{name: "irregular whitespace", line: "  Do  you want to\twrite the file   a.go ?", kind: KindFileWrite, path: "a.go"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRecognizer(t)
			req := r.Recognize(tt.line)
			require.NotNil(t, req, "expected a match for %q", tt.line)
			assert.Equal(t, tt.kind, req.Kind)
			assert.Equal(t, "w-1", req.WorkerID)
			assert.False(t, req.ObservedAt.IsZero())
			if tt.path != "" {
				assert.Equal(t, tt.path, req.Path)
			}
			if tt.command != "" {
				assert.Equal(t, tt.command, req.Command)
			}
			if tt.pkg != "" {
				assert.Equal(t, tt.pkg, req.Package)
			}
			if tt.host != "" {
				assert.Equal(t, tt.host, req.Host)
			}
		})
	}
}

func TestRecognizeNonPrompts(t *testing.T) {
	r := newTestRecognizer(t)
	for _, line := range []string{
		"",
		"   ",
		"Compiling module internal/app...",
		"All tests passed.",
		"I wrote the file src/main.go for you.",
	} {
		assert.Nil(t, r.Recognize(line), "line %q must not match", line)
	}
}

func TestDeleteWinsOverWrite(t *testing.T) {
	// "delete" shapes are listed before generic file shapes; first match
	// wins on a line both could plausibly claim.
	r := newTestRecognizer(t)
	req := r.Recognize("Do you want to delete the file data.db?")
	require.NotNil(t, req)
	assert.Equal(t, KindFileDelete, req.Kind)
}

func TestRepaintEmitsOnce(t *testing.T) {
	r := newTestRecognizer(t)
	line := "Do you want to write the file src/main.go?"

	require.NotNil(t, r.Recognize(line))
	assert.Nil(t, r.Recognize(line), "repaint of the same prompt must not re-trigger")
	// Different whitespace, same prompt after normalization.
	assert.Nil(t, r.Recognize("Do you  want to write the file   src/main.go?"))

	// A genuinely different prompt still fires.
	require.NotNil(t, r.Recognize("Do you want to write the file src/other.go?"))
}

func TestSeenWindowRolls(t *testing.T) {
	r := newTestRecognizer(t)
	first := "Do you want to write the file f0.go?"
	require.NotNil(t, r.Recognize(first))

	// Push the first prompt out of the rolling window.
	for i := 1; i <= seenWindow; i++ {
		r.remember(collapseSpaces(first + string(rune('a'+i%26))))
	}

	assert.NotNil(t, r.Recognize(first), "evicted prompt may fire again")
}

func TestRegisterPattern(t *testing.T) {
	r := newTestRecognizer(t)
	r.RegisterPattern(Pattern{
		Kind: KindPermission,
		Re:   regexp.MustCompile(`(?i)custom gate (?P<tool>\S+) \[y/N\]`),
	})

	req := r.Recognize("custom gate WebFetch [y/N]")
	require.NotNil(t, req)
	assert.Equal(t, KindPermission, req.Kind)
	assert.Equal(t, "WebFetch", req.Tool)
}
