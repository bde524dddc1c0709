package decision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/Xeon-774/parallel-coding-sub003/internal/prompt"
)

// ErrArbiterTimeout is returned when the judgment call did not answer
// within its deadline. The engine recovers it via the fallback layer.
var ErrArbiterTimeout = errors.New("decision: arbiter timed out")

// ArbiterError reports a transport or protocol failure while consulting
// the arbiter. Recovered via the fallback layer.
type ArbiterError struct {
	Op  string
	Err error
}

func (e *ArbiterError) Error() string {
	return fmt.Sprintf("decision: arbiter %s: %v", e.Op, e.Err)
}

func (e *ArbiterError) Unwrap() error { return e.Err }

// Judgment is the arbiter's answer to one confirmation request.
type Judgment struct {
	Action    Action
	Reasoning string
}

// Arbiter consults a secondary decision-making process for requests the
// rule layer could not settle.
type Arbiter interface {
	Judge(ctx context.Context, req *prompt.Request) (Judgment, error)
}

// ArbiterFunc adapts a function to the Arbiter interface.
type ArbiterFunc func(ctx context.Context, req *prompt.Request) (Judgment, error)

// Judge implements Arbiter.
func (f ArbiterFunc) Judge(ctx context.Context, req *prompt.Request) (Judgment, error) {
	return f(ctx, req)
}

// CommandArbiter asks a judge command for each request: the request is
// serialized into a natural-language question on stdin, and the first
// line of stdout must follow the minimal reply grammar — one leading
// token naming the action (APPROVE/APPROVED/YES or DENY/DENIED/NO),
// followed by free-text justification.
type CommandArbiter struct {
	Command []string
	Logger  *slog.Logger
	// TranscriptDir, when set, receives one file per judgment holding
	// the question asked and the raw reply, for operator review.
	TranscriptDir string
}

// Judge implements Arbiter by running the judge command once.
func (a *CommandArbiter) Judge(ctx context.Context, req *prompt.Request) (Judgment, error) {
	if len(a.Command) == 0 {
		return Judgment{}, &ArbiterError{Op: "spawn", Err: errors.New("no judge command configured")}
	}

	question := FormatQuestion(req)
	cmd := exec.CommandContext(ctx, a.Command[0], a.Command[1:]...)
	cmd.Stdin = strings.NewReader(question)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Judgment{}, ErrArbiterTimeout
	}
	if ctx.Err() != nil {
		// The caller is being torn down, not the judge being slow.
		return Judgment{}, ctx.Err()
	}
	if err != nil {
		return Judgment{}, &ArbiterError{Op: "run", Err: err}
	}

	a.writeTranscript(req, question, stdout.String())

	j, err := ParseReply(stdout.String())
	if err != nil {
		return Judgment{}, err
	}

	a.Logger.Debug("arbiter replied",
		"worker_id", req.WorkerID, "kind", req.Kind, "action", j.Action)
	return j, nil
}

// writeTranscript records the question and raw reply on disk. Best
// effort: a transcript failure never blocks the judgment.
func (a *CommandArbiter) writeTranscript(req *prompt.Request, question, reply string) {
	if a.TranscriptDir == "" {
		return
	}
	name := fmt.Sprintf("%s-%d.txt", req.WorkerID, time.Now().UnixNano())
	path := filepath.Join(a.TranscriptDir, name)
	body := question + "\n--- reply ---\n" + reply
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		a.Logger.Warn("arbiter transcript not written", "path", path, "error", err)
	}
}

// FormatQuestion renders one request as a natural-language question.
func FormatQuestion(req *prompt.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "A supervised coding agent is asking for confirmation.\n")
	fmt.Fprintf(&b, "Request type: %s\n", req.Kind)
	if req.Path != "" {
		fmt.Fprintf(&b, "Path: %s\n", req.Path)
	}
	if req.Command != "" {
		fmt.Fprintf(&b, "Command: %s\n", req.Command)
	}
	if req.Package != "" {
		fmt.Fprintf(&b, "Package: %s\n", req.Package)
	}
	if req.Host != "" {
		fmt.Fprintf(&b, "Host: %s\n", req.Host)
	}
	if req.Tool != "" {
		fmt.Fprintf(&b, "Tool: %s\n", req.Tool)
	}
	fmt.Fprintf(&b, "Prompt text: %s\n", req.Raw)
	fmt.Fprintf(&b, "Answer with APPROVE or DENY on the first line, followed by a short justification.\n")
	return b.String()
}

// ParseReply parses the minimal reply grammar. Anything beyond the
// leading action token is treated as free-text reasoning; the exact
// wording is deliberately not part of the contract.
func ParseReply(reply string) (Judgment, error) {
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		token, rest, _ := strings.Cut(line, " ")
		token = strings.ToUpper(strings.Trim(token, ":,.!"))
		reasoning := strings.TrimSpace(strings.TrimLeft(rest, ":,. "))
		switch token {
		case "APPROVE", "APPROVED", "YES":
			return Judgment{Action: Approve, Reasoning: reasoning}, nil
		case "DENY", "DENIED", "NO":
			return Judgment{Action: Deny, Reasoning: reasoning}, nil
		default:
			return Judgment{}, &ArbiterError{Op: "parse",
				Err: fmt.Errorf("unrecognized leading token %q", token)}
		}
	}
	return Judgment{}, &ArbiterError{Op: "parse", Err: errors.New("empty reply")}
}
