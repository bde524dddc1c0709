package prompt

import (
	"log/slog"
	"strings"
	"time"
)

// seenWindow is how many recently matched prompts are remembered to
// suppress re-triggering when the agent repaints its screen.
const seenWindow = 32

// Recognizer scans normalized output lines for confirmation prompts.
// It is owned by a single worker session and is not safe for concurrent
// use from multiple goroutines.
type Recognizer struct {
	workerID string
	catalog  []Pattern
	logger   *slog.Logger
	now      func() time.Time

	// Rolling window of recently emitted prompts, most recent last.
	recent []string
}

// NewRecognizer creates a recognizer for one worker using the default
// catalog.
func NewRecognizer(workerID string, logger *slog.Logger) *Recognizer {
	catalog := make([]Pattern, len(defaultCatalog))
	copy(catalog, defaultCatalog)
	return &Recognizer{
		workerID: workerID,
		catalog:  catalog,
		logger:   logger,
		now:      time.Now,
	}
}

// RegisterPattern appends a shape to this recognizer's catalog. Later
// registrations lose ties against the built-in (more specific) shapes.
func (r *Recognizer) RegisterPattern(p Pattern) {
	r.catalog = append(r.catalog, p)
}

// Recognize matches one line against the catalog. It returns nil when
// the line is not a confirmation prompt, or when the same prompt was
// already emitted within the rolling window (screen repaint).
func (r *Recognizer) Recognize(line string) *Request {
	normalized := collapseSpaces(line)
	if normalized == "" {
		return nil
	}

	for _, p := range r.catalog {
		m := p.Re.FindStringSubmatch(normalized)
		if m == nil {
			continue
		}

		if r.seen(normalized) {
			return nil
		}
		r.remember(normalized)

		req := &Request{
			Kind:       p.Kind,
			WorkerID:   r.workerID,
			Raw:        normalized,
			ObservedAt: r.now(),
		}
		for i, name := range p.Re.SubexpNames() {
			if i == 0 || name == "" || m[i] == "" {
				continue
			}
			val := strings.TrimSpace(m[i])
			switch name {
			case "path":
				req.Path = val
			case "command":
				req.Command = val
			case "pkg":
				req.Package = val
			case "host":
				req.Host = val
			case "tool":
				req.Tool = val
			}
		}

		r.logger.Debug("confirmation prompt recognized",
			"worker_id", r.workerID, "kind", req.Kind, "raw", req.Raw)
		return req
	}

	return nil
}

func (r *Recognizer) seen(line string) bool {
	for _, prev := range r.recent {
		if prev == line {
			return true
		}
	}
	return false
}

func (r *Recognizer) remember(line string) {
	r.recent = append(r.recent, line)
	if len(r.recent) > seenWindow {
		r.recent = r.recent[len(r.recent)-seenWindow:]
	}
}

// collapseSpaces trims the line and folds irregular whitespace runs into
// single spaces so the catalog can assume canonical spacing.
func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
