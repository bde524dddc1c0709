// Package audit maintains the append-only audit trail: one record per
// line, structured as field=value pairs, safe to tail with external log
// viewers while being written. Records are never mutated or deleted.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Field is one key=value pair in a record.
type Field struct {
	Key   string
	Value string
}

// F builds a Field from any value.
func F(key string, value any) Field {
	return Field{Key: key, Value: fmt.Sprint(value)}
}

// Trail is an append-only field=value log. Appends are serialized and
// each record is written with a single flush so concurrent tailers
// always see whole lines.
type Trail struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time
}

// Open opens (creating if necessary) the trail at path for appending.
func Open(path string) (*Trail, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit trail: %w", err)
	}
	return &Trail{file: file, now: time.Now}, nil
}

// Append writes one record. The ts and event fields come first so the
// trail stays scannable by eye.
func (t *Trail) Append(event string, fields ...Field) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var b strings.Builder
	b.WriteString("ts=")
	b.WriteString(t.now().UTC().Format(time.RFC3339Nano))
	b.WriteString(" event=")
	b.WriteString(encodeValue(event))
	for _, f := range fields {
		b.WriteByte(' ')
		b.WriteString(f.Key)
		b.WriteByte('=')
		b.WriteString(encodeValue(f.Value))
	}
	b.WriteByte('\n')

	if _, err := t.file.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// Close closes the trail file.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// encodeValue quotes values that would break the one-line k=v framing.
func encodeValue(v string) string {
	if v == "" {
		return `""`
	}
	if strings.ContainsAny(v, " \t\n\"=") {
		return strconv.Quote(v)
	}
	return v
}
