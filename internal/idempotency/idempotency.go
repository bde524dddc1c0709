// Package idempotency derives stable request tokens and runs mutating
// operations at most once, replaying the recorded outcome on retry.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/Xeon-774/parallel-coding-sub003/internal/store"
)

// CanonicalJSON marshals v deterministically: map keys are sorted
// recursively so logically equal values always hash the same.
func CanonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("normalizing value: %w", err)
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("marshaling canonical JSON: %w", err)
	}
	return data, nil
}

func normalize(v any) (any, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		values := make(map[string]any, len(val))
		for _, k := range keys {
			n, err := normalize(val[k])
			if err != nil {
				return nil, err
			}
			values[k] = n
		}
		return &orderedObject{keys: keys, values: values}, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		// Structs and primitives round-trip through encoding/json so
		// nested maps inside them are also normalized.
		if _, ok := v.(json.Marshaler); !ok {
			if reencoded, ok, err := reencode(v); err != nil {
				return nil, err
			} else if ok {
				return normalize(reencoded)
			}
		}
		return v, nil
	}
}

// reencode flattens struct values into generic maps so their keys get
// sorted too. Primitives report ok=false and pass through untouched.
func reencode(v any) (any, bool, error) {
	switch v.(type) {
	case nil, bool, string, float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return nil, false, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, false, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false, err
	}
	switch generic.(type) {
	case map[string]any, []any:
		return generic, true, nil
	}
	return nil, false, nil
}

// orderedObject marshals its entries in key order.
type orderedObject struct {
	keys   []string
	values map[string]any
}

func (o *orderedObject) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			b.WriteByte(',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		valJSON, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, err
		}
		b.Write(keyJSON)
		b.WriteByte(':')
		b.Write(valJSON)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

// KeyFor derives the token for one operation invocation:
// "ik:" + hex(SHA256(operation + "\n" + canonical_json(params))).
func KeyFor(operation string, params any) (string, error) {
	paramsJSON, err := CanonicalJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalizing params for %s: %w", operation, err)
	}
	sum := sha256.Sum256([]byte(operation + "\n" + string(paramsJSON)))
	return "ik:" + hex.EncodeToString(sum[:]), nil
}

// ErrInFlight reports a retry that raced an unfinished first attempt.
var ErrInFlight = fmt.Errorf("idempotency: original request still in flight")

// Registry executes mutating operations at most once per key.
type Registry struct {
	store  *store.Store
	logger *slog.Logger
}

// NewRegistry creates a registry backed by the store.
func NewRegistry(st *store.Store, logger *slog.Logger) *Registry {
	return &Registry{store: st, logger: logger}
}

// Execute runs fn under key. The first call runs fn and records its
// outcome; later calls with the same key replay the recorded outcome
// without re-running fn. A retry that arrives while the first attempt
// is still running fails with ErrInFlight rather than double-executing.
func (r *Registry) Execute(ctx context.Context, key, operation string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	if key == "" {
		// No token supplied: the caller opted out of replay.
		return fn(ctx)
	}

	prior, claimed, err := r.store.ClaimIdempotencyKey(ctx, key, operation)
	if err != nil {
		return nil, err
	}
	if !claimed {
		if !prior.Completed {
			return nil, fmt.Errorf("key %s: %w", key, ErrInFlight)
		}
		r.logger.Debug("replaying recorded outcome", "key", key, "operation", operation)
		return prior.Outcome, nil
	}

	outcome, err := fn(ctx)
	if err != nil {
		// The claim stays incomplete; a later retry with the same key
		// keeps failing with ErrInFlight rather than guessing whether
		// the side effect landed.
		return nil, err
	}
	if cerr := r.store.CompleteIdempotencyKey(ctx, key, outcome); cerr != nil {
		return outcome, fmt.Errorf("recording outcome for %s: %w", key, cerr)
	}
	return outcome, nil
}
