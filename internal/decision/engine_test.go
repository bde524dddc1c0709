package decision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Xeon-774/parallel-coding-sub003/internal/prompt"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// countingArbiter records how often it was consulted.
type countingArbiter struct {
	calls int
	fn    ArbiterFunc
}

func (c *countingArbiter) Judge(ctx context.Context, req *prompt.Request) (Judgment, error) {
	c.calls++
	return c.fn(ctx, req)
}

func TestRuleShortCircuitsArbiter(t *testing.T) {
	arb := &countingArbiter{fn: func(context.Context, *prompt.Request) (Judgment, error) {
		return Judgment{Action: Deny}, nil
	}}
	e := NewEngine(testPolicy(), arb, time.Second, discardLogger())

	d, err := e.Decide(context.Background(), &prompt.Request{
		Kind: prompt.KindFileWrite, WorkerID: "w-1", Path: "/work/project/a.go",
	})
	require.NoError(t, err)
	assert.Equal(t, Approve, d.Action)
	assert.Equal(t, SourceRule, d.Source)
	assert.False(t, d.IsFallback)
	assert.Zero(t, arb.calls, "a definitive rule must never invoke the arbiter")
}

func TestDestructiveCommandDenied(t *testing.T) {
	arb := &countingArbiter{fn: func(context.Context, *prompt.Request) (Judgment, error) {
		return Judgment{Action: Approve}, nil
	}}
	e := NewEngine(testPolicy(), arb, time.Second, discardLogger())

	d, err := e.Decide(context.Background(), &prompt.Request{
		Kind: prompt.KindCommandExec, WorkerID: "w-1", Command: "rm -rf /",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Action)
	assert.Equal(t, SourceRule, d.Source)
	assert.Zero(t, arb.calls)
}

func TestAmbiguousGoesToArbiter(t *testing.T) {
	arb := ArbiterFunc(func(ctx context.Context, req *prompt.Request) (Judgment, error) {
		return ParseReply("APPROVED: safe to proceed")
	})
	e := NewEngine(testPolicy(), arb, time.Second, discardLogger())

	d, err := e.Decide(context.Background(), &prompt.Request{
		Kind: prompt.KindCommandExec, WorkerID: "w-1", Command: "make test",
	})
	require.NoError(t, err)
	assert.Equal(t, Approve, d.Action)
	assert.Equal(t, SourceArbiter, d.Source)
	assert.Equal(t, "safe to proceed", d.Reasoning)
	assert.False(t, d.IsFallback)
}

func TestArbiterTimeoutFallsBack(t *testing.T) {
	arb := ArbiterFunc(func(ctx context.Context, req *prompt.Request) (Judgment, error) {
		<-ctx.Done()
		return Judgment{}, ErrArbiterTimeout
	})
	e := NewEngine(testPolicy(), arb, 50*time.Millisecond, discardLogger())

	// Commands fall back to deny, writes fall back to approve.
	d, err := e.Decide(context.Background(), &prompt.Request{
		Kind: prompt.KindCommandExec, WorkerID: "w-1", Command: "make test",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Action)
	assert.Equal(t, SourceFallback, d.Source)
	assert.True(t, d.IsFallback)

	d, err = e.Decide(context.Background(), &prompt.Request{
		Kind: prompt.KindFileWrite, WorkerID: "w-1", Path: "/elsewhere/x.go",
	})
	require.NoError(t, err)
	assert.Equal(t, Approve, d.Action)
	assert.True(t, d.IsFallback)
}

func TestArbiterErrorFallsBack(t *testing.T) {
	arb := ArbiterFunc(func(ctx context.Context, req *prompt.Request) (Judgment, error) {
		return Judgment{}, &ArbiterError{Op: "run", Err: errors.New("broken pipe")}
	})
	e := NewEngine(testPolicy(), arb, time.Second, discardLogger())

	d, err := e.Decide(context.Background(), &prompt.Request{
		Kind: prompt.KindNetworkAccess, WorkerID: "w-1", Host: "api.example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, Deny, d.Action)
	assert.Equal(t, SourceFallback, d.Source)
	assert.True(t, d.IsFallback)
}

func TestCancellationPropagatesInsteadOfFallingBack(t *testing.T) {
	arb := ArbiterFunc(func(ctx context.Context, req *prompt.Request) (Judgment, error) {
		<-ctx.Done()
		return Judgment{}, ctx.Err()
	})
	e := NewEngine(testPolicy(), arb, time.Minute, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Decide(ctx, &prompt.Request{
		Kind: prompt.KindCommandExec, WorkerID: "w-1", Command: "make test",
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHardStopWhenFallbackCannotAnswer(t *testing.T) {
	arb := ArbiterFunc(func(ctx context.Context, req *prompt.Request) (Judgment, error) {
		return Judgment{}, &ArbiterError{Op: "run", Err: errors.New("judge unreachable")}
	})
	e := NewEngine(testPolicy(), arb, time.Second, discardLogger())

	// A kind outside the closed template set has no safe default.
	_, err := e.Decide(context.Background(), &prompt.Request{
		Kind: prompt.Kind("unknown_shape"), WorkerID: "w-1",
	})
	require.Error(t, err)

	var hs *HardStopError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, "w-1", hs.WorkerID)
}

func TestStatsCounters(t *testing.T) {
	arb := ArbiterFunc(func(ctx context.Context, req *prompt.Request) (Judgment, error) {
		return Judgment{Action: Approve, Reasoning: "ok"}, nil
	})
	e := NewEngine(testPolicy(), arb, time.Second, discardLogger())
	ctx := context.Background()

	// Two rule decisions, one arbiter decision.
	for i := 0; i < 2; i++ {
		_, err := e.Decide(ctx, &prompt.Request{Kind: prompt.KindFileWrite, Path: "a.go"})
		require.NoError(t, err)
	}
	_, err := e.Decide(ctx, &prompt.Request{Kind: prompt.KindCommandExec, Command: "make test"})
	require.NoError(t, err)

	stats := e.Stats()
	assert.EqualValues(t, 2, stats[SourceRule].Count)
	assert.EqualValues(t, 1, stats[SourceArbiter].Count)
	assert.Zero(t, stats[SourceFallback].Count)
}
