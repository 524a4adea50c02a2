package task_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/clock"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/store/memory"
	"github.com/StratusCode/paralyze/task"
)

func setupEngines(t *testing.T, opts ...task.EngineOption) (*memory.Store, *clock.Manual, *task.Engine, *task.Engine) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC))
	s := memory.New(memory.WithClock(clk))
	a := task.NewEngine(s, id.NewOwnerID(), opts...)
	b := task.NewEngine(s, id.NewOwnerID(), opts...)
	return s, clk, a, b
}

func TestEngine_EnqueueAndClaim(t *testing.T) {
	_, _, a, _ := setupEngines(t)
	ctx := context.Background()

	created, err := a.Enqueue(ctx, "send-email", []byte(`{"to":"ops"}`))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if created.State != task.StateUnclaimed {
		t.Errorf("State = %s, want %s", created.State, task.StateUnclaimed)
	}

	c, err := a.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if c.TaskID.String() != created.ID.String() {
		t.Errorf("claimed %s, want %s", c.TaskID, created.ID)
	}
	if c.Fence != 1 {
		t.Errorf("Fence = %d, want 1", c.Fence)
	}
	if c.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", c.AttemptCount)
	}
	if c.Kind != "send-email" {
		t.Errorf("Kind = %q, want %q", c.Kind, "send-email")
	}
}

func TestEngine_NoWorkAvailable(t *testing.T) {
	_, _, a, _ := setupEngines(t)

	_, err := a.ClaimNext(context.Background(), 30*time.Second)
	if !errors.Is(err, paralyze.ErrNoWorkAvailable) {
		t.Fatalf("claim on empty store error = %v, want ErrNoWorkAvailable", err)
	}
}

func TestEngine_ClaimedTaskIsExclusive(t *testing.T) {
	_, _, a, b := setupEngines(t)
	ctx := context.Background()

	if _, err := a.Enqueue(ctx, "send-email", nil); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	if _, err := a.ClaimNext(ctx, 30*time.Second); err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}

	_, err := b.ClaimNext(ctx, 30*time.Second)
	if !errors.Is(err, paralyze.ErrNoWorkAvailable) {
		t.Fatalf("second claim error = %v, want ErrNoWorkAvailable", err)
	}
}

func TestEngine_CompleteSettlesTask(t *testing.T) {
	s, _, a, _ := setupEngines(t)
	ctx := context.Background()

	created, err := a.Enqueue(ctx, "send-email", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	c, err := a.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if err := a.Complete(ctx, c); err != nil {
		t.Fatalf("unexpected complete error: %v", err)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got.State != task.StateCompleted {
		t.Errorf("State = %s, want %s", got.State, task.StateCompleted)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
}

func TestEngine_ExpiredClaimIsReclaimed(t *testing.T) {
	_, clk, a, b := setupEngines(t)
	ctx := context.Background()

	if _, err := a.Enqueue(ctx, "send-email", nil); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	ca, err := a.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}

	clk.Advance(31 * time.Second)

	cb, err := b.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("reclaim error: %v", err)
	}
	if cb.TaskID.String() != ca.TaskID.String() {
		t.Fatalf("reclaimed %s, want %s", cb.TaskID, ca.TaskID)
	}
	if !cb.Fence.Newer(ca.Fence) {
		t.Errorf("reclaim fence %d not newer than %d", cb.Fence, ca.Fence)
	}
	if cb.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", cb.AttemptCount)
	}

	// The original worker's settle attempts must be rejected so its stale
	// result is discarded.
	if err := a.Extend(ctx, ca); !errors.Is(err, paralyze.ErrClaimLost) {
		t.Errorf("stale extend error = %v, want ErrClaimLost", err)
	}
	if err := a.Complete(ctx, ca); !errors.Is(err, paralyze.ErrClaimLost) {
		t.Errorf("stale complete error = %v, want ErrClaimLost", err)
	}
}

func TestEngine_ExpiredClaimsComeBeforeUnclaimed(t *testing.T) {
	_, clk, a, b := setupEngines(t)
	ctx := context.Background()

	first, err := a.Enqueue(ctx, "send-email", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	clk.Advance(time.Second)
	if _, err = a.Enqueue(ctx, "send-email", nil); err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	// Claim the older task, then let the claim rot past its deadline.
	ca, err := a.ClaimNext(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if ca.TaskID.String() != first.ID.String() {
		t.Fatalf("claimed %s, want oldest %s", ca.TaskID, first.ID)
	}
	clk.Advance(11 * time.Second)

	cb, err := b.ClaimNext(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if cb.TaskID.String() != first.ID.String() {
		t.Errorf("claimed %s, want expired %s before the unclaimed task", cb.TaskID, first.ID)
	}
}

func TestEngine_FailRequeuesForRetry(t *testing.T) {
	s, _, a, b := setupEngines(t)
	ctx := context.Background()

	created, err := a.Enqueue(ctx, "send-email", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	c, err := a.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if err := a.Fail(ctx, c, false, errors.New("smtp timeout")); err != nil {
		t.Fatalf("unexpected fail error: %v", err)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got.State != task.StateUnclaimed {
		t.Fatalf("State = %s, want %s", got.State, task.StateUnclaimed)
	}
	if got.LastError != "smtp timeout" {
		t.Errorf("LastError = %q, want %q", got.LastError, "smtp timeout")
	}

	// Another worker picks it up with the attempt count preserved.
	c2, err := b.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("retry claim error: %v", err)
	}
	if c2.AttemptCount != 2 {
		t.Errorf("retry AttemptCount = %d, want 2", c2.AttemptCount)
	}
}

func TestEngine_PermanentFailIsTerminal(t *testing.T) {
	s, _, a, _ := setupEngines(t)
	ctx := context.Background()

	created, err := a.Enqueue(ctx, "send-email", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	c, err := a.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	if err := a.Fail(ctx, c, true, errors.New("malformed payload")); err != nil {
		t.Fatalf("unexpected fail error: %v", err)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got.State != task.StateFailed {
		t.Errorf("State = %s, want %s", got.State, task.StateFailed)
	}
}

func TestEngine_AttemptCeilingForcesFailed(t *testing.T) {
	s, _, a, _ := setupEngines(t, task.WithMaxAttempts(2))
	ctx := context.Background()

	created, err := a.Enqueue(ctx, "send-email", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	// Attempt 1: retryable failure requeues.
	c, err := a.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("attempt 1 claim error: %v", err)
	}
	if err = a.Fail(ctx, c, false, errors.New("boom")); err != nil {
		t.Fatalf("attempt 1 fail error: %v", err)
	}

	// Attempt 2 hits the ceiling: even a retryable failure is terminal.
	c, err = a.ClaimNext(ctx, 30*time.Second)
	if err != nil {
		t.Fatalf("attempt 2 claim error: %v", err)
	}
	if c.AttemptCount != 2 {
		t.Fatalf("AttemptCount = %d, want 2", c.AttemptCount)
	}
	err = a.Fail(ctx, c, false, errors.New("boom again"))
	if !errors.Is(err, paralyze.ErrMaxAttemptsExceeded) {
		t.Fatalf("attempt 2 fail error = %v, want ErrMaxAttemptsExceeded", err)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got.State != task.StateFailed {
		t.Errorf("State = %s, want %s after hitting the attempt ceiling", got.State, task.StateFailed)
	}

	if _, err := a.ClaimNext(ctx, 30*time.Second); !errors.Is(err, paralyze.ErrNoWorkAvailable) {
		t.Errorf("claim after terminal failure error = %v, want ErrNoWorkAvailable", err)
	}
}

func TestEngine_ExtendPushesDeadline(t *testing.T) {
	s, clk, a, _ := setupEngines(t)
	ctx := context.Background()

	created, err := a.Enqueue(ctx, "send-email", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}
	c, err := a.ClaimNext(ctx, 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}

	clk.Advance(8 * time.Second)
	if err := a.Extend(ctx, c); err != nil {
		t.Fatalf("unexpected extend error: %v", err)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	wantMin := clk.Now().Add(9 * time.Second)
	if got.ClaimExpiresAt == nil || got.ClaimExpiresAt.Before(wantMin) {
		t.Errorf("ClaimExpiresAt = %v, want at least %v", got.ClaimExpiresAt, wantMin)
	}
}
