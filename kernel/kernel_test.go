package kernel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/kernel"
	"github.com/StratusCode/paralyze/store/memory"
	"github.com/StratusCode/paralyze/task"
)

func setupKernel(t *testing.T, opts ...kernel.Option) (*paralyze.Coordinator, *kernel.Kernel, *memory.Store) {
	t.Helper()

	s := memory.New()
	c, err := paralyze.New(
		paralyze.WithStore(s),
		paralyze.WithConcurrency(1),
	)
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}

	k, err := kernel.Build(c, s, opts...)
	if err != nil {
		t.Fatalf("unexpected build error: %v", err)
	}
	return c, k, s
}

func TestBuildRequiresStore(t *testing.T) {
	c, err := paralyze.New()
	if err != nil {
		t.Fatalf("unexpected coordinator error: %v", err)
	}
	if _, err := kernel.Build(c, nil); !errors.Is(err, paralyze.ErrNoStore) {
		t.Fatalf("Build(nil store) error = %v, want ErrNoStore", err)
	}
}

func TestBuildWiresSubsystems(t *testing.T) {
	owner := id.NewOwnerID()
	_, k, _ := setupKernel(t, kernel.WithOwner(owner))

	if k.Owner().String() != owner.String() {
		t.Errorf("Owner() = %s, want %s", k.Owner(), owner)
	}
	if k.Leases() == nil || k.Tasks() == nil || k.Heartbeats() == nil || k.Runner() == nil {
		t.Fatal("Build left a subsystem nil")
	}
}

func TestCoordinatorLifecycleProcessesWork(t *testing.T) {
	c, k, s := setupKernel(t)
	ctx := context.Background()

	done := make(chan struct{})
	err := k.Register("touch", func(context.Context, *task.Claim) error {
		close(done)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	created, err := k.Enqueue(ctx, "touch", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := c.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got.State != task.StateCompleted {
		t.Errorf("State = %s, want %s", got.State, task.StateCompleted)
	}
}

func TestHoldGuardsAndReleases(t *testing.T) {
	_, k, s := setupKernel(t)
	ctx := context.Background()

	guarded, release, err := k.Hold(ctx, "jobs/reindex", 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected hold error: %v", err)
	}

	fence, ok := paralyze.FenceFromContext(guarded)
	if !ok {
		t.Fatal("guarded context carries no fence token")
	}
	if fence != 1 {
		t.Errorf("fence = %d, want 1", fence)
	}

	// A second holder must be turned away while the lease lives.
	if _, _, err := k.Hold(ctx, "jobs/reindex", 30*time.Second); !errors.Is(err, paralyze.ErrAlreadyHeld) {
		t.Fatalf("contending hold error = %v, want ErrAlreadyHeld", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}

	l, err := s.GetLease(ctx, "jobs/reindex")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !l.Released {
		t.Error("lease row not released after Hold's release")
	}

	// Re-acquiring after release must advance the fence.
	guarded2, release2, err := k.Hold(ctx, "jobs/reindex", 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected re-hold error: %v", err)
	}
	defer release2(ctx)

	fence2, _ := paralyze.FenceFromContext(guarded2)
	if !fence2.Newer(fence) {
		t.Errorf("re-acquire fence %d not newer than %d", fence2, fence)
	}
}
