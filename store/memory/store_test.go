package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/clock"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/lease"
	"github.com/StratusCode/paralyze/store/memory"
	"github.com/StratusCode/paralyze/task"
)

func setupStore(t *testing.T) (*memory.Store, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC))
	return memory.New(memory.WithClock(clk)), clk
}

func TestStore_AcquireRenewReleaseRoundTrip(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	owner := id.NewOwnerID()

	l, err := s.AcquireLease(ctx, "res", owner, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if l.Version != 1 || l.Fence != 1 {
		t.Fatalf("fresh lease version/fence = %d/%d, want 1/1", l.Version, l.Fence)
	}

	renewed, err := s.RenewLease(ctx, "res", owner, l.Version, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected renew error: %v", err)
	}
	if renewed.Version != l.Version+1 {
		t.Errorf("renewed version = %d, want %d", renewed.Version, l.Version+1)
	}

	if err := s.ReleaseLease(ctx, "res", owner, renewed.Version); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}

	// The tombstone row stays readable and keeps the fence counter.
	tomb, err := s.GetLease(ctx, "res")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if !tomb.Released {
		t.Error("released lease row not marked as tombstone")
	}
	if tomb.Fence != l.Fence {
		t.Errorf("tombstone fence = %d, want %d", tomb.Fence, l.Fence)
	}
}

func TestStore_ConcurrentAcquireSingleWinner(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	const contenders = 64
	leases := make([]*lease.Lease, contenders)
	errs := make([]error, contenders)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			leases[i], errs[i] = s.AcquireLease(ctx, "jobs/reindex", id.NewOwnerID(), 30*time.Second)
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	for i := 0; i < contenders; i++ {
		switch {
		case errs[i] == nil:
			winners++
			if leases[i].Fence != 1 {
				t.Errorf("winner fence = %d, want 1", leases[i].Fence)
			}
		case !errors.Is(errs[i], paralyze.ErrAlreadyHeld):
			t.Errorf("contender %d error = %v, want ErrAlreadyHeld", i, errs[i])
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

func TestStore_RenewWithStaleVersionFails(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	owner := id.NewOwnerID()

	l, err := s.AcquireLease(ctx, "res", owner, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	if _, err = s.RenewLease(ctx, "res", owner, l.Version, 30*time.Second); err != nil {
		t.Fatalf("unexpected renew error: %v", err)
	}

	// Replaying the original version must lose the CAS.
	_, err = s.RenewLease(ctx, "res", owner, l.Version, 30*time.Second)
	if !errors.Is(err, paralyze.ErrLeaseLost) {
		t.Fatalf("stale renew error = %v, want ErrLeaseLost", err)
	}
}

func TestStore_RenewByNonOwnerFails(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	l, err := s.AcquireLease(ctx, "res", id.NewOwnerID(), 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	_, err = s.RenewLease(ctx, "res", id.NewOwnerID(), l.Version, 30*time.Second)
	if !errors.Is(err, paralyze.ErrLeaseLost) {
		t.Fatalf("foreign renew error = %v, want ErrLeaseLost", err)
	}
}

func TestStore_GetLeaseNotFound(t *testing.T) {
	s, _ := setupStore(t)

	_, err := s.GetLease(context.Background(), "missing")
	if !errors.Is(err, paralyze.ErrLeaseNotFound) {
		t.Fatalf("get missing lease error = %v, want ErrLeaseNotFound", err)
	}
}

func TestStore_CreateTaskDuplicate(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	tk := &task.Task{ID: id.NewTaskID(), Kind: "k"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if err := s.CreateTask(ctx, &task.Task{ID: tk.ID, Kind: "k"}); !errors.Is(err, paralyze.ErrTaskAlreadyExists) {
		t.Fatalf("duplicate create error = %v, want ErrTaskAlreadyExists", err)
	}
}

func TestStore_GetTaskNotFound(t *testing.T) {
	s, _ := setupStore(t)

	_, err := s.GetTask(context.Background(), id.NewTaskID())
	if !errors.Is(err, paralyze.ErrTaskNotFound) {
		t.Fatalf("get missing task error = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_ClaimTaskVersionConflict(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	winner, loser := id.NewOwnerID(), id.NewOwnerID()

	tk := &task.Task{ID: id.NewTaskID(), Kind: "k"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	if _, err := s.ClaimTask(ctx, tk.ID, tk.Version, winner, 30*time.Second); err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}

	// The loser raced with the snapshot version and must be rejected.
	_, err := s.ClaimTask(ctx, tk.ID, tk.Version, loser, 30*time.Second)
	if !errors.Is(err, paralyze.ErrVersionConflict) {
		t.Fatalf("raced claim error = %v, want ErrVersionConflict", err)
	}
}

func TestStore_ClaimTaskNotFound(t *testing.T) {
	s, _ := setupStore(t)

	_, err := s.ClaimTask(context.Background(), id.NewTaskID(), 1, id.NewOwnerID(), time.Second)
	if !errors.Is(err, paralyze.ErrTaskNotFound) {
		t.Fatalf("claim missing task error = %v, want ErrTaskNotFound", err)
	}
}

func TestStore_ClaimCandidatesOrderingAndLimit(t *testing.T) {
	s, clk := setupStore(t)
	ctx := context.Background()
	owner := id.NewOwnerID()

	// Three unclaimed tasks created a second apart.
	var created []*task.Task
	for i := 0; i < 3; i++ {
		tk := &task.Task{ID: id.NewTaskID(), Kind: "k"}
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatalf("unexpected create error: %v", err)
		}
		created = append(created, tk)
		clk.Advance(time.Second)
	}

	// Claim the middle one and let the claim expire.
	if _, err := s.ClaimTask(ctx, created[1].ID, created[1].Version, owner, 5*time.Second); err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}
	clk.Advance(6 * time.Second)

	got, err := s.ClaimCandidates(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected candidates error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(candidates) = %d, want 3", len(got))
	}
	// Expired claim first, then unclaimed oldest-created first.
	wantOrder := []string{created[1].ID.String(), created[0].ID.String(), created[2].ID.String()}
	for i, want := range wantOrder {
		if got[i].ID.String() != want {
			t.Errorf("candidates[%d] = %s, want %s", i, got[i].ID, want)
		}
	}

	limited, err := s.ClaimCandidates(ctx, 2)
	if err != nil {
		t.Fatalf("unexpected candidates error: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestStore_CompleteRequiresLiveClaim(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	owner := id.NewOwnerID()

	tk := &task.Task{ID: id.NewTaskID(), Kind: "k"}
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}

	_, err := s.CompleteTask(ctx, tk.ID, tk.Version, owner)
	if !errors.Is(err, paralyze.ErrClaimLost) {
		t.Fatalf("complete of unclaimed task error = %v, want ErrClaimLost", err)
	}
}

func TestStore_RestartIsolatesState(t *testing.T) {
	s, clk := setupStore(t)
	ctx := context.Background()
	owner := id.NewOwnerID()

	l, err := s.AcquireLease(ctx, "res", owner, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}

	reopened := s.Restart(memory.WithClock(clk))

	// The reopened store sees the same row.
	got, err := reopened.GetLease(ctx, "res")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got.Fence != l.Fence || got.Version != l.Version {
		t.Errorf("reopened fence/version = %d/%d, want %d/%d", got.Fence, got.Version, l.Fence, l.Version)
	}

	// Mutations to the original no longer reach the reopened copy.
	if err := s.ReleaseLease(ctx, "res", owner, l.Version); err != nil {
		t.Fatalf("unexpected release error: %v", err)
	}
	got, err = reopened.GetLease(ctx, "res")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if got.Released {
		t.Error("release on the original store leaked into the reopened copy")
	}
}

func TestStore_SnapshotsAreCopies(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()
	owner := id.NewOwnerID()

	l, err := s.AcquireLease(ctx, "res", owner, 30*time.Second)
	if err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	l.Fence = 999 // mutate the snapshot

	fresh, err := s.GetLease(ctx, "res")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if fresh.Fence == 999 {
		t.Error("mutating a returned snapshot changed stored state")
	}
}
