package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/time/rate"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/backoff"
	"github.com/StratusCode/paralyze/heartbeat"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/store/memory"
	"github.com/StratusCode/paralyze/task"
	"github.com/StratusCode/paralyze/telemetry"
	"github.com/StratusCode/paralyze/worker"
)

func setupRunner(t *testing.T, opts ...task.EngineOption) (*worker.Runner, *task.Engine, *memory.Store) {
	t.Helper()

	s := memory.New()
	engine := task.NewEngine(s, id.NewOwnerID(), opts...)
	scheduler := heartbeat.NewScheduler()
	t.Cleanup(scheduler.Close)

	runner := worker.NewRunner(engine, scheduler,
		worker.WithConcurrency(1),
		worker.WithClaimTTL(2*time.Second),
		worker.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
		worker.WithPollRate(rate.NewLimiter(rate.Limit(200), 1)),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = runner.Stop(ctx)
	})

	return runner, engine, s
}

func waitForState(t *testing.T, s *memory.Store, taskID id.TaskID, want task.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		got, err := s.GetTask(context.Background(), taskID)
		if err != nil {
			t.Fatalf("unexpected get error: %v", err)
		}
		if got.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := s.GetTask(context.Background(), taskID)
	t.Fatalf("task state = %s, want %s before timeout", got.State, want)
}

func TestRunner_StartStop(t *testing.T) {
	runner, _, _ := setupRunner(t)

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := runner.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := runner.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestRunner_ProcessesTask(t *testing.T) {
	runner, engine, s := setupRunner(t)

	var processed atomic.Bool
	err := runner.Register("greet", func(ctx context.Context, c *task.Claim) error {
		if string(c.Payload) != `{"name":"Alice"}` {
			t.Errorf("payload = %s, want %s", c.Payload, `{"name":"Alice"}`)
		}
		if _, ok := paralyze.FenceFromContext(ctx); !ok {
			t.Error("handler context carries no fence token")
		}
		processed.Store(true)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	created, err := engine.Enqueue(context.Background(), "greet", []byte(`{"name":"Alice"}`))
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	waitForState(t, s, created.ID, task.StateCompleted)
	if !processed.Load() {
		t.Error("handler never ran")
	}
}

func TestRunner_RetryableFailureIsRetried(t *testing.T) {
	runner, engine, s := setupRunner(t)

	var attempts atomic.Int32
	err := runner.Register("flaky", func(_ context.Context, _ *task.Claim) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient hiccup")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	created, err := engine.Enqueue(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	waitForState(t, s, created.ID, task.StateCompleted)

	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
	final, err := s.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if final.AttemptCount != 2 {
		t.Errorf("AttemptCount = %d, want 2", final.AttemptCount)
	}
}

func TestRunner_PermanentFailureIsTerminal(t *testing.T) {
	runner, engine, s := setupRunner(t)

	err := runner.Register("broken", func(_ context.Context, _ *task.Claim) error {
		return worker.Permanent(errors.New("malformed payload"))
	})
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	created, err := engine.Enqueue(context.Background(), "broken", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	waitForState(t, s, created.ID, task.StateFailed)

	final, err := s.GetTask(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if final.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", final.AttemptCount)
	}
	if final.LastError != "malformed payload" {
		t.Errorf("LastError = %q, want %q", final.LastError, "malformed payload")
	}
}

func TestRunner_UnknownKindFailsPermanently(t *testing.T) {
	runner, engine, s := setupRunner(t)

	created, err := engine.Enqueue(context.Background(), "unregistered", nil)
	if err != nil {
		t.Fatalf("unexpected enqueue error: %v", err)
	}

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	waitForState(t, s, created.ID, task.StateFailed)
}

func TestRunner_DuplicateRegisterRejected(t *testing.T) {
	runner, _, _ := setupRunner(t)

	h := func(context.Context, *task.Claim) error { return nil }
	if err := runner.Register("dup", h); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if err := runner.Register("dup", h); err == nil {
		t.Fatal("duplicate register succeeded, want error")
	}
}

// captureMeter intercepts the backoff delay histogram; every other
// instrument stays a noop.
type captureMeter struct {
	noop.Meter
	delays *captureHistogram
}

func (m *captureMeter) Float64Histogram(name string, options ...metric.Float64HistogramOption) (metric.Float64Histogram, error) {
	if name == "paralyze.backoff.delay" {
		return m.delays, nil
	}
	return m.Meter.Float64Histogram(name, options...)
}

type captureHistogram struct {
	noop.Float64Histogram
	mu     sync.Mutex
	values []float64
}

func (h *captureHistogram) Record(_ context.Context, v float64, _ ...metric.RecordOption) {
	h.mu.Lock()
	h.values = append(h.values, v)
	h.mu.Unlock()
}

func (h *captureHistogram) snapshot() []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.values...)
}

func TestRunner_IdleDelayRecordedWithFloor(t *testing.T) {
	delays := &captureHistogram{}
	metrics := telemetry.NewWithMeter(&captureMeter{delays: delays})

	s := memory.New()
	engine := task.NewEngine(s, id.NewOwnerID())
	scheduler := heartbeat.NewScheduler()
	t.Cleanup(scheduler.Close)

	pollInterval := 25 * time.Millisecond
	runner := worker.NewRunner(engine, scheduler,
		worker.WithConcurrency(1),
		worker.WithClaimTTL(2*time.Second),
		worker.WithBackoff(backoff.NewConstant(time.Millisecond)),
		worker.WithPollInterval(pollInterval),
		worker.WithPollRate(rate.NewLimiter(rate.Limit(500), 1)),
		worker.WithMetrics(metrics),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = runner.Stop(ctx)
	})

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && len(delays.snapshot()) < 2 {
		time.Sleep(10 * time.Millisecond)
	}

	recorded := delays.snapshot()
	if len(recorded) < 2 {
		t.Fatalf("recorded %d idle delays, want at least 2", len(recorded))
	}
	// The 1ms strategy delay is below the floor, so every recorded value
	// must be the poll interval itself.
	want := pollInterval.Seconds()
	for i, v := range recorded {
		if v != want {
			t.Errorf("recorded[%d] = %v, want %v", i, v, want)
		}
	}
}

func TestRunner_SingleLifecycle(t *testing.T) {
	runner, _, _ := setupRunner(t)
	ctx := context.Background()

	if err := runner.Start(ctx); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := runner.Stop(stopCtx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	if err := runner.Start(ctx); err == nil {
		t.Fatal("restart after stop succeeded, want error")
	}
}

func TestPermanentMarker(t *testing.T) {
	base := errors.New("boom")

	if worker.Permanent(nil) != nil {
		t.Error("Permanent(nil) != nil")
	}
	wrapped := worker.Permanent(base)
	if !worker.IsPermanent(wrapped) {
		t.Error("IsPermanent(Permanent(err)) = false")
	}
	if !errors.Is(wrapped, base) {
		t.Error("Permanent broke the error chain")
	}
	if worker.IsPermanent(base) {
		t.Error("IsPermanent(plain error) = true")
	}
}
