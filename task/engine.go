package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/telemetry"
)

// Engine claims and settles tasks on behalf of one owner. Like the lease
// manager it caches the claims it believes it holds, serializing each
// claim's renewal against its own Complete/Fail call, and re-validates
// every transition against the store via CAS. Safe for concurrent use.
type Engine struct {
	store   Store
	owner   id.OwnerID
	logger  *slog.Logger
	metrics *telemetry.Metrics

	// maxAttempts is the claim ceiling; once reached, Fail is terminal
	// regardless of the permanent flag.
	maxAttempts int
	// rounds bounds candidate-batch fetches per ClaimNext call.
	rounds int
	// batch is the candidate list size per round.
	batch int

	mu   sync.Mutex
	held map[string]*claimHolding // keyed by task id
}

type claimHolding struct {
	mu    sync.Mutex
	claim *Claim
	lost  bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the telemetry sink.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxAttempts sets the attempt ceiling (default 5).
func WithMaxAttempts(n int) EngineOption {
	return func(e *Engine) { e.maxAttempts = n }
}

// WithClaimRounds bounds the internal selection retries per ClaimNext
// (default 4 rounds).
func WithClaimRounds(n int) EngineOption {
	return func(e *Engine) { e.rounds = n }
}

// WithCandidateBatch sets the candidate list size per round (default 8).
func WithCandidateBatch(n int) EngineOption {
	return func(e *Engine) { e.batch = n }
}

// NewEngine creates an Engine for the given owner identity.
func NewEngine(store Store, owner id.OwnerID, opts ...EngineOption) *Engine {
	e := &Engine{
		store:       store,
		owner:       owner,
		logger:      slog.Default(),
		maxAttempts: 5,
		rounds:      4,
		batch:       8,
		held:        make(map[string]*claimHolding),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Owner returns the engine's owner identity.
func (e *Engine) Owner() id.OwnerID { return e.owner }

// Enqueue persists a new unclaimed task. The payload is stored as opaque
// bytes and never inspected by the kernel.
func (e *Engine) Enqueue(ctx context.Context, kind string, payload []byte) (*Task, error) {
	t := &Task{
		ID:      id.NewTaskID(),
		Kind:    kind,
		Payload: payload,
		State:   StateUnclaimed,
	}
	if err := e.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	e.logger.Debug("task enqueued",
		slog.String("task_id", t.ID.String()),
		slog.String("kind", kind),
	)
	return t, nil
}

// ClaimNext atomically claims one claimable task: expired claims first
// (oldest expiry wins, bounding starvation), then unclaimed tasks oldest
// first. A version conflict means another worker won the race; the engine
// moves on to the next candidate, refreshing the candidate list up to its
// configured number of rounds before surfacing
// paralyze.ErrNoWorkAvailable.
func (e *Engine) ClaimNext(ctx context.Context, ttl time.Duration) (*Claim, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("paralyze/task: claim: ttl must be positive, got %v", ttl)
	}

	for round := 0; round < e.rounds; round++ {
		candidates, err := e.store.ClaimCandidates(ctx, e.batch)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			break
		}

		conflicted := false
		for _, cand := range candidates {
			wasExpired := cand.State == StateClaimed

			t, claimErr := e.store.ClaimTask(ctx, cand.ID, cand.Version, e.owner, ttl)
			if claimErr != nil {
				if errors.Is(claimErr, paralyze.ErrVersionConflict) ||
					errors.Is(claimErr, paralyze.ErrTaskNotFound) {
					conflicted = true
					continue
				}
				return nil, claimErr
			}

			c := claimOf(t, ttl)
			e.track(c)

			if wasExpired {
				e.metrics.Claim(ctx, "expired")
			}
			e.metrics.Claim(ctx, "granted")
			e.logger.Info("claim granted",
				slog.String("task_id", c.TaskID.String()),
				slog.String("owner", e.owner.String()),
				slog.Int64("fence", int64(c.Fence)),
				slog.Int("attempt", c.AttemptCount),
				slog.Bool("reclaimed", wasExpired),
			)
			return c, nil
		}

		if !conflicted {
			break
		}
	}

	return nil, paralyze.ErrNoWorkAvailable
}

// Extend pushes the claim deadline forward by its TTL. Used by the
// heartbeat scheduler; the same ambiguity-is-loss bias as lease renewal
// applies.
func (e *Engine) Extend(ctx context.Context, c *Claim) error {
	h := e.lookup(c.TaskID)
	if h == nil {
		return paralyze.ErrClaimLost
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lost {
		return paralyze.ErrClaimLost
	}

	start := time.Now()
	t, err := e.store.ExtendClaim(ctx, c.TaskID, h.claim.Version, e.owner, h.claim.TTL)
	elapsed := time.Since(start)

	if err != nil {
		e.forget(c.TaskID, h)
		if errors.Is(err, paralyze.ErrClaimLost) {
			e.metrics.Renewal(ctx, "claim", "lost", elapsed)
			e.metrics.Claim(ctx, "lost")
			e.logger.Warn("claim lost",
				slog.String("task_id", c.TaskID.String()),
				slog.String("owner", e.owner.String()),
				slog.Int64("fence", int64(c.Fence)),
			)
			return err
		}
		e.metrics.Renewal(ctx, "claim", "error", elapsed)
		e.logger.Warn("claim renewal failed, assuming lost",
			slog.String("task_id", c.TaskID.String()),
			slog.String("owner", e.owner.String()),
			slog.String("error", err.Error()),
		)
		return errors.Join(paralyze.ErrClaimLost, err)
	}

	h.claim = claimOf(t, h.claim.TTL)
	e.metrics.Renewal(ctx, "claim", "ok", elapsed)
	return nil
}

// Complete transitions the claim to completed. paralyze.ErrClaimLost means
// the task was reclaimed in the meantime and the caller's work result must
// be discarded, since it raced past its own deadline.
func (e *Engine) Complete(ctx context.Context, c *Claim) error {
	h := e.lookup(c.TaskID)
	if h == nil {
		return paralyze.ErrClaimLost
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lost {
		return paralyze.ErrClaimLost
	}

	_, err := e.store.CompleteTask(ctx, c.TaskID, h.claim.Version, e.owner)
	e.forget(c.TaskID, h)

	if err != nil {
		if errors.Is(err, paralyze.ErrClaimLost) {
			e.metrics.Claim(ctx, "lost")
			e.logger.Warn("complete raced a reclaim",
				slog.String("task_id", c.TaskID.String()),
				slog.String("owner", e.owner.String()),
				slog.Int64("fence", int64(c.Fence)),
			)
		}
		return err
	}

	e.metrics.Claim(ctx, "completed")
	e.logger.Info("task completed",
		slog.String("task_id", c.TaskID.String()),
		slog.String("owner", e.owner.String()),
		slog.Int64("fence", int64(c.Fence)),
	)
	return nil
}

// Fail finishes an attempt. permanent moves the task to failed; otherwise
// it returns to unclaimed for another worker to retry, unless the attempt
// count has reached the ceiling, which forces failed regardless of the
// flag. When the ceiling denies a requested retry the task is still
// recorded as failed and Fail reports paralyze.ErrMaxAttemptsExceeded so
// the caller learns no further attempts will run.
func (e *Engine) Fail(ctx context.Context, c *Claim, permanent bool, cause error) error {
	h := e.lookup(c.TaskID)
	if h == nil {
		return paralyze.ErrClaimLost
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lost {
		return paralyze.ErrClaimLost
	}

	terminal := permanent
	if h.claim.AttemptCount >= e.maxAttempts {
		terminal = true
	}

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	_, err := e.store.FailTask(ctx, c.TaskID, h.claim.Version, e.owner, terminal, lastErr)
	e.forget(c.TaskID, h)

	if err != nil {
		if errors.Is(err, paralyze.ErrClaimLost) {
			e.metrics.Claim(ctx, "lost")
			e.logger.Warn("fail raced a reclaim",
				slog.String("task_id", c.TaskID.String()),
				slog.String("owner", e.owner.String()),
				slog.Int64("fence", int64(c.Fence)),
			)
		}
		return err
	}

	if terminal {
		e.metrics.Claim(ctx, "failed")
		e.logger.Info("task failed",
			slog.String("task_id", c.TaskID.String()),
			slog.String("owner", e.owner.String()),
			slog.Int64("fence", int64(c.Fence)),
			slog.Int("attempt", c.AttemptCount),
			slog.Bool("forced", !permanent),
			slog.String("error", lastErr),
		)
		if !permanent {
			return paralyze.ErrMaxAttemptsExceeded
		}
	} else {
		e.metrics.Claim(ctx, "requeued")
		e.logger.Info("task requeued",
			slog.String("task_id", c.TaskID.String()),
			slog.String("owner", e.owner.String()),
			slog.Int64("fence", int64(c.Fence)),
			slog.Int("attempt", c.AttemptCount),
			slog.String("error", lastErr),
		)
	}
	return nil
}

// RenewFunc returns a closure suitable for heartbeat tracking: each call
// extends the claim at its latest known version.
func (e *Engine) RenewFunc(c *Claim) func(context.Context) error {
	taskID := c.TaskID
	return func(ctx context.Context) error {
		h := e.lookup(taskID)
		if h == nil {
			return paralyze.ErrClaimLost
		}
		h.mu.Lock()
		cur := h.claim
		h.mu.Unlock()
		return e.Extend(ctx, cur)
	}
}

func (e *Engine) track(c *Claim) {
	e.mu.Lock()
	e.held[c.TaskID.String()] = &claimHolding{claim: c}
	e.mu.Unlock()
}

func (e *Engine) lookup(taskID id.TaskID) *claimHolding {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held[taskID.String()]
}

// forget drops the holding from the registry. Callers hold h.mu.
func (e *Engine) forget(taskID id.TaskID, h *claimHolding) {
	h.lost = true
	e.mu.Lock()
	if e.held[taskID.String()] == h {
		delete(e.held, taskID.String())
	}
	e.mu.Unlock()
}
