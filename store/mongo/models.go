package mongo

import (
	"fmt"
	"time"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/lease"
	"github.com/StratusCode/paralyze/task"
)

// ── Lease model ───────────────────────────────────────────────────

type leaseModel struct {
	Key       string    `bson:"_id"`
	OwnerID   string    `bson:"owner_id"`
	Fence     int64     `bson:"fence_token"`
	ExpiresAt time.Time `bson:"expires_at"`
	Released  bool      `bson:"released"`
	Version   int64     `bson:"version"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromLeaseModel(m *leaseModel) (*lease.Lease, error) {
	owner, err := id.ParseOwnerID(m.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("paralyze/mongo: parse owner id %q: %w", m.OwnerID, err)
	}

	return &lease.Lease{
		Key:       m.Key,
		OwnerID:   owner,
		Fence:     paralyze.FenceToken(m.Fence),
		ExpiresAt: m.ExpiresAt.UTC(),
		Released:  m.Released,
		Version:   m.Version,
		CreatedAt: m.CreatedAt.UTC(),
		UpdatedAt: m.UpdatedAt.UTC(),
	}, nil
}

// ── Task model ────────────────────────────────────────────────────

type taskModel struct {
	ID             string     `bson:"_id"`
	Kind           string     `bson:"kind"`
	Payload        []byte     `bson:"payload"`
	State          string     `bson:"state"`
	OwnerID        string     `bson:"owner_id"`
	Fence          int64      `bson:"claim_fence_token"`
	ClaimExpiresAt *time.Time `bson:"claim_expires_at,omitempty"`
	AttemptCount   int        `bson:"attempt_count"`
	LastError      string     `bson:"last_error"`
	Version        int64      `bson:"version"`
	CreatedAt      time.Time  `bson:"created_at"`
	UpdatedAt      time.Time  `bson:"updated_at"`
	CompletedAt    *time.Time `bson:"completed_at,omitempty"`
}

func fromTaskModel(m *taskModel) (*task.Task, error) {
	taskID, err := id.ParseTaskID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("paralyze/mongo: parse task id %q: %w", m.ID, err)
	}

	t := &task.Task{
		ID:           taskID,
		Kind:         m.Kind,
		Payload:      m.Payload,
		State:        task.State(m.State),
		Fence:        paralyze.FenceToken(m.Fence),
		AttemptCount: m.AttemptCount,
		LastError:    m.LastError,
		Version:      m.Version,
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}

	if m.OwnerID != "" {
		owner, parseErr := id.ParseOwnerID(m.OwnerID)
		if parseErr != nil {
			return nil, fmt.Errorf("paralyze/mongo: parse owner id %q: %w", m.OwnerID, parseErr)
		}
		t.OwnerID = owner
	}
	if m.ClaimExpiresAt != nil {
		e := m.ClaimExpiresAt.UTC()
		t.ClaimExpiresAt = &e
	}
	if m.CompletedAt != nil {
		c := m.CompletedAt.UTC()
		t.CompletedAt = &c
	}

	return t, nil
}
