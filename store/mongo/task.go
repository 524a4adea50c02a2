package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/task"
)

// claimableFilter matches claimable documents: unclaimed tasks and claimed
// tasks whose deadline has passed by the server clock.
var claimableFilter = bson.M{"$or": bson.A{
	bson.M{"state": string(task.StateUnclaimed)},
	bson.M{
		"state": string(task.StateClaimed),
		"$expr": bson.M{"$lt": bson.A{"$claim_expires_at", "$$NOW"}},
	},
}}

// CreateTask persists a new task in unclaimed state.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	now := time.Now().UTC()
	m := &taskModel{
		ID:        t.ID.String(),
		Kind:      t.Kind,
		Payload:   t.Payload,
		State:     string(task.StateUnclaimed),
		LastError: "",
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err := s.db.Collection(colTasks).InsertOne(ctx, m)
	if err != nil {
		if isDuplicateKey(err) {
			return paralyze.ErrTaskAlreadyExists
		}
		return wrapErr("create task", err)
	}

	t.State = task.StateUnclaimed
	t.Version = m.Version
	t.CreatedAt = m.CreatedAt
	t.UpdatedAt = m.UpdatedAt
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	var m taskModel
	err := s.db.Collection(colTasks).FindOne(ctx, bson.M{"_id": taskID.String()}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, paralyze.ErrTaskNotFound
		}
		return nil, wrapErr("get task", err)
	}
	return fromTaskModel(&m)
}

// ClaimCandidates returns up to limit claimable tasks: expired claims
// first, oldest expiry first, then unclaimed tasks oldest-created first.
// The sort leans on "claimed" ordering before "unclaimed".
func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]*task.Task, error) {
	opts := options.Find().
		SetSort(bson.D{
			{Key: "state", Value: 1},
			{Key: "claim_expires_at", Value: 1},
			{Key: "created_at", Value: 1},
		}).
		SetLimit(int64(limit))

	cur, err := s.db.Collection(colTasks).Find(ctx, claimableFilter, opts)
	if err != nil {
		return nil, wrapErr("claim candidates", err)
	}
	defer cur.Close(ctx)

	var tasks []*task.Task
	for cur.Next(ctx) {
		var m taskModel
		if decErr := cur.Decode(&m); decErr != nil {
			return nil, wrapErr("decode candidate", decErr)
		}
		t, convErr := fromTaskModel(&m)
		if convErr != nil {
			return nil, convErr
		}
		tasks = append(tasks, t)
	}
	if err = cur.Err(); err != nil {
		return nil, wrapErr("iterate candidates", err)
	}
	return tasks, nil
}

// ClaimTask transitions the task to claimed via CAS on (id, version). The
// filter re-checks claimability against the server clock so a stale
// candidate snapshot can never steal a live claim.
func (s *Store) ClaimTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*task.Task, error) {
	filter := bson.M{
		"_id":     taskID.String(),
		"version": version,
		"$or":     claimableFilter["$or"],
	}

	update := bson.A{bson.M{"$set": bson.M{
		"state":             string(task.StateClaimed),
		"owner_id":          owner.String(),
		"claim_fence_token": bson.M{"$add": bson.A{"$claim_fence_token", 1}},
		"claim_expires_at":  bson.M{"$add": bson.A{"$$NOW", ttl.Milliseconds()}},
		"attempt_count":     bson.M{"$add": bson.A{"$attempt_count", 1}},
		"version":           bson.M{"$add": bson.A{"$version", 1}},
		"updated_at":        "$$NOW",
	}}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m taskModel
	err := s.db.Collection(colTasks).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, s.classifyClaimMiss(ctx, taskID)
		}
		return nil, wrapErr("claim task", err)
	}
	return fromTaskModel(&m)
}

// ExtendClaim pushes the claim deadline to now plus ttl via CAS.
func (s *Store) ExtendClaim(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, ttl time.Duration) (*task.Task, error) {
	update := bson.A{bson.M{"$set": bson.M{
		"claim_expires_at": bson.M{"$add": bson.A{"$$NOW", ttl.Milliseconds()}},
		"version":          bson.M{"$add": bson.A{"$version", 1}},
		"updated_at":       "$$NOW",
	}}}

	return s.heldTaskUpdate(ctx, "extend claim", taskID, version, owner, update)
}

// CompleteTask transitions claimed to completed via CAS.
func (s *Store) CompleteTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID) (*task.Task, error) {
	update := bson.A{
		bson.M{"$set": bson.M{
			"state":        string(task.StateCompleted),
			"completed_at": "$$NOW",
			"version":      bson.M{"$add": bson.A{"$version", 1}},
			"updated_at":   "$$NOW",
		}},
		bson.M{"$unset": "claim_expires_at"},
	}

	return s.heldTaskUpdate(ctx, "complete task", taskID, version, owner, update)
}

// FailTask finishes an attempt via CAS: terminal moves the task to failed,
// otherwise back to unclaimed with owner and deadline cleared.
func (s *Store) FailTask(ctx context.Context, taskID id.TaskID, version int64, owner id.OwnerID, terminal bool, lastErr string) (*task.Task, error) {
	set := bson.M{
		"last_error": lastErr,
		"version":    bson.M{"$add": bson.A{"$version", 1}},
		"updated_at": "$$NOW",
	}
	unset := bson.A{"claim_expires_at"}

	if terminal {
		set["state"] = string(task.StateFailed)
		set["completed_at"] = "$$NOW"
	} else {
		set["state"] = string(task.StateUnclaimed)
		unset = append(unset, "owner_id", "completed_at")
	}

	update := bson.A{
		bson.M{"$set": set},
		bson.M{"$unset": unset},
	}

	return s.heldTaskUpdate(ctx, "fail task", taskID, version, owner, update)
}

// heldTaskUpdate applies a pipeline update guarded by the task still being
// claimed by (owner, version).
func (s *Store) heldTaskUpdate(ctx context.Context, op string, taskID id.TaskID, version int64, owner id.OwnerID, update bson.A) (*task.Task, error) {
	filter := bson.M{
		"_id":      taskID.String(),
		"version":  version,
		"owner_id": owner.String(),
		"state":    string(task.StateClaimed),
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m taskModel
	err := s.db.Collection(colTasks).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, paralyze.ErrClaimLost
		}
		return nil, wrapErr(op, err)
	}
	return fromTaskModel(&m)
}

// classifyClaimMiss distinguishes a vanished document from a lost CAS race.
func (s *Store) classifyClaimMiss(ctx context.Context, taskID id.TaskID) error {
	err := s.db.Collection(colTasks).FindOne(ctx, bson.M{"_id": taskID.String()}).Err()
	if err != nil {
		if isNoDocuments(err) {
			return paralyze.ErrTaskNotFound
		}
		return wrapErr("claim miss check", err)
	}
	return paralyze.ErrVersionConflict
}
