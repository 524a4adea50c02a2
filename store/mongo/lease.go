package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/StratusCode/paralyze"
	"github.com/StratusCode/paralyze/id"
	"github.com/StratusCode/paralyze/lease"
)

// deadLeaseExpr matches rows whose lease is over by the server clock:
// released tombstones and expired claims.
var deadLeaseExpr = bson.M{"$or": bson.A{
	bson.M{"$eq": bson.A{"$released", true}},
	bson.M{"$lte": bson.A{"$expires_at", "$$NOW"}},
}}

// AcquireLease atomically creates or takes over the lease for key. The
// upsert filter only matches rows that are released, expired by the server
// clock, or held by the same owner; a live lease held elsewhere surfaces
// as a duplicate-key error on the upsert. Takeover bumps the fence token;
// a same-owner renew keeps it.
func (s *Store) AcquireLease(ctx context.Context, key string, owner id.OwnerID, ttl time.Duration) (*lease.Lease, error) {
	filter := bson.M{
		"_id": key,
		"$or": bson.A{
			bson.M{"released": true},
			bson.M{"$expr": bson.M{"$lte": bson.A{"$expires_at", "$$NOW"}}},
			bson.M{"owner_id": owner.String()},
		},
	}

	update := bson.A{bson.M{"$set": bson.M{
		"owner_id": owner.String(),
		"fence_token": bson.M{"$switch": bson.M{
			"branches": bson.A{
				// Fresh insert: the pipeline runs against a bare {_id} doc.
				bson.M{
					"case": bson.M{"$eq": bson.A{bson.M{"$ifNull": bson.A{"$fence_token", 0}}, 0}},
					"then": 1,
				},
				bson.M{"case": deadLeaseExpr, "then": bson.M{"$add": bson.A{"$fence_token", 1}}},
			},
			"default": "$fence_token",
		}},
		"expires_at": bson.M{"$add": bson.A{"$$NOW", ttl.Milliseconds()}},
		"released":   false,
		"version":    bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$version", 0}}, 1}},
		"created_at": bson.M{"$ifNull": bson.A{"$created_at", "$$NOW"}},
		"updated_at": "$$NOW",
	}}}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var m leaseModel
	err := s.db.Collection(colLeases).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isDuplicateKey(err) {
			return nil, paralyze.ErrAlreadyHeld
		}
		return nil, wrapErr("acquire lease", err)
	}
	return fromLeaseModel(&m)
}

// RenewLease extends the lease by ttl via CAS on (key, version).
func (s *Store) RenewLease(ctx context.Context, key string, owner id.OwnerID, version int64, ttl time.Duration) (*lease.Lease, error) {
	filter := bson.M{
		"_id":      key,
		"owner_id": owner.String(),
		"version":  version,
		"released": false,
	}

	update := bson.A{bson.M{"$set": bson.M{
		"expires_at": bson.M{"$add": bson.A{"$$NOW", ttl.Milliseconds()}},
		"version":    bson.M{"$add": bson.A{"$version", 1}},
		"updated_at": "$$NOW",
	}}}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var m leaseModel
	err := s.db.Collection(colLeases).FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, paralyze.ErrLeaseLost
		}
		return nil, wrapErr("renew lease", err)
	}
	return fromLeaseModel(&m)
}

// ReleaseLease marks the lease released via CAS on (key, version). The
// tombstone document keeps the fence counter for future acquisitions.
func (s *Store) ReleaseLease(ctx context.Context, key string, owner id.OwnerID, version int64) error {
	filter := bson.M{
		"_id":      key,
		"owner_id": owner.String(),
		"version":  version,
		"released": false,
	}

	update := bson.A{bson.M{"$set": bson.M{
		"released":   true,
		"version":    bson.M{"$add": bson.A{"$version", 1}},
		"updated_at": "$$NOW",
	}}}

	res, err := s.db.Collection(colLeases).UpdateOne(ctx, filter, update)
	if err != nil {
		return wrapErr("release lease", err)
	}
	if res.ModifiedCount > 0 {
		return nil
	}

	// CAS declined. Absent or already-dead rows make release idempotent; a
	// live row that moved means the lease was taken over.
	err = s.db.Collection(colLeases).FindOne(ctx, bson.M{
		"_id":      key,
		"owner_id": owner.String(),
		"released": false,
		"$expr":    bson.M{"$gt": bson.A{"$expires_at", "$$NOW"}},
	}).Err()
	if err != nil {
		if isNoDocuments(err) {
			return nil
		}
		return wrapErr("release lease check", err)
	}
	return paralyze.ErrLeaseLost
}

// GetLease returns the current document for key, tombstones included.
func (s *Store) GetLease(ctx context.Context, key string) (*lease.Lease, error) {
	var m leaseModel
	err := s.db.Collection(colLeases).FindOne(ctx, bson.M{"_id": key}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, paralyze.ErrLeaseNotFound
		}
		return nil, wrapErr("get lease", err)
	}
	return fromLeaseModel(&m)
}
