package redis

// Redis key naming conventions for paralyze data.
// All keys are prefixed with "paralyze:" to avoid collisions.

const keyPrefix = "paralyze:"

// ── Lease keys ──

// leaseKey returns the Hash key for a lease row: paralyze:lease:{key}
func leaseKey(key string) string { return keyPrefix + "lease:" + key }

// ── Task keys ──

// taskKey returns the Hash key for a task row: paralyze:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// unclaimedKey is the Sorted Set of unclaimed task IDs scored by creation
// time, so candidates come back oldest-created first.
const unclaimedKey = keyPrefix + "tasks:unclaimed"

// claimedKey is the Sorted Set of claimed task IDs scored by claim expiry,
// so expired claims come back oldest-expiry first.
const claimedKey = keyPrefix + "tasks:claimed"
