// Package redisqueue implements queue.DurableQueue against Redis, using its
// list primitives to get LMOVE-style atomic moves between a group's pending
// list and a global in-flight hash, so a claimed task survives the claiming
// process's crash for the Recovery Sweeper to find.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/s1366560/memstack-sub002/internal/queue"
)

const keyPrefix = "episodequeue:"

func pendingKey(group string) string { return keyPrefix + "pending:" + group }

const inflightKey = keyPrefix + "inflight"

// Queue implements queue.DurableQueue on a single Redis instance (or a
// miniredis fake in tests).
type Queue struct {
	rdb *redis.Client

	claimScript *redis.Script
}

type inflightEntry struct {
	GroupID   string    `json:"group_id"`
	WorkerID  string    `json:"worker_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// New wraps an existing go-redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{
		rdb: rdb,
		// Atomically pops the head of the group's pending list and records
		// it in the in-flight hash in one round trip, closing the window a
		// non-atomic LPOP+HSET pair would leave between the two.
		claimScript: redis.NewScript(`
			local taskID = redis.call('LPOP', KEYS[1])
			if not taskID then
				return false
			end
			redis.call('HSET', KEYS[2], taskID, ARGV[1])
			return taskID
		`),
	}
}

// Enqueue appends taskID to the tail of group's pending list.
func (q *Queue) Enqueue(ctx context.Context, groupID, taskID string) error {
	return q.rdb.RPush(ctx, pendingKey(groupID), taskID).Err()
}

// Claim atomically pops group's head and records it in-flight under
// workerID. Returns queue.ErrQueueEmpty if the list was empty.
func (q *Queue) Claim(ctx context.Context, groupID, workerID string) (string, error) {
	entry := inflightEntry{GroupID: groupID, WorkerID: workerID, ClaimedAt: time.Now()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("redisqueue: marshal inflight entry: %w", err)
	}

	res, err := q.claimScript.Run(ctx, q.rdb, []string{pendingKey(groupID), inflightKey}, string(payload)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", queue.ErrQueueEmpty
		}
		return "", fmt.Errorf("redisqueue: claim: %w", err)
	}
	taskID, ok := res.(string)
	if !ok || taskID == "" {
		return "", queue.ErrQueueEmpty
	}
	return taskID, nil
}

// Ack removes taskID from the in-flight hash. No-op if absent.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	return q.rdb.HDel(ctx, inflightKey, taskID).Err()
}

// ReEnqueueStalled removes taskID from in-flight and prepends it to group's
// pending list, preserving its logical position ahead of later arrivals.
func (q *Queue) ReEnqueueStalled(ctx context.Context, groupID, taskID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, inflightKey, taskID)
	pipe.LPush(ctx, pendingKey(groupID), taskID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redisqueue: re-enqueue stalled: %w", err)
	}
	return nil
}

// Len returns the number of pending items for groupID.
func (q *Queue) Len(ctx context.Context, groupID string) (int, error) {
	n, err := q.rdb.LLen(ctx, pendingKey(groupID)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisqueue: len: %w", err)
	}
	return int(n), nil
}

// InFlight returns the current in-flight task ids and their claim metadata,
// used by operational tooling and tests to assert P7 (no id appears in both
// the pending list and the in-flight set at once).
func (q *Queue) InFlight(ctx context.Context) (map[string]time.Time, error) {
	all, err := q.rdb.HGetAll(ctx, inflightKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisqueue: inflight scan: %w", err)
	}
	out := make(map[string]time.Time, len(all))
	for taskID, raw := range all {
		var entry inflightEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out[taskID] = entry.ClaimedAt
	}
	return out, nil
}
