package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const reservedMark = "!"

// releaseScript deletes the key only while it still holds a provisional
// reservation, so a slow Release can never erase a confirmed record.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is the Ledger for deployments where several nodes share the
// idempotency window. Reservation is a single SETNX with the provisional
// TTL; confirmation overwrites the key with the assigned version and the
// record TTL.
type Redis struct {
	ProvisionalTTL time.Duration
	RecordTTL      time.Duration

	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{
		ProvisionalTTL: DefaultProvisionalTTL,
		RecordTTL:      DefaultRecordTTL,
		rdb:            rdb,
	}
}

func redisKey(docID, clientID string, seq int64) string {
	return "syncpad:ledger:" + docID + ":" + clientID + ":" + strconv.FormatInt(seq, 10)
}

func (r *Redis) CheckAndReserve(ctx context.Context, docID, clientID string, seq int64) (Result, error) {
	k := redisKey(docID, clientID, seq)
	ok, err := r.rdb.SetNX(ctx, k, reservedMark, r.ProvisionalTTL).Result()
	if err != nil {
		return Result{}, fmt.Errorf("ledger reserve: %w", err)
	}
	if ok {
		return Result{}, nil
	}
	val, err := r.rdb.Get(ctx, k).Result()
	if err == redis.Nil {
		// reservation expired between SETNX and GET; let the caller retry
		return Result{}, ErrReserved
	}
	if err != nil {
		return Result{}, fmt.Errorf("ledger read: %w", err)
	}
	if val == reservedMark {
		return Result{}, ErrReserved
	}
	version, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return Result{}, fmt.Errorf("ledger record %q: %w", val, err)
	}
	return Result{AlreadyAccepted: true, AssignedVersion: version}, nil
}

func (r *Redis) Confirm(ctx context.Context, docID, clientID string, seq, version int64) error {
	k := redisKey(docID, clientID, seq)
	if err := r.rdb.Set(ctx, k, strconv.FormatInt(version, 10), r.RecordTTL).Err(); err != nil {
		return fmt.Errorf("ledger confirm: %w", err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, docID, clientID string, seq int64) error {
	k := redisKey(docID, clientID, seq)
	if err := releaseScript.Run(ctx, r.rdb, []string{k}, reservedMark).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("ledger release: %w", err)
	}
	return nil
}
