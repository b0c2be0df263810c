package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-realtime-bookings/internal/apperr"
)

// KEYS = seat keys..., lock group key. ARGV = lock group id, ttl ms.
// Returns the first seat key owned by another group, or "".
var holdScript = redis.NewScript(`
local n = #KEYS - 1
for i = 1, n do
  local owner = redis.call('GET', KEYS[i])
  if owner and owner ~= ARGV[1] then
    return KEYS[i]
  end
end
for i = 1, n do
  redis.call('SET', KEYS[i], ARGV[1], 'PX', ARGV[2])
  redis.call('SADD', KEYS[#KEYS], KEYS[i])
end
redis.call('PEXPIRE', KEYS[#KEYS], ARGV[2])
return ''
`)

// KEYS = lock group key. ARGV = lock group id.
var releaseScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(members) do
  if redis.call('GET', k) == ARGV[1] then
    redis.call('DEL', k)
  end
end
redis.call('DEL', KEYS[1])
return #members
`)

var commitScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
for _, k in ipairs(members) do
  if redis.call('GET', k) == ARGV[1] then
    redis.call('PERSIST', k)
  end
end
redis.call('PERSIST', KEYS[1])
return #members
`)

// SeatLocker is the seat inventory backed by Redis keys with a TTL. A seat is
// held by at most one lock group; holds vanish on their own when the TTL runs
// out.
type SeatLocker struct {
	RDB *redis.Client
}

func (s *SeatLocker) HoldSeats(ctx context.Context, lockGroupID, tripID string, seats []string, ttl time.Duration) error {
	if len(seats) == 0 {
		return nil
	}
	keys := make([]string, 0, len(seats)+1)
	for _, seat := range seats {
		keys = append(keys, fmt.Sprintf(KeySeatHold, tripID, seat))
	}
	keys = append(keys, fmt.Sprintf(KeyLockGroup, lockGroupID))

	taken, err := holdScript.Run(ctx, s.RDB, keys, lockGroupID, ttl.Milliseconds()).Text()
	if err != nil {
		return fmt.Errorf("hold seats: %w", err)
	}
	if taken != "" {
		return fmt.Errorf("%s held by another booking: %w", taken, apperr.ErrConflict)
	}
	return nil
}

func (s *SeatLocker) ReleaseSeats(ctx context.Context, lockGroupID string) error {
	return releaseScript.Run(ctx, s.RDB, []string{fmt.Sprintf(KeyLockGroup, lockGroupID)}, lockGroupID).Err()
}

// CommitSeats drops the TTL of a confirmed booking's holds.
func (s *SeatLocker) CommitSeats(ctx context.Context, lockGroupID string) error {
	return commitScript.Run(ctx, s.RDB, []string{fmt.Sprintf(KeyLockGroup, lockGroupID)}, lockGroupID).Err()
}

// Holder returns the lock group holding a seat, or "" when it is free.
func (s *SeatLocker) Holder(ctx context.Context, tripID, seat string) (string, error) {
	v, err := s.RDB.Get(ctx, fmt.Sprintf(KeySeatHold, tripID, seat)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}
