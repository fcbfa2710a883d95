package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/ports"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by RedisStore
const DefaultPrefix = "gatekeep:"

// rotateScript advances a family by one sequence and keeps the owner's
// family index alive as long as the family. The index key is derived from
// the stored owner, so the script needs every key on one node. Return values:
// n >= 0 new sequence, -1 stale sequence, -2 compromised, -3 unknown family.
var rotateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return -2
end
local cur = redis.call('HGET', KEYS[1], 'seq')
if not cur then
	return -3
end
if cur ~= ARGV[1] then
	return -1
end
local nextSeq = tonumber(cur) + 1
redis.call('HSET', KEYS[1], 'seq', tostring(nextSeq))
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('SET', KEYS[3], '1', 'PX', ARGV[2])
local owner = redis.call('HGET', KEYS[1], 'principal')
if owner then
	redis.call('PEXPIRE', ARGV[4] .. owner .. ':families', ARGV[3])
end
return nextSeq
`)

// RedisStore is a Redis implementation of the RevocationStore interface.
// It runs against a single Redis server or a replicated primary, not a
// cluster.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) ports.RevocationStore {
	return &RedisStore{
		client: client,
		prefix: DefaultPrefix,
	}
}

func (s *RedisStore) revokedKey(tokenID string) string {
	return s.prefix + "revoked:" + tokenID
}

func (s *RedisStore) familyKey(familyID string) string {
	return s.prefix + "family:" + familyID
}

func (s *RedisStore) compromisedKey(familyID string) string {
	return s.prefix + "family:" + familyID + ":compromised"
}

func (s *RedisStore) principalKey(principalID string) string {
	return s.prefix + "principal:" + principalID + ":families"
}

// MarkRevoked marks a token as revoked in Redis
func (s *RedisStore) MarkRevoked(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		// Already expired, nothing left to revoke.
		return nil
	}
	if err := s.client.Set(ctx, s.revokedKey(tokenID), "1", ttl).Err(); err != nil {
		return unavailable("mark revoked", err)
	}
	return nil
}

// Claim sets the revocation key only if it is absent
func (s *RedisStore) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	ok, err := s.client.SetNX(ctx, s.revokedKey(id), "1", ttl).Result()
	if err != nil {
		return false, unavailable("claim", err)
	}
	return ok, nil
}

// IsRevoked checks the token key and its family marker in one round trip
func (s *RedisStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	keys := []string{s.revokedKey(tokenID)}
	if family := core.FamilyOf(tokenID); family != "" {
		keys = append(keys, s.compromisedKey(family))
	}

	n, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return false, unavailable("check revocation", err)
	}
	return n > 0, nil
}

// MarkFamilyCompromised sets the family marker first, then drops the live
// family state. The marker alone is enough to reject every member.
func (s *RedisStore) MarkFamilyCompromised(ctx context.Context, familyID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Millisecond
	}
	if err := s.client.Set(ctx, s.compromisedKey(familyID), "1", ttl).Err(); err != nil {
		return unavailable("mark compromised", err)
	}

	principal, err := s.client.HGet(ctx, s.familyKey(familyID), "principal").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("load family", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.familyKey(familyID))
		if principal != "" {
			pipe.SRem(ctx, s.principalKey(principal), familyID)
		}
		return nil
	})
	if err != nil {
		return unavailable("drop family", err)
	}
	return nil
}

// OpenFamily stores sequence 0 for a new family
func (s *RedisStore) OpenFamily(ctx context.Context, principalID, familyID string, ttl time.Duration) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.familyKey(familyID), "seq", "0", "principal", principalID)
		pipe.PExpire(ctx, s.familyKey(familyID), ttl)
		pipe.SAdd(ctx, s.principalKey(principalID), familyID)
		pipe.PExpire(ctx, s.principalKey(principalID), ttl)
		return nil
	})
	if err != nil {
		return unavailable("open family", err)
	}
	return nil
}

// Families lists live families and prunes the ones that expired
func (s *RedisStore) Families(ctx context.Context, principalID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.principalKey(principalID)).Result()
	if err != nil {
		return nil, unavailable("list families", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(members))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, family := range members {
			cmds[i] = pipe.Exists(ctx, s.familyKey(family))
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("list families", err)
	}

	live := make([]string, 0, len(members))
	var stale []any
	for i, family := range members {
		if cmds[i].Val() > 0 {
			live = append(live, family)
		} else {
			stale = append(stale, family)
		}
	}
	if len(stale) > 0 {
		// Best effort; an expired member is harmless.
		_ = s.client.SRem(ctx, s.principalKey(principalID), stale...).Err()
	}
	return live, nil
}

// CompareAndRotate runs the rotation script
func (s *RedisStore) CompareAndRotate(ctx context.Context, familyID string, expected uint64, revokeTTL, nextTTL time.Duration) (uint64, error) {
	keys := []string{
		s.familyKey(familyID),
		s.compromisedKey(familyID),
		s.revokedKey(core.RefreshTokenID(familyID, expected)),
	}
	res, err := rotateScript.Run(ctx, s.client, keys,
		strconv.FormatUint(expected, 10),
		atLeastOneMilli(revokeTTL),
		atLeastOneMilli(nextTTL),
		s.prefix+"principal:",
	).Int64()
	if err != nil {
		return 0, unavailable("rotate", err)
	}

	switch {
	case res >= 0:
		return uint64(res), nil
	case res == -1:
		return 0, core.ErrStaleSequence
	case res == -2:
		return 0, core.ErrSessionCompromised
	default:
		return 0, core.ErrSessionNotFound
	}
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

func atLeastOneMilli(d time.Duration) int64 {
	if ms := d.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", core.ErrStoreUnavailable, op, err)
}
