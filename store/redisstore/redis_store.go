// Package redisstore is the cluster state store backed by Redis. Every
// mutation of a user's session record is a single Lua script, so a dropped
// connection mid-call can never leave the record half-updated.
//
// Every key carries the hash tag "{prefix}", so the scripts and MULTI blocks
// that touch a user's record together with the global counters stay in one
// slot on Redis Cluster. The whole keyspace therefore lives on one shard.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/cyberinferno/go-sessionhub/policy"
	"github.com/cyberinferno/go-sessionhub/store"
)

// DefaultKeyPrefix is used when Options.KeyPrefix is empty.
const DefaultKeyPrefix = "sessionhub"

// Options configures a RedisStore.
type Options struct {
	// KeyPrefix namespaces every key, e.g. "sessionhub" gives
	// "{sessionhub}:sess:<user>".
	KeyPrefix string
}

// RedisStore implements store.Store on top of a Redis client.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	reads  singleflight.Group
}

var _ store.Store = (*RedisStore)(nil)

// NewRedisStore creates a store using client. The client is owned by the
// store and closed by Close.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	st := NewRedisStore(client, Options{KeyPrefix: "im"})
func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	return &RedisStore{client: client, prefix: "{" + prefix + "}"}
}

func (s *RedisStore) nodesKey(userID string) string  { return s.prefix + ":sess:" + userID }
func (s *RedisStore) metaKey(userID string) string   { return s.prefix + ":sessmeta:" + userID }
func (s *RedisStore) groupKey(groupID string) string { return s.prefix + ":group:" + groupID }
func (s *RedisStore) userGroupsKey(userID string) string {
	return s.prefix + ":usergroups:" + userID
}
func (s *RedisStore) onlineUsersKey() string { return s.prefix + ":stat:online_users" }
func (s *RedisStore) sessionsKey() string    { return s.prefix + ":stat:sessions" }

func (s *RedisStore) recordKeys(userID string) []string {
	return []string{s.nodesKey(userID), s.metaKey(userID), s.onlineUsersKey(), s.sessionsKey()}
}

// Register implements store.SessionStore.
func (s *RedisStore) Register(ctx context.Context, req store.RegisterRequest, p policy.Policy) ([]policy.Binding, error) {
	res, err := registerScript.Run(ctx, s.client, s.recordKeys(req.UserID),
		req.DeviceID,
		req.NodeID,
		req.SessionID,
		req.DeviceType,
		req.At.UnixMilli(),
		string(p.Strategy),
		p.MaxDevices,
		string(p.Eviction),
		string(p.Collision),
	).Result()
	if err != nil {
		return nil, unavailable("register", err)
	}

	switch v := res.(type) {
	case int64:
		if v == -1 {
			return nil, store.ErrRegisterRejected
		}
	case []any:
		return parseTriples(v)
	}

	return nil, fmt.Errorf("%w: unexpected register reply %T", store.ErrStoreUnavailable, res)
}

// Unregister implements store.SessionStore.
func (s *RedisStore) Unregister(ctx context.Context, userID, deviceID string) (bool, error) {
	return s.unregister(ctx, userID, deviceID, "")
}

// UnregisterSession implements store.SessionStore.
func (s *RedisStore) UnregisterSession(ctx context.Context, userID, deviceID, sessionID string) (bool, error) {
	return s.unregister(ctx, userID, deviceID, sessionID)
}

func (s *RedisStore) unregister(ctx context.Context, userID, deviceID, sessionID string) (bool, error) {
	n, err := unregisterScript.Run(ctx, s.client, s.recordKeys(userID), deviceID, sessionID).Int()
	if err != nil {
		return false, unavailable("unregister", err)
	}

	return n == 1, nil
}

// UnregisterAll implements store.SessionStore.
func (s *RedisStore) UnregisterAll(ctx context.Context, userID string) ([]policy.Binding, error) {
	res, err := unregisterAllScript.Run(ctx, s.client, s.recordKeys(userID)).Slice()
	if err != nil {
		return nil, unavailable("unregister all", err)
	}

	return parseTriples(res)
}

// FindSessions implements store.SessionStore. Concurrent lookups for the
// same user share one round trip.
func (s *RedisStore) FindSessions(ctx context.Context, userID string) ([]policy.Binding, error) {
	v, err, _ := s.reads.Do(userID, func() (any, error) {
		var nodesCmd, metaCmd *redis.MapStringStringCmd
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			nodesCmd = pipe.HGetAll(ctx, s.nodesKey(userID))
			metaCmd = pipe.HGetAll(ctx, s.metaKey(userID))
			return nil
		})
		if err != nil {
			return nil, unavailable("find sessions", err)
		}

		meta := metaCmd.Val()
		out := make([]policy.Binding, 0, len(nodesCmd.Val()))
		for device, node := range nodesCmd.Val() {
			b, err := decodeBinding(device, node, meta[device])
			if err != nil {
				return nil, err
			}
			out = append(out, b)
		}

		sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]policy.Binding), nil
}

// IsOnline implements store.SessionStore.
func (s *RedisStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := s.client.HLen(ctx, s.nodesKey(userID)).Result()
	if err != nil {
		return false, unavailable("is online", err)
	}

	return n > 0, nil
}

// Touch implements store.SessionStore.
func (s *RedisStore) Touch(ctx context.Context, userID, deviceID string, at time.Time) error {
	if err := touchScript.Run(ctx, s.client, []string{s.metaKey(userID)}, deviceID, at.UnixMilli()).Err(); err != nil {
		return unavailable("touch", err)
	}

	return nil
}

// OnlineUserCount implements store.SessionStore.
func (s *RedisStore) OnlineUserCount(ctx context.Context) (int64, error) {
	return s.counter(ctx, s.onlineUsersKey())
}

// SessionCount implements store.SessionStore.
func (s *RedisStore) SessionCount(ctx context.Context) (int64, error) {
	return s.counter(ctx, s.sessionsKey())
}

func (s *RedisStore) counter(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("counter", err)
	}

	return n, nil
}

// Join implements store.GroupStore. Membership and the reverse index are
// written in one MULTI/EXEC.
func (s *RedisStore) Join(ctx context.Context, groupID, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.groupKey(groupID), userID)
		pipe.SAdd(ctx, s.userGroupsKey(userID), groupID)
		return nil
	})
	if err != nil {
		return unavailable("join", err)
	}

	return nil
}

// Leave implements store.GroupStore.
func (s *RedisStore) Leave(ctx context.Context, groupID, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.groupKey(groupID), userID)
		pipe.SRem(ctx, s.userGroupsKey(userID), groupID)
		return nil
	})
	if err != nil {
		return unavailable("leave", err)
	}

	return nil
}

// Members implements store.GroupStore with SSCAN.
func (s *RedisStore) Members(ctx context.Context, groupID string, cursor uint64, count int64) ([]string, uint64, error) {
	if count <= 0 {
		count = 100
	}

	keys, next, err := s.client.SScan(ctx, s.groupKey(groupID), cursor, "", count).Result()
	if err != nil {
		return nil, 0, unavailable("members", err)
	}

	return keys, next, nil
}

// IsMember implements store.GroupStore.
func (s *RedisStore) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.groupKey(groupID), userID).Result()
	if err != nil {
		return false, unavailable("is member", err)
	}

	return ok, nil
}

// GroupsForUser implements store.GroupStore.
func (s *RedisStore) GroupsForUser(ctx context.Context, userID string) ([]string, error) {
	groups, err := s.client.SMembers(ctx, s.userGroupsKey(userID)).Result()
	if err != nil {
		return nil, unavailable("groups for user", err)
	}

	sort.Strings(groups)
	return groups, nil
}

// Close implements store.Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, store.ErrStoreUnavailable, err)
}

// parseTriples decodes (deviceId, nodeId, rawMeta) script output.
func parseTriples(res []any) ([]policy.Binding, error) {
	if len(res)%3 != 0 {
		return nil, fmt.Errorf("%w: unexpected script reply of %d items", store.ErrStoreUnavailable, len(res))
	}

	out := make([]policy.Binding, 0, len(res)/3)
	for i := 0; i < len(res); i += 3 {
		device, _ := res[i].(string)
		node, _ := res[i+1].(string)
		raw, _ := res[i+2].(string)

		b, err := decodeBinding(device, node, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, nil
}

// decodeBinding parses the meta field. A missing meta value yields a binding
// with only device and node set.
func decodeBinding(deviceID, nodeID, raw string) (policy.Binding, error) {
	b := policy.Binding{DeviceID: deviceID, NodeID: nodeID}
	if raw == "" {
		return b, nil
	}

	parts := strings.Split(raw, "|")
	if len(parts) < 4 {
		return b, fmt.Errorf("%w: corrupt binding meta %q", store.ErrStoreUnavailable, raw)
	}

	n := len(parts)
	loginMs, err := strconv.ParseInt(parts[n-2], 10, 64)
	if err != nil {
		return b, fmt.Errorf("%w: corrupt login time %q", store.ErrStoreUnavailable, raw)
	}
	activeMs, err := strconv.ParseInt(parts[n-1], 10, 64)
	if err != nil {
		return b, fmt.Errorf("%w: corrupt active time %q", store.ErrStoreUnavailable, raw)
	}

	b.SessionID = parts[0]
	b.DeviceType = strings.Join(parts[1:n-2], "|")
	b.LoginAt = time.UnixMilli(loginMs)
	b.LastActiveAt = time.UnixMilli(activeMs)
	return b, nil
}
