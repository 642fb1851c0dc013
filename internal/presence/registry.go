// Package presence tracks which users currently hold at least one live
// WebSocket connection, across any number of gateway instances. State lives
// in Redis using two structures per the key layout:
//
//	Key:   user:<userId>:sockets   (SET of socket IDs)
//	Key:   socket:<socketId>       (STRING = userId, TTL-bound)
//
// The per-socket TTL key is the sole source of truth for liveness: a gateway
// that crashes never removes its set entries, so set membership alone cannot
// be trusted. Readers prune set entries whose liveness key has expired.
package presence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserSocketsPrefix and UserSocketsSuffix frame the per-user socket set key.
	UserSocketsPrefix = "user:"
	UserSocketsSuffix = ":sockets"

	// SocketPrefix is the key prefix for per-socket liveness keys.
	SocketPrefix = "socket:"

	// DefaultTTL is the liveness window for an unrefreshed socket. Clients
	// heartbeat every 40s, so a healthy socket is refreshed well inside it.
	DefaultTTL = 60 * time.Second
)

// Registry manages socket registrations in Redis. All gateway instances share
// the same Redis, so registry state is global across the fleet.
type Registry struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRegistry creates a Registry using the provided Redis client and the
// default 60s liveness TTL.
func NewRegistry(client *redis.Client) *Registry {
	return &Registry{client: client, ttl: DefaultTTL}
}

// NewRegistryTTL creates a Registry with a custom liveness TTL. Used by tests
// that need fast expiry.
func NewRegistryTTL(client *redis.Client, ttl time.Duration) *Registry {
	return &Registry{client: client, ttl: ttl}
}

func userSocketsKey(userID string) string {
	return UserSocketsPrefix + userID + UserSocketsSuffix
}

func socketKey(socketID string) string {
	return SocketPrefix + socketID
}

// AddConnection registers socketID under userID's socket set and creates the
// TTL-bound liveness key. Both writes go through a single MULTI/EXEC so a
// connect racing a disconnect cannot leave a set entry without a liveness key.
func (r *Registry) AddConnection(ctx context.Context, userID, socketID string) error {
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, userSocketsKey(userID), socketID)
	pipe.Set(ctx, socketKey(socketID), userID, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add connection user=%s socket=%s: %w", userID, socketID, err)
	}
	return nil
}

// RemoveConnection removes socketID from the user's socket set and deletes
// its liveness key as one atomic unit.
func (r *Registry) RemoveConnection(ctx context.Context, userID, socketID string) error {
	pipe := r.client.TxPipeline()
	pipe.SRem(ctx, userSocketsKey(userID), socketID)
	pipe.Del(ctx, socketKey(socketID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: remove connection user=%s socket=%s: %w", userID, socketID, err)
	}
	return nil
}

// Refresh extends the liveness key's TTL on receipt of a heartbeat. The
// socket set is untouched. Refreshing an already-expired socket is a no-op
// (EXPIRE on a missing key does nothing), so a zombie client cannot
// resurrect itself without reconnecting.
func (r *Registry) Refresh(ctx context.Context, socketID string) error {
	if err := r.client.Expire(ctx, socketKey(socketID), r.ttl).Err(); err != nil {
		return fmt.Errorf("presence: refresh socket=%s: %w", socketID, err)
	}
	return nil
}

// IsOnline reports whether the user has at least one live socket. Set members
// whose liveness key has expired are pruned as a side effect, and the set
// itself is deleted when pruning empties it. This self-heals registrations
// left behind by crashed gateways.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	setKey := userSocketsKey(userID)

	members, err := r.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return false, fmt.Errorf("presence: read socket set user=%s: %w", userID, err)
	}
	if len(members) == 0 {
		return false, nil
	}

	// Check every member's liveness key in one round trip.
	pipe := r.client.Pipeline()
	checks := make([]*redis.IntCmd, len(members))
	for i, socketID := range members {
		checks[i] = pipe.Exists(ctx, socketKey(socketID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("presence: check liveness user=%s: %w", userID, err)
	}

	var dead []interface{}
	live := 0
	for i, cmd := range checks {
		if cmd.Val() > 0 {
			live++
		} else {
			dead = append(dead, members[i])
		}
	}

	// Opportunistic pruning of stale members.
	if len(dead) > 0 {
		prune := r.client.Pipeline()
		prune.SRem(ctx, setKey, dead...)
		if live == 0 {
			prune.Del(ctx, setKey)
		}
		if _, err := prune.Exec(ctx); err != nil {
			// Pruning is best-effort; the answer below is still correct.
			return live > 0, fmt.Errorf("presence: prune user=%s: %w", userID, err)
		}
	}

	return live > 0, nil
}

// ListOnlineUsers enumerates all users with at least one live socket. Each
// candidate set is pruned via IsOnline, so the result reflects liveness keys
// rather than raw set membership.
func (r *Registry) ListOnlineUsers(ctx context.Context) ([]string, error) {
	var online []string

	iter := r.client.Scan(ctx, 0, UserSocketsPrefix+"*"+UserSocketsSuffix, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID := strings.TrimSuffix(strings.TrimPrefix(key, UserSocketsPrefix), UserSocketsSuffix)
		if userID == "" {
			continue
		}
		ok, err := r.IsOnline(ctx, userID)
		if err != nil {
			return nil, err
		}
		if ok {
			online = append(online, userID)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("presence: scan socket sets: %w", err)
	}

	return online, nil
}

// SocketOwner resolves the userId that registered a socket, or "" if the
// liveness key has expired.
func (r *Registry) SocketOwner(ctx context.Context, socketID string) (string, error) {
	userID, err := r.client.Get(ctx, socketKey(socketID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("presence: socket owner socket=%s: %w", socketID, err)
	}
	return userID, nil
}
