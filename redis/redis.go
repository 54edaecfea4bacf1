package redis

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/jobboard/messaging/api"
)

var _ api.Cache = (*Redis)(nil)

// Redis provides presence tracking and message caching in Redis.
type Redis struct {
	cli *redis.Client
}

// Connect connects to the Redis server and pings the server to ensure the
// connection is working.
func Connect(ctx context.Context, addr string) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := cli.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{
		cli: cli,
	}, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.cli.Close()
}

const (
	presenceKey   = "presence:connections"
	messagePrefix = "messages"
	maxSize       = 10
)

// decrPresence decrements the connection count of an account and removes the
// field once it drops to zero. Returns 1 when the account went offline.
var decrPresence = redis.NewScript(`
local n = redis.call("HINCRBY", KEYS[1], ARGV[1], -1)
if n <= 0 then
	redis.call("HDEL", KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// SetOnline records one more live connection for the account and reports
// whether it is the first one.
func (r *Redis) SetOnline(ctx context.Context, accountID string) (bool, error) {
	n, err := r.cli.HIncrBy(ctx, presenceKey, accountID, 1).Result()
	if err != nil {
		return false, fmt.Errorf("hincrby: %w", err)
	}
	return n == 1, nil
}

// SetOffline drops one live connection of the account and reports whether
// it was the last one.
func (r *Redis) SetOffline(ctx context.Context, accountID string) (bool, error) {
	n, err := decrPresence.Run(ctx, r.cli, []string{presenceKey}, accountID).Int()
	if err != nil {
		return false, fmt.Errorf("decr presence: %w", err)
	}
	return n == 1, nil
}

// OnlineUsers returns the IDs of all accounts with at least one live
// connection, sorted.
func (r *Redis) OnlineUsers(ctx context.Context) ([]string, error) {
	ids, err := r.cli.HKeys(ctx, presenceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hkeys: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func conversationKey(conversationID string) string {
	return fmt.Sprintf("%s:%s", messagePrefix, conversationID)
}

func messageKey(conversationID, messageID string) string {
	return fmt.Sprintf("%s:%s:%s", messagePrefix, conversationID, messageID)
}

// ListMessages returns the cached messages of a conversation sorted by the
// timestamp in descending order.
func (r *Redis) ListMessages(ctx context.Context, conversationID string) ([]api.Message, error) {
	keys, err := r.cli.ZRevRange(ctx, conversationKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}

	out := make([]api.Message, 0, len(keys))
	for _, key := range keys {
		var msg message
		if err := r.cli.HGetAll(ctx, key).Scan(&msg); err != nil {
			return nil, fmt.Errorf("hgetall: %w", err)
		}
		if msg.ID == "" {
			// Evicted between the range and the read.
			continue
		}
		out = append(out, msg.APIMessage())
	}
	return out, nil
}

// InsertMessage adds the message to Redis with messages:CONVERSATION_ID:MESSAGE_ID
// as the key and adds the key to the conversation's sorted set.
func (r *Redis) InsertMessage(ctx context.Context, msg api.Message) error {
	m := toRedisMessage(msg)
	setKey := conversationKey(m.ConversationID)
	key := messageKey(m.ConversationID, m.ID)
	_, err := r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, m)
		pipe.ZAdd(ctx, setKey, redis.Z{
			Score:  float64(msg.SentAt.UnixNano()),
			Member: key,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis insert message: %w", err)
	}

	if err := r.evictOldest(ctx, setKey); err != nil {
		return fmt.Errorf("evict oldest: %w", err)
	}
	return nil
}

func (r *Redis) evictOldest(ctx context.Context, setKey string) error {
	vals, err := r.cli.ZRange(ctx, setKey, 0, int64(-maxSize-1)).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}

	if len(vals) == 0 {
		return nil
	}

	members := make([]any, len(vals))
	for i, key := range vals {
		members[i] = key
	}
	_, err = r.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, setKey, members...)
		pipe.Del(ctx, vals...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("evict: %w", err)
	}
	return nil
}
