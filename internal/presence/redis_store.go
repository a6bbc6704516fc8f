// Package presence tracks which clients are joined to a topic. Entries
// expire unless touched again within the TTL.
package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Member is one client joined to a topic.
type Member struct {
	ClientID string    `json:"clientId"`
	UserID   string    `json:"userId,omitempty"`
	Seen     time.Time `json:"seen"`
}

// RedisStore keeps one sorted set per topic, scored by last-seen time in
// milliseconds, plus a hash from client id to user id.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    ttl,
		now:    time.Now,
	}
}

func (s *RedisStore) key(topic string) string {
	return s.prefix + topic
}

func (s *RedisStore) usersKey(topic string) string {
	return s.prefix + topic + ":users"
}

// Touch records that the client is still on the topic.
func (s *RedisStore) Touch(ctx context.Context, topic, clientID, userID string) error {
	now := s.now()
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, s.key(topic), redis.Z{Score: float64(now.UnixMilli()), Member: clientID})
	pipe.HSet(ctx, s.usersKey(topic), clientID, userID)
	pipe.Expire(ctx, s.key(topic), 2*s.ttl)
	pipe.Expire(ctx, s.usersKey(topic), 2*s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, topic, clientID string) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, s.key(topic), clientID)
	pipe.HDel(ctx, s.usersKey(topic), clientID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// List prunes expired members and returns the rest ordered by client id.
func (s *RedisStore) List(ctx context.Context, topic string) ([]Member, error) {
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	if err := s.client.ZRemRangeByScore(ctx, s.key(topic), "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("prune presence: %w", err)
	}
	entries, err := s.client.ZRangeWithScores(ctx, s.key(topic), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	users, err := s.client.HGetAll(ctx, s.usersKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence users: %w", err)
	}

	members := make([]Member, 0, len(entries))
	for _, z := range entries {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		members = append(members, Member{
			ClientID: id,
			UserID:   users[id],
			Seen:     time.UnixMilli(int64(z.Score)).UTC(),
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ClientID < members[j].ClientID })
	return members, nil
}
