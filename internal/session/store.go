package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultNamespace  = "pawreel:session"
	defaultSessionTTL = 24 * time.Hour
)

// Store persists conversations keyed by end-user id. A missing session is
// not an error: Fetch returns nil for users with no active conversation.
type Store interface {
	Fetch(ctx context.Context, userID int64) (*Conversation, error)
	Save(ctx context.Context, conversation *Conversation) error
	Delete(ctx context.Context, userID int64) error
}

// RedisStore keeps conversations in Redis with a sliding TTL refreshed on
// every write.
type RedisStore struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisStoreOption customizes a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithNamespace overrides the key namespace.
func WithNamespace(namespace string) RedisStoreOption {
	return func(s *RedisStore) {
		if namespace != "" {
			s.namespace = namespace
		}
	}
}

// WithSessionTTL overrides the session lifetime.
func WithSessionTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// NewRedisStore wraps an existing Redis client as a session store.
func NewRedisStore(client *redis.Client, opts ...RedisStoreOption) (*RedisStore, error) {
	if client == nil {
		return nil, fmt.Errorf("session store: redis client is required")
	}
	store := &RedisStore{
		client:    client,
		namespace: defaultNamespace,
		ttl:       defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Fetch loads the conversation for the given user, or nil when none exists.
func (s *RedisStore) Fetch(ctx context.Context, userID int64) (*Conversation, error) {
	payload, err := s.client.Get(ctx, s.key(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("session store: fetch %d: %w", userID, err)
	}

	var conversation Conversation
	if err := json.Unmarshal([]byte(payload), &conversation); err != nil {
		return nil, fmt.Errorf("session store: decode %d: %w", userID, err)
	}
	return &conversation, nil
}

// Save overwrites the stored conversation and refreshes its TTL.
func (s *RedisStore) Save(ctx context.Context, conversation *Conversation) error {
	if conversation == nil {
		return fmt.Errorf("session store: conversation is required")
	}

	payload, err := json.Marshal(conversation)
	if err != nil {
		return fmt.Errorf("session store: encode %d: %w", conversation.UserID, err)
	}
	if err := s.client.Set(ctx, s.key(conversation.UserID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("session store: save %d: %w", conversation.UserID, err)
	}
	return nil
}

// Delete drops the conversation for the given user, if any.
func (s *RedisStore) Delete(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, s.key(userID)).Err(); err != nil {
		return fmt.Errorf("session store: delete %d: %w", userID, err)
	}
	return nil
}

// Ping verifies connectivity to the backing Redis instance.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("session store: ping: %w", err)
	}
	return nil
}

func (s *RedisStore) key(userID int64) string {
	return s.namespace + ":" + strconv.FormatInt(userID, 10)
}
