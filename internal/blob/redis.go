package blob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// stateKey is the redis key holding the serialized document.
const stateKey = "cardvault:state"

// redisStore keeps the document under a single redis key.
type redisStore struct {
	client *redis.Client
}

// openRedis connects to redis and verifies the connection.
func openRedis(dsn string) (Store, error) {
	opts, errParse := redis.ParseURL(dsn)
	if errParse != nil {
		return nil, fmt.Errorf("blob: parse redis url: %w", errParse)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, fmt.Errorf("blob: ping redis: %w", errPing)
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) Load(ctx context.Context) ([]byte, error) {
	data, err := s.client.Get(ctx, stateKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("blob: redis get: %w", err)
	}
	return data, nil
}

func (s *redisStore) Save(ctx context.Context, data []byte) error {
	if err := s.client.Set(ctx, stateKey, data, 0).Err(); err != nil {
		return fmt.Errorf("blob: redis set: %w", err)
	}
	return nil
}
