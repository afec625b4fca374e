package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"choicebook-server/internal/interfaces"
	"choicebook-server/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Compile-time check to ensure redisSessionCache implements SessionCache
var _ interfaces.SessionCache = (*redisSessionCache)(nil)

// redisSessionCache кеширует активные сессии в Redis. TTL совпадает с порогом
// простоя: сессия, которую свипер готов закрыть, из кеша уже выпала.
type redisSessionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewRedisSessionCache(client *redis.Client, ttl time.Duration, logger *zap.Logger) interfaces.SessionCache {
	return &redisSessionCache{
		client: client,
		ttl:    ttl,
		logger: logger.Named("RedisSessionCache"),
	}
}

func sessionKey(sessionID uuid.UUID) string {
	return fmt.Sprintf("session:%s", sessionID)
}

func (c *redisSessionCache) Get(ctx context.Context, sessionID uuid.UUID) (*models.ReaderPath, error) {
	key := sessionKey(sessionID)

	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.logger.Debug("Session cache miss", zap.Stringer("sessionID", sessionID))
			return nil, models.ErrSessionNotFound
		}
		c.logger.Error("Failed to get session from cache", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("ошибка чтения сессии из кеша: %w", err)
	}

	var path models.ReaderPath
	if err := json.Unmarshal(data, &path); err != nil {
		// Битую запись не чиним, а выкидываем: следующий запрос пойдет в базу.
		c.logger.Error("Corrupted session in cache, dropping key", zap.String("key", key), zap.Error(err))
		c.client.Del(ctx, key)
		return nil, models.ErrSessionNotFound
	}

	c.logger.Debug("Session cache hit", zap.Stringer("sessionID", sessionID))
	return &path, nil
}

func (c *redisSessionCache) Set(ctx context.Context, path *models.ReaderPath) error {
	key := sessionKey(path.SessionID)

	data, err := json.Marshal(path)
	if err != nil {
		c.logger.Error("Failed to marshal session for cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("ошибка кодирования сессии для кеша: %w", err)
	}

	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		c.logger.Error("Failed to set session in cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("ошибка записи сессии в кеш: %w", err)
	}
	return nil
}

func (c *redisSessionCache) Invalidate(ctx context.Context, sessionID uuid.UUID) error {
	key := sessionKey(sessionID)

	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.logger.Error("Failed to invalidate session in cache", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("ошибка инвалидирования сессии в кеше: %w", err)
	}
	return nil
}
