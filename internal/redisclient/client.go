package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"sync"
	"time"

	"rental-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const (
	defaultLockTTL   = 30 * time.Second
	defaultLockRetry = 25 * time.Millisecond
)

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
	lockTTL       time.Duration
	lockRetry     time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		lockTTL:       defaultLockTTL,
		lockRetry:     defaultLockRetry,
	}, nil
}

// SetLockTTL bounds how long a crashed holder can keep a key locked.
func (c *Client) SetLockTTL(ttl time.Duration) {
	if ttl > 0 {
		c.lockTTL = ttl
	}
}

// Ping reports whether Redis answers
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func lockKey(key string) string {
	return fmt.Sprintf("lock:%s", key)
}

// Lock acquires a distributed lock on key, polling until ctx is done. The
// lock is owned by a random token so an expired holder cannot release a
// successor's lock.
func (c *Client) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	k := lockKey(key)

	ticker := time.NewTicker(c.lockRetry)
	defer ticker.Stop()

	for {
		ok, err := c.rdb.SetNX(ctx, k, token, c.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = c.releaseScript.Run(releaseCtx, c.rdb, []string{k}, token).Err()
		})
	}, nil
}

func vehicleKey(id string) string {
	return fmt.Sprintf("vehicle:%s", id)
}

// CacheVehicle stores the fields the reservation path reads, with a TTL
func (c *Client) CacheVehicle(ctx context.Context, v *models.Vehicle, ttl time.Duration) error {
	key := vehicleKey(v.ID)

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, encodeVehicle(v))
	pipe.Expire(ctx, key, ttl)

	_, err := pipe.Exec(ctx)
	return err
}

// GetCachedVehicle returns the cached vehicle, or nil on a miss
func (c *Client) GetCachedVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	result, err := c.rdb.HGetAll(ctx, vehicleKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, nil
	}
	return decodeVehicle(id, result)
}

// InvalidateVehicle drops a cached vehicle after a catalog change
func (c *Client) InvalidateVehicle(ctx context.Context, id string) error {
	return c.rdb.Del(ctx, vehicleKey(id)).Err()
}

func encodeVehicle(v *models.Vehicle) map[string]interface{} {
	return map[string]interface{}{
		"make":          v.Make,
		"model":         v.Model,
		"year":          v.Year,
		"license_plate": v.LicensePlate,
		"daily_rate":    v.DailyRate,
		"is_available":  strconv.FormatBool(v.IsAvailable),
	}
}

func decodeVehicle(id string, fields map[string]string) (*models.Vehicle, error) {
	rate, err := strconv.ParseInt(fields["daily_rate"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt cached daily_rate for vehicle %s: %w", id, err)
	}
	available, err := strconv.ParseBool(fields["is_available"])
	if err != nil {
		return nil, fmt.Errorf("corrupt cached is_available for vehicle %s: %w", id, err)
	}
	year, _ := strconv.Atoi(fields["year"])

	return &models.Vehicle{
		ID:           id,
		Make:         fields["make"],
		Model:        fields["model"],
		Year:         year,
		LicensePlate: fields["license_plate"],
		DailyRate:    rate,
		IsAvailable:  available,
	}, nil
}
