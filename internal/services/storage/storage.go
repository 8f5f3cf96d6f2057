package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/go-redis/redis/v8"
	"github.com/patrickmn/go-cache"
	"github.com/realtime-chat-go/internal/config"
	"github.com/realtime-chat-go/internal/models"
	"github.com/sirupsen/logrus"
)

// Storage persists the single cache snapshot blob
type Storage interface {
	// Read returns nil, nil when nothing is stored
	Read(ctx context.Context) (*models.CacheSnapshot, error)
	Write(ctx context.Context, snapshot *models.CacheSnapshot) error
	Clear(ctx context.Context) error
}

// Recorder receives storage operation timings
type Recorder interface {
	RecordStorageOperation(operation, status string, duration time.Duration)
}

// Manager manages different storage backends
type Manager struct {
	storage Storage
	logger  *logrus.Logger
	metrics Recorder
	closer  io.Closer
}

// NewManager creates a new storage manager
func NewManager(cfg *config.Config, logger *logrus.Logger, metrics Recorder) (*Manager, error) {
	manager := &Manager{
		logger:  logger,
		metrics: metrics,
	}

	switch cfg.Storage.Type {
	case "redis":
		redisStorage, err := NewRedisStorage(&cfg.Storage.Redis, logger)
		if err != nil {
			return nil, err
		}
		manager.storage = redisStorage
		manager.closer = redisStorage
	case "pebble":
		pebbleStorage, err := NewPebbleStorage(&cfg.Storage.Pebble, logger)
		if err != nil {
			return nil, err
		}
		manager.storage = pebbleStorage
		manager.closer = pebbleStorage
	case "memory":
		manager.storage = NewMemoryStorage(cfg.Storage.Memory.Key)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return manager, nil
}

// NewManagerWith wraps an existing backend
func NewManagerWith(storage Storage, logger *logrus.Logger, metrics Recorder) *Manager {
	return &Manager{storage: storage, logger: logger, metrics: metrics}
}

func (m *Manager) Read(ctx context.Context) (*models.CacheSnapshot, error) {
	start := time.Now()
	snapshot, err := m.storage.Read(ctx)
	m.record("read", err, start)
	return snapshot, err
}

func (m *Manager) Write(ctx context.Context, snapshot *models.CacheSnapshot) error {
	start := time.Now()
	err := m.storage.Write(ctx, snapshot)
	m.record("write", err, start)
	return err
}

func (m *Manager) Clear(ctx context.Context) error {
	start := time.Now()
	err := m.storage.Clear(ctx)
	m.record("clear", err, start)
	return err
}

// Close releases the backend if it holds resources
func (m *Manager) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer.Close()
}

func (m *Manager) record(operation string, err error, start time.Time) {
	status := "success"
	if err != nil {
		status = "error"
		m.logger.WithError(err).WithField("operation", operation).Debug("Cache storage operation failed")
	}
	if m.metrics != nil {
		m.metrics.RecordStorageOperation(operation, status, time.Since(start))
	}
}

func encodeSnapshot(snapshot *models.CacheSnapshot) ([]byte, error) {
	return json.Marshal(snapshot)
}

func decodeSnapshot(data []byte) (*models.CacheSnapshot, error) {
	var snapshot models.CacheSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// RedisStorage implements storage using Redis
type RedisStorage struct {
	client *redis.Client
	key    string
	logger *logrus.Logger
}

func NewRedisStorage(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStorageWithClient(client, cfg.Key, logger), nil
}

func NewRedisStorageWithClient(client *redis.Client, key string, logger *logrus.Logger) *RedisStorage {
	return &RedisStorage{
		client: client,
		key:    key,
		logger: logger,
	}
}

func (r *RedisStorage) Read(ctx context.Context) (*models.CacheSnapshot, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(data)
}

func (r *RedisStorage) Write(ctx context.Context, snapshot *models.CacheSnapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key, data, 0).Err()
}

func (r *RedisStorage) Clear(ctx context.Context) error {
	return r.client.Del(ctx, r.key).Err()
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// PebbleStorage implements storage on a local pebble database
type PebbleStorage struct {
	db     *pebble.DB
	key    []byte
	logger *logrus.Logger
}

func NewPebbleStorage(cfg *config.PebbleConfig, logger *logrus.Logger) (*PebbleStorage, error) {
	db, err := pebble.Open(cfg.Path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", cfg.Path, err)
	}
	return &PebbleStorage{db: db, key: []byte(cfg.Key), logger: logger}, nil
}

func (p *PebbleStorage) Read(ctx context.Context) (*models.CacheSnapshot, error) {
	value, closer, err := p.db.Get(p.key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return decodeSnapshot(value)
}

func (p *PebbleStorage) Write(ctx context.Context, snapshot *models.CacheSnapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	return p.db.Set(p.key, data, pebble.Sync)
}

func (p *PebbleStorage) Clear(ctx context.Context) error {
	return p.db.Delete(p.key, pebble.Sync)
}

func (p *PebbleStorage) Close() error {
	return p.db.Close()
}

// MemoryStorage implements storage using in-memory cache
type MemoryStorage struct {
	blobs *cache.Cache
	key   string
}

func NewMemoryStorage(key string) *MemoryStorage {
	if key == "" {
		key = "chat:cache"
	}
	return &MemoryStorage{
		blobs: cache.New(cache.NoExpiration, cache.NoExpiration),
		key:   key,
	}
}

func (m *MemoryStorage) Read(ctx context.Context) (*models.CacheSnapshot, error) {
	if val, found := m.blobs.Get(m.key); found {
		return decodeSnapshot(val.([]byte))
	}
	return nil, nil
}

func (m *MemoryStorage) Write(ctx context.Context, snapshot *models.CacheSnapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	m.blobs.Set(m.key, data, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) Clear(ctx context.Context) error {
	m.blobs.Delete(m.key)
	return nil
}
