package cache

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/realtime-chat-go/internal/models"
	"github.com/realtime-chat-go/internal/services/storage"
	"github.com/sirupsen/logrus"
)

// Recorder receives cache hit and miss events
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
}

// Options configures a SnapshotCache
type Options struct {
	TTL      time.Duration
	MaxItems int
	Clock    func() time.Time
}

// SnapshotCache keeps an in-memory mirror of the persisted chat snapshot.
// Storage failures are logged and treated as a miss or a no-op.
type SnapshotCache struct {
	storage storage.Storage
	ttl     time.Duration
	max     int
	clock   func() time.Time
	logger  *logrus.Logger
	metrics Recorder

	mu       sync.Mutex
	mirror   *models.CacheSnapshot
	hydrated bool
}

// New creates a snapshot cache over the given storage
func New(store storage.Storage, opts Options, logger *logrus.Logger, metrics Recorder) *SnapshotCache {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TTL <= 0 {
		opts.TTL = 5 * time.Minute
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 2000
	}
	return &SnapshotCache{
		storage: store,
		ttl:     opts.TTL,
		max:     opts.MaxItems,
		clock:   opts.Clock,
		logger:  logger,
		metrics: metrics,
	}
}

// Get returns the current snapshot regardless of age, or nil.
func (c *SnapshotCache) Get(ctx context.Context) *models.CacheSnapshot {
	c.mu.Lock()
	if c.hydrated {
		snapshot := c.mirror
		c.mu.Unlock()
		return snapshot
	}
	c.mu.Unlock()

	snapshot, err := c.storage.Read(ctx)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read cached chats, treating as empty")
		snapshot = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hydrated {
		c.mirror = snapshot
		c.hydrated = true
	}
	return c.mirror
}

// Fresh returns the snapshot only when it is younger than the TTL.
func (c *SnapshotCache) Fresh(ctx context.Context) *models.CacheSnapshot {
	snapshot := c.Get(ctx)
	if snapshot == nil {
		c.miss()
		return nil
	}
	age := snapshot.Age(c.clock())
	if age >= c.ttl {
		c.logger.WithFields(logrus.Fields{
			"age": humanize.RelTime(time.UnixMilli(snapshot.CapturedAt), c.clock(), "ago", "from now"),
			"ttl": c.ttl,
		}).Debug("Cached chats are stale")
		c.miss()
		return nil
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit()
	}
	c.logger.WithFields(logrus.Fields{
		"entries": len(snapshot.Entries),
		"age":     age,
	}).Debug("Cache hit")
	return snapshot
}

// Set replaces the snapshot wholesale, bounded to MaxItems.
func (c *SnapshotCache) Set(ctx context.Context, entries []models.ChatRecord) *models.CacheSnapshot {
	return c.write(ctx, entries, c.clock().UnixMilli())
}

func (c *SnapshotCache) write(ctx context.Context, entries []models.ChatRecord, capturedAt int64) *models.CacheSnapshot {
	bounded := models.Bound(entries, c.max)
	copied := make([]models.ChatRecord, len(bounded))
	copy(copied, bounded)

	snapshot := &models.CacheSnapshot{
		Entries:    copied,
		CapturedAt: capturedAt,
	}

	c.mu.Lock()
	c.mirror = snapshot
	c.hydrated = true
	c.mu.Unlock()

	if err := c.storage.Write(ctx, snapshot); err != nil {
		c.logger.WithError(err).Warn("Failed to persist cached chats")
	}
	return snapshot
}

// Invalidate drops both the mirror and the persisted copy.
func (c *SnapshotCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.mirror = nil
	c.hydrated = true
	c.mu.Unlock()

	if err := c.storage.Clear(ctx); err != nil {
		c.logger.WithError(err).Warn("Failed to clear cached chats")
	}
	c.logger.Debug("Cache cleared")
}

// Info reports whether a snapshot exists and how old it is.
func (c *SnapshotCache) Info(ctx context.Context) models.CacheInfo {
	snapshot := c.Get(ctx)
	if snapshot == nil {
		return models.CacheInfo{Cached: false}
	}
	return models.CacheInfo{Cached: true, Age: snapshot.Age(c.clock())}
}

// Merge upserts a record at the head of the snapshot, keeping its capture
// time. Without a snapshot it does nothing.
func (c *SnapshotCache) Merge(ctx context.Context, record models.ChatRecord) {
	snapshot := c.Get(ctx)
	if snapshot == nil {
		return
	}
	c.write(ctx, models.Upsert(snapshot.Entries, record, c.max), snapshot.CapturedAt)
}

// Replace swaps the record at tempID for confirmed, keeping the capture
// time. It does nothing when no snapshot exists or tempID is not in it.
func (c *SnapshotCache) Replace(ctx context.Context, tempID models.RecordID, confirmed models.ChatRecord) {
	snapshot := c.Get(ctx)
	if snapshot == nil {
		return
	}
	i := models.IndexOf(snapshot.Entries, tempID)
	if i < 0 {
		return
	}
	// a live insert may already have delivered the confirmed record
	entries := make([]models.ChatRecord, 0, len(snapshot.Entries))
	for j, entry := range snapshot.Entries {
		switch {
		case j == i:
			entries = append(entries, confirmed)
		case entry.ID == confirmed.ID:
		default:
			entries = append(entries, entry)
		}
	}
	c.write(ctx, entries, snapshot.CapturedAt)
}

func (c *SnapshotCache) miss() {
	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}
}
