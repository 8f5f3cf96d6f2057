package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/realtime-chat-go/internal/models"
	"github.com/realtime-chat-go/internal/services/cache"
	"github.com/realtime-chat-go/internal/services/connectivity"
	"github.com/realtime-chat-go/internal/services/retry"
	"github.com/realtime-chat-go/internal/services/storage"
	"github.com/realtime-chat-go/internal/services/store"
	"github.com/sirupsen/logrus"
)

// impossibleID never matches a stored row; deleting "id <> impossibleID"
// removes everything while still giving the store a predicate.
const impossibleID = "00000000-0000-0000-0000-000000000000"

// Recorder receives service level metrics
type Recorder interface {
	cache.Recorder
	retry.Observer
	RecordFallbackServed(operation string)
	RecordStoreOperation(operation, status string, duration time.Duration)
}

// FallbackFunc produces the static records shown when offline with no cache
type FallbackFunc func(now time.Time) []models.ChatRecord

// Options configures a Service
type Options struct {
	Table    string
	CacheTTL time.Duration
	MaxRows  int
	MaxItems int
	Clock    func() time.Time
	Fallback FallbackFunc
	Retry    retry.Policy
	// Sleep overrides the retry backoff wait
	Sleep retry.SleepFunc
}

// Service is the cache-aware, retrying facade over the remote chat store
type Service struct {
	store   store.Store
	cache   *cache.SnapshotCache
	monitor connectivity.Monitor
	retrier *retry.Retrier
	opts    Options
	logger  *logrus.Logger
	metrics Recorder

	background sync.WaitGroup
}

// NewService creates a chat data service
func NewService(
	st store.Store,
	snapshots storage.Storage,
	monitor connectivity.Monitor,
	opts Options,
	logger *logrus.Logger,
	metrics Recorder,
) *Service {
	if opts.Table == "" {
		opts.Table = "chats"
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 2000
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = 2000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Fallback == nil {
		opts.Fallback = DefaultFallback
	}
	if opts.Retry.Attempts < 1 {
		opts.Retry = retry.DefaultPolicy()
	}
	if metrics == nil {
		metrics = noopRecorder{}
	}

	retrier := retry.New(opts.Retry, logger).WithObserver(metrics)
	if opts.Sleep != nil {
		retrier.WithSleep(opts.Sleep)
	}

	return &Service{
		store: st,
		cache: cache.New(snapshots, cache.Options{
			TTL:      opts.CacheTTL,
			MaxItems: opts.MaxItems,
			Clock:    opts.Clock,
		}, logger, metrics),
		monitor: monitor,
		retrier: retrier,
		opts:    opts,
		logger:  logger,
		metrics: metrics,
	}
}

// LoadAll returns the newest chats, preferring a fresh cache. Offline it
// serves the cache at any age, or caches and serves fallback content.
func (s *Service) LoadAll(ctx context.Context, useCache bool) ([]models.ChatRecord, error) {
	if !s.IsOnline() {
		return s.offlineEntries(ctx, "load_all"), nil
	}

	if useCache {
		if snapshot := s.cache.Fresh(ctx); snapshot != nil {
			return cloneRecords(snapshot.Entries), nil
		}
	}

	result, err := s.selectRows(ctx, "load_all", store.Query{
		OrderBy:    store.ColumnID,
		Descending: true,
		Limit:      s.opts.MaxRows,
	})
	if err != nil {
		return nil, err
	}

	records := recordsFromRows(result.Rows)
	s.cache.Set(ctx, records)
	s.logger.WithField("count", len(records)).Debug("Loaded chats from store")
	return records, nil
}

// LoadPage returns one page of the newest-first log. Only the first page
// can be served from the cache.
func (s *Service) LoadPage(ctx context.Context, limit, offset int, useCache bool) (*models.Page, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("invalid page limit %d", limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("invalid page offset %d", offset)
	}

	if !s.IsOnline() {
		return slicePage(s.offlineEntries(ctx, "load_page"), limit, offset), nil
	}

	if useCache && offset == 0 {
		if snapshot := s.cache.Fresh(ctx); snapshot != nil {
			page := slicePage(snapshot.Entries, limit, 0)
			// the cache is a bounded window; a full window may hide older rows
			if len(snapshot.Entries) >= s.opts.MaxRows {
				page.HasMore = true
			}
			return page, nil
		}
	}

	result, err := s.selectRows(ctx, "load_page", store.Query{
		OrderBy:    store.ColumnID,
		Descending: true,
		Limit:      limit,
		Offset:     offset,
		CountTotal: true,
	})
	if err != nil {
		return nil, wrapQueryError(fmt.Sprintf("failed to load chat page (limit %d, offset %d)", limit, offset), err)
	}

	records := recordsFromRows(result.Rows)
	if offset == 0 {
		s.cache.Set(ctx, records)
	}
	return &models.Page{
		Items:   records,
		HasMore: offset+len(records) < result.Total,
	}, nil
}

// LoadByTimeRange returns chats whose time lies in [start, end]. A nil end
// leaves the range open. Offline without a cache it returns fallback
// content without caching it.
func (s *Service) LoadByTimeRange(ctx context.Context, start int64, end *int64, limit int) ([]models.ChatRecord, error) {
	if !s.IsOnline() {
		snapshot := s.cache.Get(ctx)
		if snapshot == nil {
			s.metrics.RecordFallbackServed("load_by_time_range")
			return s.opts.Fallback(s.opts.Clock()), nil
		}
		var out []models.ChatRecord
		for _, record := range snapshot.Entries {
			t := record.Time()
			if t < start || (end != nil && t > *end) {
				continue
			}
			out = append(out, record)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return out, nil
	}

	q := store.Query{
		OrderBy:    store.ColumnID,
		Descending: true,
		Limit:      limit,
		IDFrom:     models.IDLowerBound(start),
	}
	if end != nil {
		q.IDTo = models.IDUpperBound(*end)
	}

	result, err := s.selectRows(ctx, "load_by_time_range", q)
	if err != nil {
		return nil, wrapQueryError("failed to load chats by time range", err)
	}
	return recordsFromRows(result.Rows), nil
}

// SaveOptimistic writes a record created optimistically and returns it
// with its server id and time. The cache is invalidated, not patched.
func (s *Service) SaveOptimistic(ctx context.Context, record models.ChatRecord) (models.ChatRecord, error) {
	inserted, err := s.insert(ctx, "save_optimistic", record, []string{store.ColumnID, store.ColumnTime})
	if err != nil {
		return models.ChatRecord{}, err
	}
	s.cache.Invalidate(ctx)

	confirmed := record
	confirmed.ID = models.ConfirmedID(inserted.ID)
	confirmed.ServerTime = inserted.Time
	confirmed.IsOptimistic = false
	return confirmed, nil
}

// SaveConfirmed writes a record and returns the full stored row.
func (s *Service) SaveConfirmed(ctx context.Context, record models.ChatRecord) (models.ChatRecord, error) {
	inserted, err := s.insert(ctx, "save_confirmed", record, store.AllColumns)
	if err != nil {
		return models.ChatRecord{}, err
	}
	s.cache.Invalidate(ctx)

	confirmed := recordFromRow(*inserted)
	confirmed.ClientTime = record.ClientTime
	return confirmed, nil
}

// SaveFireAndForget writes in the background. Failures are only logged.
func (s *Service) SaveFireAndForget(record models.ChatRecord) {
	s.background.Add(1)
	go func() {
		defer s.background.Done()

		ctx := context.Background()
		if _, err := s.insert(ctx, "save_fire_and_forget", record, []string{store.ColumnID}); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"name":   record.Name,
				"system": record.IsSystem,
			}).Warn("Background chat save failed")
			return
		}
		s.cache.Invalidate(ctx)
	}()
}

// ClearAll deletes every remote row, then the cache.
func (s *Service) ClearAll(ctx context.Context) error {
	start := time.Now()
	err := s.retrier.Do(ctx, "delete", func(ctx context.Context) error {
		return s.store.Delete(ctx, s.opts.Table, store.Predicate{
			Column: store.ColumnID,
			Op:     store.OpNeq,
			Value:  impossibleID,
		})
	})
	s.observe("clear_all", start, err)
	if err != nil {
		return err
	}
	s.cache.Invalidate(ctx)
	s.logger.WithField("table", s.opts.Table).Info("Chat history cleared")
	return nil
}

// InvalidateCache drops the cached snapshot without touching the store
func (s *Service) InvalidateCache(ctx context.Context) {
	s.cache.Invalidate(ctx)
}

// CacheInfo reports the cache state
func (s *Service) CacheInfo(ctx context.Context) models.CacheInfo {
	return s.cache.Info(ctx)
}

// SubscribeInserts forwards remote inserts as confirmed records.
func (s *Service) SubscribeInserts(ctx context.Context, onInsert func(models.ChatRecord)) (func(), error) {
	sub, err := s.store.SubscribeInserts(ctx, s.opts.Table, func(row store.Row) {
		onInsert(recordFromRow(row))
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			s.logger.WithError(err).Warn("Failed to unsubscribe from chat inserts")
		}
	}, nil
}

// CreateOptimisticRecord stamps partial with a local id and the current time
func (s *Service) CreateOptimisticRecord(partial models.ChatRecord) models.ChatRecord {
	now := s.opts.Clock().UnixMilli()
	record := partial
	record.ID = models.LocalID(uuid.NewString())
	record.ClientTime = now
	record.ServerTime = now
	record.IsOptimistic = true
	return record
}

// MergeOptimisticIntoCache shows an optimistic record in the cached window
func (s *Service) MergeOptimisticIntoCache(ctx context.Context, record models.ChatRecord) {
	s.cache.Merge(ctx, record)
}

// ReplaceOptimisticInCache swaps a reconciled record into the cached window
func (s *Service) ReplaceOptimisticInCache(ctx context.Context, tempID models.RecordID, confirmed models.ChatRecord) {
	s.cache.Replace(ctx, tempID, confirmed)
}

// IsOnline reports the monitor state. Without a monitor it is always online.
func (s *Service) IsOnline() bool {
	if s.monitor == nil {
		return true
	}
	return s.monitor.IsOnline()
}

// OnConnectivityChange subscribes to connectivity changes. ok is false when
// the monitor cannot push changes.
func (s *Service) OnConnectivityChange(listener func(online bool)) (unsubscribe func(), ok bool) {
	notifier, ok := s.monitor.(connectivity.Notifier)
	if !ok {
		return func() {}, false
	}
	return notifier.Subscribe(listener), true
}

// Close waits for background saves to finish
func (s *Service) Close() {
	s.background.Wait()
}

func (s *Service) offlineEntries(ctx context.Context, operation string) []models.ChatRecord {
	if snapshot := s.cache.Get(ctx); snapshot != nil {
		return cloneRecords(snapshot.Entries)
	}
	fallback := s.opts.Fallback(s.opts.Clock())
	s.cache.Set(ctx, fallback)
	s.metrics.RecordFallbackServed(operation)
	s.logger.WithField("operation", operation).Info("Offline without cache, serving fallback chats")
	return cloneRecords(fallback)
}

func (s *Service) selectRows(ctx context.Context, operation string, q store.Query) (*store.Result, error) {
	start := time.Now()
	result, err := retry.Value(ctx, s.retrier, operation, func(ctx context.Context) (*store.Result, error) {
		return s.store.Select(ctx, s.opts.Table, q)
	})
	s.observe(operation, start, err)
	return result, err
}

func (s *Service) insert(ctx context.Context, operation string, record models.ChatRecord, returning []string) (*store.Row, error) {
	row := wireRow(record)
	start := time.Now()
	inserted, err := retry.Value(ctx, s.retrier, operation, func(ctx context.Context) (*store.Row, error) {
		return s.store.Insert(ctx, s.opts.Table, row, returning)
	})
	s.observe(operation, start, err)
	return inserted, err
}

func (s *Service) observe(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordStoreOperation(operation, status, time.Since(start))
}

func wrapQueryError(message string, err error) error {
	var storeErr *store.Error
	if errors.As(err, &storeErr) && storeErr.Code != "" {
		return fmt.Errorf("%s [code %s]: %w", message, storeErr.Code, err)
	}
	return fmt.Errorf("%s: %w", message, err)
}

func slicePage(entries []models.ChatRecord, limit, offset int) *models.Page {
	if offset >= len(entries) {
		return &models.Page{Items: []models.ChatRecord{}, HasMore: false}
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return &models.Page{
		Items:   cloneRecords(entries[offset:end]),
		HasMore: end < len(entries),
	}
}

func cloneRecords(records []models.ChatRecord) []models.ChatRecord {
	out := make([]models.ChatRecord, len(records))
	copy(out, records)
	return out
}

type noopRecorder struct{}

func (noopRecorder) RecordCacheHit() {}
func (noopRecorder) RecordCacheMiss() {}
func (noopRecorder) RecordRetry(string) {}
func (noopRecorder) RecordFallbackServed(string) {}
func (noopRecorder) RecordStoreOperation(string, string, time.Duration) {}
