package session

import (
	"context"
	"sync"

	"github.com/realtime-chat-go/internal/models"
	"github.com/sirupsen/logrus"
)

// DataService is the part of the chat data service a session drives
type DataService interface {
	LoadAll(ctx context.Context, useCache bool) ([]models.ChatRecord, error)
	ClearAll(ctx context.Context) error
	SubscribeInserts(ctx context.Context, onInsert func(models.ChatRecord)) (func(), error)
	IsOnline() bool
	OnConnectivityChange(listener func(online bool)) (unsubscribe func(), ok bool)
}

// Recorder receives session metrics
type Recorder interface {
	SetSessionLogSize(size int)
	RecordMessageReceived(source string)
}

// State is the load state of a session
type State int

const (
	StateIdle State = iota
	StateLoading
	StateReady
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// Options configures a Session
type Options struct {
	MaxItems int
	Realtime bool
}

// Session owns the in-memory chat log of one active view. It reconciles
// refreshes, live inserts and optimistic entries. After Close, results of
// in-flight work are dropped.
type Session struct {
	svc     DataService
	opts    Options
	logger  *logrus.Logger
	metrics Recorder

	mu       sync.RWMutex
	log      []models.ChatRecord
	pending  map[models.RecordID]struct{}
	offline  bool
	lastErr  error
	state    State
	closed   bool
	teardown []func()

	listenersMu sync.RWMutex
	listeners   map[int]func()
	nextID      int
}

// New creates an idle session
func New(svc DataService, opts Options, logger *logrus.Logger, metrics Recorder) *Session {
	if opts.MaxItems <= 0 {
		opts.MaxItems = 2000
	}
	return &Session{
		svc:       svc,
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		pending:   make(map[models.RecordID]struct{}),
		offline:   !svc.IsOnline(),
		listeners: make(map[int]func()),
	}
}

// Start activates the session: it mirrors connectivity, loads the log once
// and, when realtime is enabled, feeds live inserts through MergeChat.
func (s *Session) Start(ctx context.Context) error {
	if unsubscribe, ok := s.svc.OnConnectivityChange(s.setOnline); ok {
		s.addTeardown(unsubscribe)
	}
	s.setOnline(s.svc.IsOnline())

	s.Refresh(ctx)

	if !s.opts.Realtime {
		return nil
	}
	unsubscribe, err := s.svc.SubscribeInserts(ctx, func(record models.ChatRecord) {
		if s.metrics != nil {
			s.metrics.RecordMessageReceived("realtime")
		}
		s.MergeChat(record)
	})
	if err != nil {
		s.logger.WithError(err).Warn("Failed to subscribe to chat inserts")
		return err
	}
	s.addTeardown(unsubscribe)
	return nil
}

// Close tears down subscriptions. Later results are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	teardown := s.teardown
	s.teardown = nil
	s.mu.Unlock()

	for _, fn := range teardown {
		fn()
	}
}

// Refresh reloads the log. Pending ids without an entry in the new log are
// dropped. A failure keeps the current log and is reported through
// LastError.
func (s *Session) Refresh(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateLoading
	s.mu.Unlock()
	s.notify()

	records, err := s.svc.LoadAll(ctx, true)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.lastErr = err
		s.state = StateErrored
		s.logger.WithError(err).Warn("Failed to refresh chats")
	} else {
		bounded := models.Bound(records, s.opts.MaxItems)
		s.log = make([]models.ChatRecord, len(bounded))
		copy(s.log, bounded)
		for id := range s.pending {
			if models.IndexOf(s.log, id) < 0 {
				delete(s.pending, id)
			}
		}
		s.lastErr = nil
		s.state = StateReady
	}
	size := len(s.log)
	s.mu.Unlock()

	s.recordSize(size)
	s.notify()
}

// Clear deletes the remote history, then empties the local log.
func (s *Session) Clear(ctx context.Context) error {
	if err := s.svc.ClearAll(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.log = nil
	s.pending = make(map[models.RecordID]struct{})
	s.mu.Unlock()

	s.recordSize(0)
	s.notify()
	return nil
}

// AddOptimistic upserts record and marks it pending.
func (s *Session) AddOptimistic(record models.ChatRecord) {
	s.mutate(func() {
		s.upsertLocked(record)
		s.pending[record.ID] = struct{}{}
	})
}

// MergeChat upserts record and clears its pending mark. Live inserts and
// failed optimistic sends both land here.
func (s *Session) MergeChat(record models.ChatRecord) {
	s.mutate(func() {
		s.upsertLocked(record)
		delete(s.pending, record.ID)
	})
}

// ResolveOptimistic replaces the entry at tempID with confirmed, keeping
// its position. Without an entry at tempID it behaves like MergeChat.
func (s *Session) ResolveOptimistic(tempID models.RecordID, confirmed models.ChatRecord) {
	s.mutate(func() {
		delete(s.pending, tempID)
		if confirmed.IsOptimistic {
			s.pending[confirmed.ID] = struct{}{}
		} else {
			delete(s.pending, confirmed.ID)
		}

		i := models.IndexOf(s.log, tempID)
		if i < 0 {
			s.upsertLocked(confirmed)
			return
		}
		// a live insert may have delivered confirmed before we did
		out := make([]models.ChatRecord, 0, len(s.log))
		for j, entry := range s.log {
			switch {
			case j == i:
				out = append(out, confirmed)
			case entry.ID == confirmed.ID:
			default:
				out = append(out, entry)
			}
		}
		s.log = out
	})
}

// OnChange registers a listener called after every state change
func (s *Session) OnChange(listener func()) (unsubscribe func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = listener

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			delete(s.listeners, id)
			s.listenersMu.Unlock()
		})
	}
}

// Log returns the log in upsert order.
func (s *Session) Log() []models.ChatRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ChatRecord, len(s.log))
	copy(out, s.log)
	return out
}

// SortedLog returns the log newest first, the order it is displayed in.
func (s *Session) SortedLog() []models.ChatRecord {
	out := s.Log()
	models.SortNewestFirst(out)
	return out
}

// PendingIDs returns the ids of entries still awaiting confirmation.
func (s *Session) PendingIDs() []models.RecordID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]models.RecordID, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	return ids
}

// IsPending reports whether id is awaiting confirmation.
func (s *Session) IsPending(id models.RecordID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.pending[id]
	return ok
}

// IsLoading reports whether a refresh is in flight.
func (s *Session) IsLoading() bool {
	return s.State() == StateLoading
}

// IsOffline mirrors the data service connectivity.
func (s *Session) IsOffline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offline
}

// LastError returns the error of the last failed refresh, or nil.
func (s *Session) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// State returns the current load state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setOnline(online bool) {
	s.mu.Lock()
	if s.closed || s.offline == !online {
		s.mu.Unlock()
		return
	}
	s.offline = !online
	s.mu.Unlock()

	s.logger.WithField("offline", !online).Debug("Session connectivity changed")
	s.notify()
}

func (s *Session) addTeardown(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.teardown = append(s.teardown, fn)
	s.mu.Unlock()
}

func (s *Session) mutate(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	fn()
	size := len(s.log)
	s.mu.Unlock()

	s.recordSize(size)
	s.notify()
}

// upsertLocked applies the upsert rule and forgets pending ids that fell
// off the bounded log. Caller holds mu.
func (s *Session) upsertLocked(record models.ChatRecord) {
	before := len(s.log)
	s.log = models.Upsert(s.log, record, s.opts.MaxItems)
	if before < s.opts.MaxItems {
		return
	}
	for id := range s.pending {
		if id != record.ID && models.IndexOf(s.log, id) < 0 {
			delete(s.pending, id)
		}
	}
}

func (s *Session) recordSize(size int) {
	if s.metrics != nil {
		s.metrics.SetSessionLogSize(size)
	}
}

func (s *Session) notify() {
	s.listenersMu.RLock()
	listeners := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}
