package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/realtime-chat-go/internal/config"
	"github.com/realtime-chat-go/internal/middleware"
	"github.com/realtime-chat-go/internal/models"
	"github.com/realtime-chat-go/internal/services/chat"
	"github.com/realtime-chat-go/internal/services/connectivity"
	"github.com/realtime-chat-go/internal/services/retry"
	"github.com/realtime-chat-go/internal/services/session"
	"github.com/realtime-chat-go/internal/services/storage"
	"github.com/realtime-chat-go/internal/services/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoLocalizer renders "id key=value ..." so tests can assert on it
type echoLocalizer struct{}

func (echoLocalizer) Get(lang, messageID string, data map[string]interface{}) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := []string{messageID}
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, data[k]))
	}
	return strings.Join(parts, " ")
}

type harness struct {
	actions *ChatActions
	svc     *chat.Service
	session *session.Session
	store   *store.MemoryStore
	now     time.Time
}

func newHarness(t *testing.T, limit config.RateLimitConfig) *harness {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	h := &harness{now: time.UnixMilli(1_700_000_000_000)}
	clock := func() time.Time { return h.now }
	h.store = store.NewMemoryStore(clock)

	h.svc = chat.NewService(h.store, storage.NewMemoryStorage("chat-cache"), connectivity.NewSwitch(true), chat.Options{
		Clock: clock,
		Retry: retry.Policy{Attempts: 2, Delay: time.Millisecond},
		Sleep: func(context.Context, time.Duration) error { return nil },
	}, logger, nil)
	t.Cleanup(h.svc.Close)

	h.session = session.New(h.svc, session.Options{MaxItems: 100}, logger, nil)
	t.Cleanup(h.session.Close)

	limiter := middleware.NewRateLimiter(&limit, logger)
	t.Cleanup(limiter.Close)

	cfg := &config.ChatConfig{
		MaxMessageLength: 20,
		MaxNameLength:    8,
		RecencyWindow:    5 * time.Minute,
		Language:         "en",
	}
	h.actions = NewChatActions(h.svc, h.session, cfg, limiter, echoLocalizer{}, logger, middleware.NewMetrics()).
		WithClock(clock)
	return h
}

// rows waits for background system posts and returns stored rows
func (h *harness) rows() []store.Row {
	h.svc.Close()
	return h.store.Rows("chats")
}

func TestEnter(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()

	assert.ErrorIs(t, h.actions.Enter(ctx, Identity{Name: "   "}), ErrEmptyName)
	assert.ErrorIs(t, h.actions.Enter(ctx, Identity{Name: "much-too-long"}), ErrNameTooLong)
	assert.Nil(t, h.actions.Identity())
	assert.Empty(t, h.rows(), "validation fails before any write")

	require.NoError(t, h.actions.Enter(ctx, Identity{Name: " ann "}))
	identity := h.actions.Identity()
	require.NotNil(t, identity)
	assert.Equal(t, "ann", identity.Name)
	assert.Equal(t, ColorFor("ann"), identity.Color)

	rows := h.rows()
	require.Len(t, rows, 1)
	assert.True(t, rows[0].System)
	assert.Equal(t, "joined Name=ann", rows[0].Message)
}

func TestExit(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()

	assert.ErrorIs(t, h.actions.Exit(ctx), ErrNotEntered)
	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann", Color: "#123456"}))
	require.NoError(t, h.actions.Exit(ctx))
	assert.Nil(t, h.actions.Identity())

	rows := h.rows()
	require.Len(t, rows, 2)
	messages := []string{rows[0].Message, rows[1].Message}
	assert.Contains(t, messages, "left Name=ann")
}

func TestSend_Validation(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()

	_, err := h.actions.Send(ctx, "hi")
	assert.ErrorIs(t, err, ErrNotEntered)

	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann"}))
	_, err = h.actions.Send(ctx, " \x00 ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = h.actions.Send(ctx, strings.Repeat("x", 21))
	assert.ErrorIs(t, err, ErrMessageTooLong)
	assert.True(t, IsValidationError(err))

	_, err = h.actions.Send(ctx, "hi \xff")
	assert.ErrorIs(t, err, ErrInvalidMessage)
	assert.True(t, IsValidationError(err))
	assert.Empty(t, h.session.Log(), "rejected input is never shown")
}

func TestSend_ReconcilesOptimisticRecord(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()
	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann"}))

	confirmed, err := h.actions.Send(ctx, "hello")
	require.NoError(t, err)
	require.NotNil(t, confirmed)
	assert.True(t, confirmed.ID.IsConfirmed())
	assert.False(t, confirmed.IsOptimistic)

	log := h.session.Log()
	require.Len(t, log, 1)
	assert.Equal(t, confirmed.ID, log[0].ID)
	assert.Empty(t, h.session.PendingIDs())

	var found bool
	for _, row := range h.rows() {
		if row.ID == confirmed.ID.Value() {
			found = true
			assert.Equal(t, "hello", row.Message)
		}
	}
	assert.True(t, found)
}

func TestSend_FailureDemotesRecord(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()
	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann"}))
	h.svc.Close()

	boom := errors.New("network down")
	h.store.FailNext(store.OperationInsert, 2, boom)

	_, err := h.actions.Send(ctx, "hello")
	assert.ErrorIs(t, err, boom)

	log := h.session.Log()
	require.Len(t, log, 1)
	assert.True(t, log[0].ID.IsLocal())
	assert.False(t, log[0].IsOptimistic)
	assert.Equal(t, "hello", log[0].Message)
	assert.Empty(t, h.session.PendingIDs())
}

func TestSend_RateLimited(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{Enabled: true, MessagesPerMinute: 1, Burst: 1})
	ctx := context.Background()
	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann"}))

	_, err := h.actions.Send(ctx, "one")
	require.NoError(t, err)
	_, err = h.actions.Send(ctx, "two")
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = h.actions.Send(ctx, "/help")
	assert.NoError(t, err, "commands are not throttled")
}

func lastNotice(t *testing.T, s *session.Session) models.ChatRecord {
	t.Helper()
	log := s.Log()
	require.NotEmpty(t, log)
	notice := log[0]
	require.True(t, notice.IsSystem)
	require.True(t, notice.ID.IsLocal(), "notices never reach the store")
	return notice
}

func TestCommands(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()
	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann"}))

	_, err := h.actions.Send(ctx, "/help")
	require.NoError(t, err)
	assert.Equal(t, "help", lastNotice(t, h.session).Message)

	_, err = h.actions.Send(ctx, "/who")
	require.NoError(t, err)
	assert.Equal(t, "who_empty", lastNotice(t, h.session).Message)

	_, err = h.actions.Send(ctx, "hello")
	require.NoError(t, err)
	_, err = h.actions.Send(ctx, "/WHO")
	require.NoError(t, err)
	assert.Equal(t, "who Names=ann", lastNotice(t, h.session).Message)

	_, err = h.actions.Send(ctx, "/rank")
	require.NoError(t, err)
	assert.Equal(t, "rank\nrank_entry Count=1 Name=ann Position=1", lastNotice(t, h.session).Message)

	_, err = h.actions.Send(ctx, "/dance")
	require.NoError(t, err)
	assert.Equal(t, "unknown_command Command=/dance", lastNotice(t, h.session).Message)
}

func TestCommand_Name(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()
	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann"}))

	_, err := h.actions.Send(ctx, "/name")
	assert.ErrorIs(t, err, ErrEmptyName)

	_, err = h.actions.Send(ctx, "/name annie")
	require.NoError(t, err)
	assert.Equal(t, "annie", h.actions.Identity().Name)

	var messages []string
	for _, row := range h.rows() {
		messages = append(messages, row.Message)
	}
	assert.Contains(t, messages, "renamed New=annie Old=ann")
}

func TestCommand_ClearAndRefresh(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()
	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann"}))
	_, err := h.actions.Send(ctx, "hello")
	require.NoError(t, err)
	h.svc.Close()

	_, err = h.actions.Send(ctx, "/clear")
	require.NoError(t, err)
	assert.Empty(t, h.session.Log())

	rows := h.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "cleared Name=ann", rows[0].Message)

	_, err = h.actions.Send(ctx, "/refresh")
	require.NoError(t, err)
	log := h.session.Log()
	require.Len(t, log, 2)
	assert.Equal(t, "refreshed", log[0].Message)
	assert.Equal(t, "cleared Name=ann", log[1].Message)
}

func TestColorFor(t *testing.T) {
	assert.Equal(t, ColorFor("Ann"), ColorFor("ann"))
	assert.Contains(t, palette, ColorFor("bob"))
}

func TestSend_FailureAfterSuccessKeepsHistoryOnRefresh(t *testing.T) {
	h := newHarness(t, config.RateLimitConfig{})
	ctx := context.Background()
	h.store.Seed("chats",
		store.Row{ID: "a", Name: "bob", Message: "one"},
		store.Row{ID: "b", Name: "bob", Message: "two"},
		store.Row{ID: "c", Name: "bob", Message: "three"},
	)
	h.session.Refresh(ctx)
	require.Len(t, h.session.Log(), 3)

	require.NoError(t, h.actions.Enter(ctx, Identity{Name: "ann"}))
	_, err := h.actions.Send(ctx, "ok")
	require.NoError(t, err)
	h.svc.Close()
	assert.False(t, h.svc.CacheInfo(ctx).Cached)

	h.store.FailNext(store.OperationInsert, 2, errors.New("network down"))
	_, err = h.actions.Send(ctx, "lost")
	require.Error(t, err)
	assert.False(t, h.svc.CacheInfo(ctx).Cached, "a failed send does not fabricate a cache window")

	selects := h.store.Calls(store.OperationSelect)
	h.session.Refresh(ctx)
	assert.Equal(t, selects+1, h.store.Calls(store.OperationSelect))

	var messages []string
	for _, record := range h.session.Log() {
		messages = append(messages, record.Message)
	}
	assert.Len(t, messages, len(h.store.Rows("chats")))
	assert.Subset(t, messages, []string{"one", "two", "three", "ok"})
}
