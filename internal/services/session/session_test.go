package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/realtime-chat-go/internal/models"
	"github.com/realtime-chat-go/internal/services/connectivity"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	mu           sync.Mutex
	records      []models.ChatRecord
	loadErr      error
	clearErr     error
	loads        int
	clears       int
	onInsert     func(models.ChatRecord)
	unsubscribed bool
	network      *connectivity.Switch
}

func newFakeService() *fakeService {
	return &fakeService{network: connectivity.NewSwitch(true)}
}

func (f *fakeService) LoadAll(ctx context.Context, useCache bool) ([]models.ChatRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make([]models.ChatRecord, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeService) ClearAll(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
	return f.clearErr
}

func (f *fakeService) SubscribeInserts(ctx context.Context, onInsert func(models.ChatRecord)) (func(), error) {
	f.onInsert = onInsert
	return func() { f.unsubscribed = true }, nil
}

func (f *fakeService) IsOnline() bool { return f.network.IsOnline() }

func (f *fakeService) OnConnectivityChange(listener func(bool)) (func(), bool) {
	return f.network.Subscribe(listener), true
}

func newSession(t *testing.T, svc DataService, opts Options) *Session {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	s := New(svc, opts, logger, nil)
	t.Cleanup(s.Close)
	return s
}

func record(id string) models.ChatRecord {
	return models.ChatRecord{ID: models.ConfirmedID(id), Name: "ann", Message: id}
}

func TestStart_RefreshesAndSubscribes(t *testing.T) {
	svc := newFakeService()
	svc.records = []models.ChatRecord{record("b"), record("a")}
	s := newSession(t, svc, Options{Realtime: true})

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateReady, s.State())
	assert.Equal(t, svc.records, s.Log())

	svc.onInsert(record("c"))
	assert.Equal(t, "c", s.Log()[0].ID.Value())

	svc.network.Set(false)
	assert.True(t, s.IsOffline())

	s.Close()
	assert.True(t, svc.unsubscribed)
	svc.network.Set(true)
	assert.True(t, s.IsOffline(), "closed session ignores connectivity")
}

func TestStart_WithoutRealtime(t *testing.T) {
	svc := newFakeService()
	s := newSession(t, svc, Options{})

	require.NoError(t, s.Start(context.Background()))
	assert.Nil(t, svc.onInsert)
	assert.Equal(t, 1, svc.loads)
}

func TestRefresh_FailureKeepsLog(t *testing.T) {
	svc := newFakeService()
	svc.records = []models.ChatRecord{record("a")}
	s := newSession(t, svc, Options{})
	s.Refresh(context.Background())
	require.Len(t, s.Log(), 1)

	boom := errors.New("network down")
	svc.loadErr = boom
	s.Refresh(context.Background())
	assert.Equal(t, StateErrored, s.State())
	assert.Same(t, boom, s.LastError())
	assert.Len(t, s.Log(), 1)
	assert.False(t, s.IsLoading())

	svc.loadErr = nil
	s.Refresh(context.Background())
	assert.Equal(t, StateReady, s.State())
	assert.NoError(t, s.LastError())
}

func TestRefresh_ReportsLoadingState(t *testing.T) {
	svc := newFakeService()
	s := newSession(t, svc, Options{})
	assert.Equal(t, StateIdle, s.State())

	var states []State
	s.OnChange(func() { states = append(states, s.State()) })
	s.Refresh(context.Background())
	assert.Equal(t, []State{StateLoading, StateReady}, states)
}

func TestClear(t *testing.T) {
	svc := newFakeService()
	s := newSession(t, svc, Options{})
	s.AddOptimistic(record("a"))

	svc.clearErr = errors.New("denied")
	assert.Error(t, s.Clear(context.Background()))
	assert.Len(t, s.Log(), 1, "log survives a failed clear")

	svc.clearErr = nil
	require.NoError(t, s.Clear(context.Background()))
	assert.Empty(t, s.Log())
	assert.Empty(t, s.PendingIDs())
}

func TestOptimisticRoundTrip(t *testing.T) {
	s := newSession(t, newFakeService(), Options{})
	s.MergeChat(record("b"))
	s.MergeChat(record("a"))

	tempID := models.LocalID("tmp-1")
	optimistic := models.ChatRecord{ID: tempID, Name: "ann", Message: "hi", IsOptimistic: true}
	s.AddOptimistic(optimistic)
	s.MergeChat(record("c"))
	require.True(t, s.IsPending(tempID))
	position := models.IndexOf(s.Log(), tempID)

	confirmed := optimistic
	confirmed.ID = models.ConfirmedID("d")
	confirmed.IsOptimistic = false
	s.ResolveOptimistic(tempID, confirmed)

	log := s.Log()
	assert.Equal(t, position, models.IndexOf(log, confirmed.ID))
	assert.Equal(t, -1, models.IndexOf(log, tempID))
	assert.Len(t, log, 4)
	assert.False(t, s.IsPending(tempID))
	assert.Empty(t, s.PendingIDs())
}

func TestResolveOptimistic_AfterLiveInsert(t *testing.T) {
	s := newSession(t, newFakeService(), Options{})
	tempID := models.LocalID("tmp-1")
	s.AddOptimistic(models.ChatRecord{ID: tempID, IsOptimistic: true})

	confirmed := record("d")
	s.MergeChat(confirmed)
	s.ResolveOptimistic(tempID, confirmed)

	log := s.Log()
	require.Len(t, log, 1)
	assert.Equal(t, confirmed.ID, log[0].ID)
}

func TestMergeChat_Idempotent(t *testing.T) {
	s := newSession(t, newFakeService(), Options{})
	s.MergeChat(record("a"))
	once := s.Log()
	s.MergeChat(record("a"))
	assert.Equal(t, once, s.Log())
}

func TestMergeChat_ClearsPending(t *testing.T) {
	s := newSession(t, newFakeService(), Options{})
	failed := models.ChatRecord{ID: models.LocalID("tmp"), Message: "hi", IsOptimistic: true}
	s.AddOptimistic(failed)

	failed.IsOptimistic = false
	s.MergeChat(failed)
	assert.False(t, s.IsPending(failed.ID))
	assert.Len(t, s.Log(), 1)
	assert.False(t, s.Log()[0].IsOptimistic)
}

func TestLogIsBounded(t *testing.T) {
	s := newSession(t, newFakeService(), Options{MaxItems: 3})
	s.AddOptimistic(record("a"))
	for _, id := range []string{"b", "c", "d", "e"} {
		s.MergeChat(record(id))
	}

	log := s.Log()
	require.Len(t, log, 3)
	assert.Equal(t, "e", log[0].ID.Value())
	assert.Equal(t, "c", log[2].ID.Value())
	assert.Empty(t, s.PendingIDs(), "evicted entries are no longer pending")
}

func TestRefresh_IsBounded(t *testing.T) {
	svc := newFakeService()
	svc.records = []models.ChatRecord{record("c"), record("b"), record("a")}
	s := newSession(t, svc, Options{MaxItems: 2})
	s.Refresh(context.Background())
	assert.Len(t, s.Log(), 2)
}

func TestSortedLog(t *testing.T) {
	s := newSession(t, newFakeService(), Options{})
	old := record("a")
	old.ServerTime = 100
	recent := record("b")
	recent.ServerTime = 200
	s.MergeChat(recent)
	s.MergeChat(old)

	sorted := s.SortedLog()
	assert.Equal(t, "b", sorted[0].ID.Value())
	assert.Equal(t, "a", s.Log()[0].ID.Value(), "upsert order is untouched")
}

func TestClosedSessionIgnoresUpdates(t *testing.T) {
	s := newSession(t, newFakeService(), Options{})
	s.Close()
	s.MergeChat(record("a"))
	s.Refresh(context.Background())
	assert.Empty(t, s.Log())
	assert.Equal(t, StateIdle, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "loading", StateLoading.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestRefresh_DropsPendingWithoutEntry(t *testing.T) {
	svc := newFakeService()
	svc.records = []models.ChatRecord{record("a")}
	s := newSession(t, svc, Options{})

	temp := models.ChatRecord{ID: models.LocalID("t1"), Message: "hi", IsOptimistic: true}
	s.AddOptimistic(temp)
	require.True(t, s.IsPending(temp.ID))

	s.Refresh(context.Background())
	assert.Empty(t, s.PendingIDs())
	assert.Equal(t, svc.records, s.Log())
}

func TestRefresh_KeepsPendingStillInLog(t *testing.T) {
	svc := newFakeService()
	temp := models.ChatRecord{ID: models.LocalID("t1"), Message: "hi", IsOptimistic: true}
	svc.records = []models.ChatRecord{temp, record("a")}
	s := newSession(t, svc, Options{})

	s.AddOptimistic(temp)
	s.Refresh(context.Background())
	assert.Equal(t, []models.RecordID{temp.ID}, s.PendingIDs())
}
