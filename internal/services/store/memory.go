package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/realtime-chat-go/internal/models"
)

// Operation names used for failure injection and call counting
const (
	OperationSelect    = "select"
	OperationInsert    = "insert"
	OperationDelete    = "delete"
	OperationSubscribe = "subscribe"
)

type injectedFailure struct {
	remaining int
	err       error
}

// MemoryStore keeps chat tables in process. It assigns ids and times on
// insert the same way the Postgres store does and can be told to fail.
type MemoryStore struct {
	mu       sync.Mutex
	tables   map[string][]Row
	subs     map[string]map[int]func(Row)
	nextSub  int
	clock    func() time.Time
	failures map[string]*injectedFailure
	calls    map[string]int
	lastMs   int64
	seq      uint16
}

// NewMemoryStore creates an empty in-process store
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		tables:   make(map[string][]Row),
		subs:     make(map[string]map[int]func(Row)),
		clock:    clock,
		failures: make(map[string]*injectedFailure),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next n calls of operation return err
func (m *MemoryStore) FailNext(operation string, n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[operation] = &injectedFailure{remaining: n, err: err}
}

// Calls returns how many times operation was invoked
func (m *MemoryStore) Calls(operation string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[operation]
}

// Seed appends rows without notifying subscribers
func (m *MemoryStore) Seed(table string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], rows...)
}

// Rows returns a copy of a table's rows in insertion order
func (m *MemoryStore) Rows(table string) []Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Row, len(m.tables[table]))
	copy(out, m.tables[table])
	return out
}

// mintID returns a time-ordered id for the store clock. Caller holds mu.
func (m *MemoryStore) mintID(ms int64) (string, error) {
	if ms == m.lastMs {
		m.seq++
	} else {
		m.lastMs, m.seq = ms, 0
	}
	id, err := models.NewRecordIDAt(ms, m.seq)
	if err != nil {
		return "", err
	}
	return id.Value(), nil
}

// begin counts the call and returns an injected failure, if any. Caller holds mu.
func (m *MemoryStore) begin(operation string) error {
	m.calls[operation]++
	f, ok := m.failures[operation]
	if !ok || f.remaining == 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func (m *MemoryStore) Select(ctx context.Context, table string, q Query) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OperationSelect); err != nil {
		return nil, err
	}

	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = ColumnID
	}
	if !validColumn(orderBy) {
		return nil, unknownColumn(orderBy)
	}

	var matched []Row
	for _, row := range m.tables[table] {
		if q.IDFrom != "" && row.ID < q.IDFrom {
			continue
		}
		if q.IDTo != "" && row.ID > q.IDTo {
			continue
		}
		matched = append(matched, row)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if q.Descending {
			return lessBy(&matched[j], &matched[i], orderBy)
		}
		return lessBy(&matched[i], &matched[j], orderBy)
	})

	result := &Result{}
	if q.CountTotal {
		result.Total = len(matched)
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[q.Offset:]
		}
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	for _, row := range matched {
		projected, err := row.Project(q.Columns)
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, projected)
	}
	return result, nil
}

func (m *MemoryStore) Insert(ctx context.Context, table string, row Row, returning []string) (*Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if err := m.begin(OperationInsert); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	now := m.clock().UnixMilli()
	if row.ID == "" {
		id, err := m.mintID(now)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		row.ID = id
	}
	for _, existing := range m.tables[table] {
		if existing.ID == row.ID {
			m.mu.Unlock()
			return nil, &Error{Op: OperationInsert, Code: "23505", Message: "duplicate key value violates unique constraint"}
		}
	}
	if row.Time == 0 {
		row.Time = now
	}

	m.tables[table] = append(m.tables[table], row)
	listeners := make([]func(Row), 0, len(m.subs[table]))
	for _, fn := range m.subs[table] {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(row)
	}

	projected, err := row.Project(returning)
	if err != nil {
		return nil, err
	}
	return &projected, nil
}

func (m *MemoryStore) Delete(ctx context.Context, table string, where Predicate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OperationDelete); err != nil {
		return err
	}
	if where.Column == "" {
		return &Error{Op: OperationDelete, Code: "21000", Message: "DELETE requires a WHERE clause"}
	}

	kept := m.tables[table][:0:0]
	for _, row := range m.tables[table] {
		r := row
		value, ok := textValue(&r, where.Column)
		if !ok {
			return unknownColumn(where.Column)
		}
		if !matches(value, where.Op, where.Value) {
			kept = append(kept, row)
		}
	}
	m.tables[table] = kept
	return nil
}

type memorySubscription struct {
	store *MemoryStore
	table string
	id    int
	once  sync.Once
}

func (s *memorySubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs[s.table], s.id)
		s.store.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) SubscribeInserts(ctx context.Context, table string, onInsert func(Row)) (Subscription, error) {
	if onInsert == nil {
		return nil, errors.New("store: nil insert callback")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.begin(OperationSubscribe); err != nil {
		return nil, err
	}
	if m.subs[table] == nil {
		m.subs[table] = make(map[int]func(Row))
	}
	m.nextSub++
	m.subs[table][m.nextSub] = onInsert
	return &memorySubscription{store: m, table: table, id: m.nextSub}, nil
}

func lessBy(a, b *Row, column string) bool {
	switch column {
	case ColumnTime:
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		return a.ID < b.ID
	case ColumnClientTime:
		return a.ClientTime < b.ClientTime
	}
	av, _ := textValue(a, column)
	bv, _ := textValue(b, column)
	return av < bv
}

func matches(value string, op PredicateOp, operand string) bool {
	switch op {
	case OpEq:
		return value == operand
	case OpNeq:
		return value != operand
	case OpGte:
		return value >= operand
	case OpLte:
		return value <= operand
	}
	return false
}
