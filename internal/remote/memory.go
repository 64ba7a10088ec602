package remote

import (
	"context"
	"sync"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// Remote operations, as seen by a MemoryStore failure hook.
const (
	OpSelect = "select"
	OpGet    = "get"
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpPing   = "ping"
)

// FailureFunc decides whether a call fails. A nil return lets it proceed.
type FailureFunc func(op, table, id string) error

// MemoryStore is an in-process Store for tests and demos.
type MemoryStore struct {
	mu      sync.Mutex
	tables  map[string]map[string]models.Record
	offline bool
	fail    FailureFunc
	calls   map[string]int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tables: make(map[string]map[string]models.Record),
		calls:  make(map[string]int),
	}
}

// SetOffline makes every call fail with a transient error until cleared.
func (m *MemoryStore) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// SetFailure installs a failure hook. nil removes it.
func (m *MemoryStore) SetFailure(fn FailureFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Calls returns how many times op was attempted.
func (m *MemoryStore) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Put stores a row directly, bypassing duplicate checks and hooks.
func (m *MemoryStore) Put(table string, row models.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean, err := normalizeRow(row)
	if err != nil {
		panic(err)
	}
	m.table(table)[clean.ID()] = clean
}

// Rows returns a copy of every row of table ordered by id.
func (m *MemoryStore) Rows(table string) []models.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Record, 0, len(m.tables[table]))
	for _, r := range m.tables[table] {
		out = append(out, r.Clone())
	}
	sortRecords(out, models.ColID, false)
	return out
}

func (m *MemoryStore) table(name string) map[string]models.Record {
	t, ok := m.tables[name]
	if !ok {
		t = make(map[string]models.Record)
		m.tables[name] = t
	}
	return t
}

// enter records the call and applies the offline flag and failure hook.
// The caller must hold m.mu.
func (m *MemoryStore) enter(ctx context.Context, op, table, id string) error {
	m.calls[op]++
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, "request cancelled", err)
	}
	if m.offline {
		return apperrors.New(apperrors.ErrTransient, "remote unreachable")
	}
	if m.fail != nil {
		if err := m.fail(op, table, id); err != nil {
			return err
		}
	}
	if op != OpPing {
		return checkTable(table)
	}
	return nil
}

func (m *MemoryStore) Select(ctx context.Context, table string, q Query) ([]models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpSelect, table, ""); err != nil {
		return nil, err
	}

	var out []models.Record
	for _, r := range m.tables[table] {
		if matches(r, q.Eq) {
			out = append(out, r.Clone())
		}
	}
	order := q.OrderBy
	if order == "" {
		order = models.ColID
	}
	sortRecords(out, order, q.Desc)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Get(ctx context.Context, table, id string) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpGet, table, id); err != nil {
		return nil, err
	}
	r, ok := m.tables[table][id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", table, id)
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Insert(ctx context.Context, table string, row models.Record) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := row.ID()
	if err := m.enter(ctx, OpInsert, table, id); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "row has no id")
	}
	if _, exists := m.tables[table][id]; exists {
		return nil, apperrors.Newf(apperrors.ErrDuplicate, "%s/%s already exists", table, id)
	}
	clean, err := normalizeRow(row)
	if err != nil {
		return nil, err
	}
	m.table(table)[id] = clean
	return clean.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, table, id string, row models.Record) (models.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpUpdate, table, id); err != nil {
		return nil, err
	}
	existing, ok := m.tables[table][id]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", table, id)
	}
	patch, err := normalizeRow(row)
	if err != nil {
		return nil, err
	}
	delete(patch, models.ColID)
	merged := existing.Merge(patch)
	m.tables[table][id] = merged
	return merged.Clone(), nil
}

func (m *MemoryStore) Delete(ctx context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(ctx, OpDelete, table, id); err != nil {
		return err
	}
	if _, ok := m.tables[table][id]; !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", table, id)
	}
	delete(m.tables[table], id)
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enter(ctx, OpPing, "", "")
}

var _ Store = (*MemoryStore)(nil)
