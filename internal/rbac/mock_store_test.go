package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workline/workline/internal/shared"
)

var errStoreDown = errors.New("store unavailable")

// mockStore is an in-memory Store with error injection.
type mockStore struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	roles  map[int64]Role
	rows   []Assignment
	nextID int64
	clock  time.Time

	listErr   error
	listPanic bool
	listDelay time.Duration
	listCalls atomic.Int64
	roleErr   error
	createErr error
	lockCalls atomic.Int64
}

func newMockStore(policy *Policy) *mockStore {
	m := &mockStore{roles: map[int64]Role{}, clock: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	for i, rp := range policy.Roles() {
		id := int64(i + 1)
		m.roles[id] = Role{ID: id, Name: rp.Name}
	}
	return m
}

func (m *mockStore) roleID(name string) int64 {
	for id, role := range m.roles {
		if role.Name == name {
			return id
		}
	}
	return 0
}

// seed inserts a row directly, bypassing the service.
func (m *mockStore) seed(userID int64, roleName string, scope Scope) Assignment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(Assignment{UserID: userID, RoleID: m.roleID(roleName), RoleName: roleName, ScopeType: scope.Type, ScopeID: scope.ID})
}

func (m *mockStore) insertLocked(a Assignment) Assignment {
	m.nextID++
	m.clock = m.clock.Add(time.Second)
	a.ID = m.nextID
	a.CreatedAt = m.clock
	if a.RoleName == "" {
		a.RoleName = m.roles[a.RoleID].Name
	}
	m.rows = append(m.rows, a)
	return a
}

func (m *mockStore) count(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.rows {
		if row.UserID == userID {
			n++
		}
	}
	return n
}

func (m *mockStore) ListUserAssignments(ctx context.Context, userID int64) ([]Assignment, error) {
	m.listCalls.Add(1)
	if m.listDelay > 0 {
		select {
		case <-time.After(m.listDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.listPanic {
		panic("boom")
	}
	if m.listErr != nil {
		return nil, m.listErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for _, row := range m.rows {
		if row.UserID == userID {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *mockStore) GetRole(ctx context.Context, roleID int64) (Role, error) {
	if m.roleErr != nil {
		return Role{}, m.roleErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	role, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *mockStore) ListRoles(ctx context.Context) ([]Role, error) {
	if m.roleErr != nil {
		return nil, m.roleErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	roles := make([]Role, 0, len(m.roles))
	for _, role := range m.roles {
		roles = append(roles, role)
	}
	return roles, nil
}

func (m *mockStore) WithTx(ctx context.Context, fn func(context.Context, TxStore) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	m.mu.Lock()
	snapshot := append([]Assignment(nil), m.rows...)
	m.mu.Unlock()
	if err := fn(ctx, mockTx{m: m}); err != nil {
		m.mu.Lock()
		m.rows = snapshot
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *mockStore) BulkCreate(ctx context.Context, rows []Assignment) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inserted []Assignment
	for _, row := range rows {
		if m.existsLocked(row.UserID, row.RoleID, row.Scope()) {
			continue
		}
		inserted = append(inserted, m.insertLocked(row))
	}
	return inserted, nil
}

func (m *mockStore) existsLocked(userID, roleID int64, scope Scope) bool {
	for _, row := range m.rows {
		if row.UserID == userID && row.RoleID == roleID && sameScope(row.Scope(), scope) {
			return true
		}
	}
	return false
}

func sameScope(a, b Scope) bool {
	return a.Type == b.Type && a.IDValue() == b.IDValue()
}

type mockTx struct {
	m *mockStore
}

func (t mockTx) LockScope(ctx context.Context, roleID int64, scope Scope) error {
	t.m.lockCalls.Add(1)
	return nil
}

func (t mockTx) FindHolders(ctx context.Context, roleID int64, scope Scope) ([]int64, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	var holders []int64
	for _, row := range t.m.rows {
		if row.RoleID == roleID && sameScope(row.Scope(), scope) {
			holders = append(holders, row.UserID)
		}
	}
	return holders, nil
}

func (t mockTx) CreateAssignment(ctx context.Context, a Assignment) (bool, error) {
	if t.m.createErr != nil {
		return false, t.m.createErr
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.existsLocked(a.UserID, a.RoleID, a.Scope()) {
		return false, nil
	}
	t.m.insertLocked(a)
	return true, nil
}

func (t mockTx) DeleteAssignment(ctx context.Context, userID, roleID int64, scope Scope) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for i, row := range t.m.rows {
		if row.UserID == userID && row.RoleID == roleID && sameScope(row.Scope(), scope) {
			t.m.rows = append(t.m.rows[:i], t.m.rows[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// mockScopes resolves every id listed in names.
type mockScopes struct {
	names map[string]string
	err   error
}

func (s mockScopes) LookupScope(ctx context.Context, scope Scope) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	name, ok := s.names[scope.String()]
	if !ok {
		return "", ErrScopeNotFound
	}
	return name, nil
}

// recordingSource counts cache calls.
type recordingSource struct {
	mu          sync.Mutex
	result      FetchResult
	gets        int
	invalidated []int64
}

func (s *recordingSource) Get(ctx context.Context, userID int64) FetchResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	return s.result
}

func (s *recordingSource) Invalidate(ctx context.Context, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, userID)
}

type mockAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
	err  error
}

func (a *mockAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return a.err
}

func int64Ptr(v int64) *int64 { return &v }
