package attendance

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/biometric"
	"github.com/ogurasousui/face-attendance/internal/core/employee"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fakeRegistryRepo struct {
	mu         sync.Mutex
	seq        int64
	registries map[int64]*Registry
	employees  map[int64]bool
	failCreate map[int64]error
	locked     int
}

func newFakeRegistryRepo(employeeIDs ...int64) *fakeRegistryRepo {
	repo := &fakeRegistryRepo{
		registries: make(map[int64]*Registry),
		employees:  make(map[int64]bool),
		failCreate: make(map[int64]error),
	}
	for _, id := range employeeIDs {
		repo.employees[id] = true
	}
	return repo
}

func (r *fakeRegistryRepo) Create(_ context.Context, reg *Registry) (*Registry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failCreate[reg.EmployeeID]; err != nil {
		return nil, err
	}
	if !r.employees[reg.EmployeeID] {
		return nil, ErrEmployeeNotFound
	}
	r.seq++
	clone := *reg
	clone.ID = r.seq
	r.registries[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (r *fakeRegistryRepo) Update(_ context.Context, reg *Registry) (*Registry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registries[reg.ID]; !ok {
		return nil, ErrRegistryNotFound
	}
	clone := *reg
	r.registries[reg.ID] = &clone
	out := clone
	return &out, nil
}

func (r *fakeRegistryRepo) Delete(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.registries[id]; !ok {
		return ErrRegistryNotFound
	}
	delete(r.registries, id)
	return nil
}

func (r *fakeRegistryRepo) FindByID(_ context.Context, id int64) (*Registry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.registries[id]
	if !ok {
		return nil, ErrRegistryNotFound
	}
	out := *reg
	return &out, nil
}

func (r *fakeRegistryRepo) List(_ context.Context, filter ListRegistriesFilter) ([]*Registry, string, error) {
	return r.ordered(filter.EmployeeID), "", nil
}

// ordered は (Timestamp, ID) 順の記録の複製を返します。
func (r *fakeRegistryRepo) ordered(employeeID int64) []*Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Registry
	for _, reg := range r.registries {
		if employeeID != 0 && reg.EmployeeID != employeeID {
			continue
		}
		clone := *reg
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *fakeRegistryRepo) LatestByEmployee(_ context.Context, employeeID int64) (*Registry, error) {
	regs := r.ordered(employeeID)
	if len(regs) == 0 {
		return nil, nil
	}
	return regs[len(regs)-1], nil
}

func (r *fakeRegistryRepo) Neighbours(_ context.Context, employeeID int64, at time.Time, excludeID int64) (*Registry, *Registry, error) {
	key := excludeID
	if key == 0 {
		key = 1<<63 - 1
	}
	var prev, next *Registry
	for _, reg := range r.ordered(employeeID) {
		if reg.ID == excludeID {
			continue
		}
		before := reg.Timestamp.Before(at) || (reg.Timestamp.Equal(at) && reg.ID < key)
		if before {
			prev = reg
			continue
		}
		if next == nil {
			next = reg
		}
	}
	return prev, next, nil
}

func (r *fakeRegistryRepo) DeleteByEmployee(_ context.Context, employeeID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, reg := range r.registries {
		if reg.EmployeeID == employeeID {
			delete(r.registries, id)
			n++
		}
	}
	return n, nil
}

func (r *fakeRegistryRepo) LockEmployee(context.Context, int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locked++
	return nil
}

func (r *fakeRegistryRepo) removeEmployee(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.employees, id)
}

func (r *fakeRegistryRepo) types(employeeID int64) []Type {
	var out []Type
	for _, reg := range r.ordered(employeeID) {
		out = append(out, reg.Type)
	}
	return out
}

type fakeMatcher struct {
	candidates []biometric.Candidate
	err        error
	hook       func()
}

func (m *fakeMatcher) Match(context.Context, []byte) ([]biometric.Candidate, error) {
	if m.hook != nil {
		m.hook()
	}
	return slices.Clone(m.candidates), m.err
}

type fakeResyncer struct {
	calls  int
	synced bool
	err    error
	onSync func()
}

func (r *fakeResyncer) Resync(context.Context) (bool, error) {
	r.calls++
	if r.onSync != nil {
		r.onSync()
	}
	return r.synced, r.err
}

type fakeLookup map[string]int64

func (l fakeLookup) Lookup(_ context.Context, matchID string) (int64, bool, error) {
	id, ok := l[matchID]
	return id, ok, nil
}

type fakeInspector struct{}

func (fakeInspector) Inspect(data []byte) (string, error) {
	if bytes.HasPrefix(data, []byte("bad")) {
		return "", biometric.ErrUnsupportedImage
	}
	return "jpeg", nil
}

type fakeEmployees map[int64]bool

func (f fakeEmployees) FindByID(_ context.Context, id int64) (*employee.Employee, error) {
	if !f[id] {
		return nil, employee.ErrEmployeeNotFound
	}
	return &employee.Employee{ID: id}, nil
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...any) {}

var errBoom = errors.New("boom")
