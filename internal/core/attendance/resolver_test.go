package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ogurasousui/face-attendance/internal/core/apperr"
	"github.com/ogurasousui/face-attendance/internal/core/biometric"
	"github.com/ogurasousui/face-attendance/internal/platform/keylock"
)

var baseTime = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestResolver(matcher *fakeMatcher, lookup fakeLookup, repo *fakeRegistryRepo, clock *stubClock) *Resolver {
	return NewResolver(ResolverDependencies{
		Matcher:     matcher,
		Index:       lookup,
		Repo:        repo,
		Inspector:   fakeInspector{},
		Clock:       clock,
		Locker:      keylock.New[int64](),
		Logger:      discardLogger{},
		CallTimeout: time.Second,
		MaxParallel: 4,
	})
}

func TestResolver_AlternatesEntryAndExit(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(7)
	clock := &stubClock{now: baseTime}
	resolver := newTestResolver(
		&fakeMatcher{candidates: []biometric.Candidate{{MatchID: "m7", Confidence: 0.93}}},
		fakeLookup{"m7": 7}, repo, clock,
	)

	want := []Type{TypeEntry, TypeExit, TypeEntry}
	for i, typ := range want {
		clock.Set(baseTime.Add(time.Duration(i) * time.Hour))
		got, err := resolver.Resolve(context.Background(), []byte("frame"))
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
		if len(got) != 1 || got[0].EmployeeID != 7 || got[0].Type != typ {
			t.Fatalf("resolve %d: unexpected registries %+v", i, got)
		}
		if got[0].Source != SourceRecognition || !got[0].Timestamp.Equal(clock.Now()) {
			t.Fatalf("resolve %d: unexpected registry %+v", i, got[0])
		}
	}
}

func TestResolver_MultipleEmployeesInConfidenceOrder(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(1, 2)
	// 従業員 2 は既に入室済み。
	if _, err := repo.Create(context.Background(), &Registry{EmployeeID: 2, Timestamp: baseTime.Add(-time.Hour), Type: TypeEntry}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	resolver := newTestResolver(
		&fakeMatcher{candidates: []biometric.Candidate{
			{MatchID: "a", Confidence: 0.71},
			{MatchID: "b", Confidence: 0.95},
		}},
		fakeLookup{"a": 1, "b": 2}, repo, &stubClock{now: baseTime},
	)

	got, err := resolver.Resolve(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected two registries, got %d", len(got))
	}
	if got[0].EmployeeID != 2 || got[0].Type != TypeExit {
		t.Fatalf("expected exit for employee 2 first, got %+v", got[0])
	}
	if got[1].EmployeeID != 1 || got[1].Type != TypeEntry {
		t.Fatalf("expected entry for employee 1 second, got %+v", got[1])
	}
}

func TestResolver_DeduplicatesEmployee(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(3)
	resolver := newTestResolver(
		&fakeMatcher{candidates: []biometric.Candidate{
			{MatchID: "old", Confidence: 0.6},
			{MatchID: "new", Confidence: 0.9},
		}},
		fakeLookup{"old": 3, "new": 3}, repo, &stubClock{now: baseTime},
	)

	got, err := resolver.Resolve(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected a single registry, got %d", len(got))
	}
}

func TestResolver_IgnoresStaleMatches(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(4)
	resolver := newTestResolver(
		&fakeMatcher{candidates: []biometric.Candidate{
			{MatchID: "deleted", Confidence: 0.99},
			{MatchID: "live", Confidence: 0.8},
		}},
		fakeLookup{"live": 4}, repo, &stubClock{now: baseTime},
	)

	got, err := resolver.Resolve(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].EmployeeID != 4 {
		t.Fatalf("unexpected registries %+v", got)
	}

	onlyStale := newTestResolver(
		&fakeMatcher{candidates: []biometric.Candidate{{MatchID: "deleted", Confidence: 0.99}}},
		fakeLookup{}, repo, &stubClock{now: baseTime},
	)
	if _, err := onlyStale.Resolve(context.Background(), []byte("frame")); !errors.Is(err, apperr.ErrNoMatch) {
		t.Fatalf("expected no match, got %v", err)
	}
}

func TestResolver_InputErrors(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(1)
	resolver := newTestResolver(&fakeMatcher{}, fakeLookup{}, repo, &stubClock{now: baseTime})

	if _, err := resolver.Resolve(context.Background(), nil); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty image, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), []byte("bad-bytes")); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected invalid input for undecodable image, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), []byte("frame")); !errors.Is(err, apperr.ErrNoMatch) {
		t.Fatalf("expected no match without candidates, got %v", err)
	}
	if len(repo.ordered(0)) != 0 {
		t.Fatal("no registries must be written")
	}
}

func TestResolver_MatcherFailure(t *testing.T) {
	t.Parallel()

	resolver := newTestResolver(&fakeMatcher{err: errBoom}, fakeLookup{}, newFakeRegistryRepo(), &stubClock{now: baseTime})
	if _, err := resolver.Resolve(context.Background(), []byte("frame")); apperr.Kind(err) != apperr.ErrStorage {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestResolver_ConcurrentSameEmployee(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(9)
	// 時刻が進まなくても記録は厳密に増加する。
	resolver := newTestResolver(
		&fakeMatcher{candidates: []biometric.Candidate{{MatchID: "m9", Confidence: 0.9}}},
		fakeLookup{"m9": 9}, repo, &stubClock{now: baseTime},
	)

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := resolver.Resolve(context.Background(), []byte("frame")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("resolve: %v", err)
	}

	regs := repo.ordered(9)
	if len(regs) != n {
		t.Fatalf("expected %d registries, got %d", n, len(regs))
	}
	for i, reg := range regs {
		want := TypeEntry
		if i%2 == 1 {
			want = TypeExit
		}
		if reg.Type != want {
			t.Fatalf("registry %d: expected %s, got %s (%v)", i, want, reg.Type, repo.types(9))
		}
		if i > 0 && !reg.Timestamp.After(regs[i-1].Timestamp) {
			t.Fatalf("registry %d: timestamp did not advance", i)
		}
	}
}

func TestResolver_EmployeeDeletedDuringResolution(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(1, 2)
	matcher := &fakeMatcher{candidates: []biometric.Candidate{
		{MatchID: "a", Confidence: 0.9},
		{MatchID: "b", Confidence: 0.8},
	}}
	matcher.hook = func() { repo.removeEmployee(2) }
	resolver := newTestResolver(matcher, fakeLookup{"a": 1, "b": 2}, repo, &stubClock{now: baseTime})

	got, err := resolver.Resolve(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].EmployeeID != 1 {
		t.Fatalf("expected only employee 1, got %+v", got)
	}
}

func TestResolver_PartialWrite(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(1, 2)
	repo.failCreate[2] = errBoom
	resolver := newTestResolver(
		&fakeMatcher{candidates: []biometric.Candidate{
			{MatchID: "a", Confidence: 0.9},
			{MatchID: "b", Confidence: 0.8},
		}},
		fakeLookup{"a": 1, "b": 2}, repo, &stubClock{now: baseTime},
	)

	got, err := resolver.Resolve(context.Background(), []byte("frame"))
	var partial *PartialWriteError
	if !errors.As(err, &partial) {
		t.Fatalf("expected PartialWriteError, got %v", err)
	}
	if apperr.Kind(err) != apperr.ErrStorage {
		t.Fatalf("partial write must classify as storage, got %v", apperr.Kind(err))
	}
	if len(got) != 1 || got[0].EmployeeID != 1 || len(partial.Written) != 1 {
		t.Fatalf("expected employee 1 to be written, got %+v", got)
	}
	if len(partial.Failed) != 1 || partial.Failed[0].EmployeeID != 2 || !errors.Is(partial.Failed[0].Err, errBoom) {
		t.Fatalf("unexpected failures %+v", partial.Failed)
	}
	if len(repo.ordered(1)) != 1 {
		t.Fatal("written registries must not be rolled back")
	}
}

func TestResolver_CancelledBeforePersistence(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	matcher := &fakeMatcher{candidates: []biometric.Candidate{{MatchID: "a", Confidence: 0.9}}}
	matcher.hook = cancel
	resolver := newTestResolver(matcher, fakeLookup{"a": 1}, repo, &stubClock{now: baseTime})

	_, err := resolver.Resolve(ctx, []byte("frame"))
	if err == nil {
		t.Fatal("expected error for cancelled request")
	}
	if len(repo.ordered(0)) != 0 {
		t.Fatal("cancelled resolution must not write")
	}
}

func TestResolver_ClockBehindLastRegistry(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(5)
	future := baseTime.Add(time.Hour)
	if _, err := repo.Create(context.Background(), &Registry{EmployeeID: 5, Timestamp: future, Type: TypeEntry}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	resolver := newTestResolver(
		&fakeMatcher{candidates: []biometric.Candidate{{MatchID: "m", Confidence: 0.9}}},
		fakeLookup{"m": 5}, repo, &stubClock{now: baseTime},
	)

	got, err := resolver.Resolve(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !got[0].Timestamp.Equal(future.Add(time.Microsecond)) || got[0].Type != TypeExit {
		t.Fatalf("unexpected registry %+v", got[0])
	}
}

func TestResolver_ResyncsMatcherOnMiss(t *testing.T) {
	t.Parallel()

	repo := newFakeRegistryRepo(5)
	matcher := &fakeMatcher{candidates: []biometric.Candidate{{MatchID: "before-reindex", Confidence: 0.9}}}
	resyncer := &fakeResyncer{synced: true, onSync: func() {
		// 別プロセスで再登録されたテンプレートが同期で見えるようになる。
		matcher.candidates = []biometric.Candidate{{MatchID: "after-reindex", Confidence: 0.9}}
	}}
	resolver := NewResolver(ResolverDependencies{
		Matcher:     matcher,
		Resyncer:    resyncer,
		Index:       fakeLookup{"after-reindex": 5},
		Repo:        repo,
		Inspector:   fakeInspector{},
		Clock:       &stubClock{now: baseTime},
		Logger:      discardLogger{},
		CallTimeout: time.Second,
	})

	got, err := resolver.Resolve(context.Background(), []byte("frame"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].EmployeeID != 5 || got[0].Type != TypeEntry {
		t.Fatalf("unexpected registries %+v", got)
	}
	if resyncer.calls != 1 {
		t.Fatalf("expected one resync, got %d", resyncer.calls)
	}

	// 一致した場合は同期しない。
	if _, err := resolver.Resolve(context.Background(), []byte("frame")); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if resyncer.calls != 1 {
		t.Fatalf("resync must only run on a miss, got %d calls", resyncer.calls)
	}
}

func TestResolver_ResyncSkippedOrFailing(t *testing.T) {
	t.Parallel()

	for name, resyncer := range map[string]*fakeResyncer{
		"throttled": {synced: false},
		"failing":   {err: errBoom},
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			matches := 0
			matcher := &fakeMatcher{hook: func() { matches++ }}
			resolver := NewResolver(ResolverDependencies{
				Matcher:     matcher,
				Resyncer:    resyncer,
				Index:       fakeLookup{},
				Repo:        newFakeRegistryRepo(),
				Inspector:   fakeInspector{},
				Logger:      discardLogger{},
				CallTimeout: time.Second,
			})

			if _, err := resolver.Resolve(context.Background(), []byte("frame")); !errors.Is(err, apperr.ErrNoMatch) {
				t.Fatalf("expected no match, got %v", err)
			}
			if resyncer.calls != 1 || matches != 1 {
				t.Fatalf("expected one resync and no rematch, got %d resyncs and %d matches", resyncer.calls, matches)
			}
		})
	}
}
