package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	return NewInMemory(opts...)
}

func mustUpsert(t *testing.T, r *Registry, identity, accountID string, balance uint64) string {
	t.Helper()
	msg, err := r.Upsert(context.Background(), identity, accountID, balance)
	if err != nil {
		t.Fatalf("Upsert(%q): %v", identity, err)
	}
	return msg
}

func mustList(t *testing.T, r *Registry) []User {
	t.Helper()
	users, err := r.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	return users
}

func mustCount(t *testing.T, r *Registry, want int) {
	t.Helper()
	n, err := r.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != want {
		t.Fatalf("Count()=%d want=%d", n, want)
	}
}

func TestRegistry_Upsert_NewIdentity(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	mustCount(t, r, 0)

	msg := mustUpsert(t, r, "aaaaa-aa", "acc-1", 100)
	if want := "User aaaaa-aa stored successfully"; msg != want {
		t.Fatalf("confirmation=%q want=%q", msg, want)
	}
	mustCount(t, r, 1)

	users := mustList(t, r)
	if len(users) != 1 {
		t.Fatalf("len(users)=%d want=1", len(users))
	}
	if got, want := users[0], (User{Identity: "aaaaa-aa", AccountID: "acc-1", Balance: 100}); got != want {
		t.Fatalf("stored=%+v want=%+v", got, want)
	}
}

func TestRegistry_Upsert_OverwritesExisting(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	mustUpsert(t, r, "aaaaa-aa", "acc-1", 100)
	mustCount(t, r, 1)

	msg := mustUpsert(t, r, "aaaaa-aa", "acc-2", 250)
	if want := Confirmation("aaaaa-aa"); msg != want {
		t.Fatalf("confirmation=%q want=%q", msg, want)
	}
	mustCount(t, r, 1)

	users := mustList(t, r)
	if len(users) != 1 {
		t.Fatalf("len(users)=%d want=1 after overwrite", len(users))
	}
	if got, want := users[0], (User{Identity: "aaaaa-aa", AccountID: "acc-2", Balance: 250}); got != want {
		t.Fatalf("stored=%+v want=%+v", got, want)
	}
}

func TestRegistry_Upsert_IsIdempotent(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	mustUpsert(t, r, "id-1", "acc", 7)
	first := mustList(t, r)
	mustUpsert(t, r, "id-1", "acc", 7)
	second := mustList(t, r)

	if len(first) != 1 || len(second) != 1 || first[0] != second[0] {
		t.Fatalf("repeated upsert changed state: first=%+v second=%+v", first, second)
	}
}

func TestRegistry_TwoIdentities(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	mustUpsert(t, r, "id-a", "acc-a", 1)
	mustUpsert(t, r, "id-b", "acc-b", 2)

	users := mustList(t, r)
	if len(users) != 2 {
		t.Fatalf("len(users)=%d want=2", len(users))
	}

	byID := make(map[string]User, len(users))
	for _, u := range users {
		byID[u.Identity] = u
	}
	if byID["id-a"] != (User{Identity: "id-a", AccountID: "acc-a", Balance: 1}) {
		t.Fatalf("id-a=%+v", byID["id-a"])
	}
	if byID["id-b"] != (User{Identity: "id-b", AccountID: "acc-b", Balance: 2}) {
		t.Fatalf("id-b=%+v", byID["id-b"])
	}
}

func TestRegistry_ListAll_EmptyIsNotNil(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	users := mustList(t, r)
	if users == nil {
		t.Fatalf("ListAll returned nil slice, want empty")
	}
	if len(users) != 0 {
		t.Fatalf("len(users)=%d want=0", len(users))
	}
}

func TestRegistry_ListAll_SnapshotIsIsolated(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)
	mustUpsert(t, r, "id-1", "acc", 10)

	snap := mustList(t, r)
	snap[0].Balance = 999
	snap[0].AccountID = "mutated"

	again := mustList(t, r)
	if again[0].Balance != 10 || again[0].AccountID != "acc" {
		t.Fatalf("mutating a snapshot leaked into the registry: %+v", again[0])
	}

	// Later writes must not reach into an earlier snapshot either.
	mustUpsert(t, r, "id-1", "acc", 20)
	if snap[0].Balance != 999 {
		t.Fatalf("earlier snapshot changed after upsert: %+v", snap[0])
	}
}

func TestRegistry_PermissiveInputs(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	cases := []User{
		{Identity: "", AccountID: "", Balance: 0},
		{Identity: "max", AccountID: "acc", Balance: math.MaxUint64},
		{Identity: "spaced identity", AccountID: "x", Balance: 1},
	}
	for _, c := range cases {
		if msg := mustUpsert(t, r, c.Identity, c.AccountID, c.Balance); msg != Confirmation(c.Identity) {
			t.Fatalf("confirmation=%q for %q", msg, c.Identity)
		}
	}

	users := mustList(t, r)
	if len(users) != len(cases) {
		t.Fatalf("len(users)=%d want=%d", len(users), len(cases))
	}
	for _, u := range users {
		if u.Identity == "max" && u.Balance != math.MaxUint64 {
			t.Fatalf("max balance truncated: %d", u.Balance)
		}
	}
}

func TestRegistry_ConcurrentUpserts(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	const writers = 16
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				id := fmt.Sprintf("id-%d", i)
				if _, err := r.Upsert(context.Background(), id, fmt.Sprintf("acc-%d", w), uint64(w)); err != nil {
					t.Errorf("Upsert: %v", err)
					return
				}
				if _, err := r.ListAll(context.Background()); err != nil {
					t.Errorf("ListAll: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	users := mustList(t, r)
	if len(users) != perWriter {
		t.Fatalf("len(users)=%d want=%d", len(users), perWriter)
	}
	for _, u := range users {
		// Each record must come from a single upsert, never a mix of two.
		if u.AccountID != fmt.Sprintf("acc-%d", u.Balance) {
			t.Fatalf("torn record: %+v", u)
		}
	}
}

func TestRegistry_New_NilStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	if !IsInvalidInput(err) {
		t.Fatalf("New(nil) err=%v want invalid input", err)
	}

	var opErr OpError
	if !errors.As(err, &opErr) || opErr.Op != "registry.New" {
		t.Fatalf("expected OpError with Op=registry.New, got %#v", err)
	}
}

type failingStore struct {
	*MemoryStore
	err error
}

func (s *failingStore) Put(context.Context, User) (bool, error) { return false, s.err }
func (s *failingStore) List(context.Context) ([]User, error)    { return nil, s.err }

func TestRegistry_StoreFailure(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk on fire")
	st := &failingStore{MemoryStore: NewMemoryStore(), err: unavailable("test.Put", "write", cause)}

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	r, err := New(st, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithMetrics(m))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	msg, err := r.Upsert(context.Background(), "id", "acc", 1)
	if msg != "" {
		t.Fatalf("confirmation on failure=%q want empty", msg)
	}
	if !IsUnavailable(err) || !errors.Is(err, cause) {
		t.Fatalf("Upsert err=%v want unavailable wrapping cause", err)
	}
	if got := testutil.ToFloat64(m.upserts.WithLabelValues("error")); got != 1 {
		t.Fatalf("upserts{result=error}=%v want=1", got)
	}

	if _, err := r.ListAll(context.Background()); !IsUnavailable(err) {
		t.Fatalf("ListAll err=%v want unavailable", err)
	}
}

func TestRegistry_Metrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	r := newTestRegistry(t, WithMetrics(m))
	mustUpsert(t, r, "a", "acc", 1)
	mustUpsert(t, r, "b", "acc", 1)
	mustUpsert(t, r, "a", "acc", 2)

	if got := testutil.ToFloat64(m.upserts.WithLabelValues("created")); got != 2 {
		t.Fatalf("created=%v want=2", got)
	}
	if got := testutil.ToFloat64(m.upserts.WithLabelValues("replaced")); got != 1 {
		t.Fatalf("replaced=%v want=1", got)
	}
	if got := testutil.ToFloat64(m.users); got != 2 {
		t.Fatalf("users gauge=%v want=2", got)
	}

	m.setUsers(0)
	if err := r.SyncMetrics(context.Background()); err != nil {
		t.Fatalf("SyncMetrics: %v", err)
	}
	if got := testutil.ToFloat64(m.users); got != 2 {
		t.Fatalf("users gauge after sync=%v want=2", got)
	}
}

func TestRegistry_CancelledContext(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.Upsert(ctx, "id", "acc", 1); !errors.Is(err, context.Canceled) {
		t.Fatalf("Upsert err=%v want context.Canceled", err)
	}
	if n, _ := r.Count(context.Background()); n != 0 {
		t.Fatalf("cancelled upsert was applied: count=%d", n)
	}
}
