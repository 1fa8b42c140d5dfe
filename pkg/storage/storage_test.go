package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeNow struct{ t time.Time }

func (f *fakeNow) now() time.Time { return f.t }

func newBolt(t *testing.T) *Bolt {
	t.Helper()
	s, err := OpenBolt(filepath.Join(t.TempDir(), "client.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// implementations returns each Storage wired to a controllable clock.
func implementations(t *testing.T) map[string]struct {
	s   Storage
	now *fakeNow
} {
	t.Helper()
	out := make(map[string]struct {
		s   Storage
		now *fakeNow
	})

	memClock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	mem := NewMemory(0, zap.NewNop())
	mem.now = memClock.now
	out["memory"] = struct {
		s   Storage
		now *fakeNow
	}{mem, memClock}

	boltClock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	b := newBolt(t)
	b.now = boltClock.now
	out["bolt"] = struct {
		s   Storage
		now *fakeNow
	}{b, boltClock}

	return out
}

func TestStorageSetGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, impl := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			s := impl.s

			if _, err := s.Get(ctx, "installationId"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get on empty store: err = %v, want ErrNotFound", err)
			}

			if err := s.Set(ctx, "installationId", []byte("abc"), 0); err != nil {
				t.Fatalf("Set: %v", err)
			}
			got, err := s.Get(ctx, "installationId")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got) != "abc" {
				t.Errorf("Get = %q, want abc", got)
			}

			if err := s.Set(ctx, "installationId", []byte("def"), 0); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			got, _ = s.Get(ctx, "installationId")
			if string(got) != "def" {
				t.Errorf("Get after overwrite = %q, want def", got)
			}

			if err := s.Delete(ctx, "installationId"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "installationId"); err != nil {
				t.Fatalf("second Delete: %v", err)
			}
			if _, err := s.Get(ctx, "installationId"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after Delete: err = %v, want ErrNotFound", err)
			}

			if err := s.Ping(); err != nil {
				t.Errorf("Ping: %v", err)
			}
		})
	}
}

func TestStorageExpiry(t *testing.T) {
	ctx := context.Background()
	for name, impl := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			s := impl.s

			if err := s.Set(ctx, "route:app", []byte(`{"server":"wss://a"}`), time.Minute); err != nil {
				t.Fatalf("Set: %v", err)
			}

			impl.now.t = impl.now.t.Add(59 * time.Second)
			if _, err := s.Get(ctx, "route:app"); err != nil {
				t.Fatalf("Get before expiry: %v", err)
			}

			impl.now.t = impl.now.t.Add(time.Second)
			if _, err := s.Get(ctx, "route:app"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get at expiry: err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestStorageReturnsCopies(t *testing.T) {
	ctx := context.Background()
	for name, impl := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			value := []byte("v1")
			impl.s.Set(ctx, "k", value, 0)
			value[0] = 'x'

			got, _ := impl.s.Get(ctx, "k")
			got[1] = '9'

			again, _ := impl.s.Get(ctx, "k")
			if string(again) != "v1" {
				t.Errorf("stored value mutated through caller slices: %q", again)
			}
		})
	}
}

func TestMemoryEvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, zap.NewNop())
	defer m.Close()

	m.Set(ctx, "a", []byte("1"), 0)
	m.Set(ctx, "b", []byte("2"), 0)
	m.Set(ctx, "a", []byte("3"), 0) // rewrite moves a to the back
	m.Set(ctx, "c", []byte("4"), 0)

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if _, err := m.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("b should have been evicted, err = %v", err)
	}
	if got, _ := m.Get(ctx, "a"); string(got) != "3" {
		t.Errorf("a = %q, want 3", got)
	}
}

func TestMemoryPurgesExpiredKeys(t *testing.T) {
	ctx := context.Background()
	clock := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	m := NewMemory(2, zap.NewNop())
	m.now = clock.now
	defer m.Close()

	m.Set(ctx, "installationId", []byte("inst-1"), 0)
	m.Set(ctx, "route", []byte("wss://gw"), time.Second)
	clock.t = clock.t.Add(2 * time.Second)

	if _, err := m.Get(ctx, "route"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired route: err = %v, want ErrNotFound", err)
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d after expired Get, want 1", m.Len())
	}

	// An expired key takes the slot before a live one is evicted.
	m.Set(ctx, "route", []byte("wss://gw2"), time.Second)
	clock.t = clock.t.Add(2 * time.Second)
	m.Set(ctx, "session", []byte("s-1"), 0)

	if m.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", m.Len())
	}
	if got, err := m.Get(ctx, "installationId"); err != nil || string(got) != "inst-1" {
		t.Errorf("installationId = %q, %v; live key evicted", got, err)
	}
	if got, _ := m.Get(ctx, "session"); string(got) != "s-1" {
		t.Errorf("session = %q", got)
	}
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory(0, nil)
	m.Close()
	if err := m.Ping(); err == nil {
		t.Error("Ping on closed store should fail")
	}
	if err := m.Set(context.Background(), "k", nil, 0); err == nil {
		t.Error("Set on closed store should fail")
	}
}

func TestBoltPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client.db")
	ctx := context.Background()

	s, err := OpenBolt(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "installationId", []byte("6f1c"), 0); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenBolt(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, "installationId")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "6f1c" {
		t.Errorf("Get = %q, want 6f1c", got)
	}
}

func TestBoltPurgesExpiredKeys(t *testing.T) {
	ctx := context.Background()
	s := newBolt(t)
	clk := &fakeNow{t: time.Unix(1_700_000_000, 0)}
	s.now = clk.now

	s.Set(ctx, "k", []byte("v"), time.Second)
	clk.t = clk.t.Add(2 * time.Second)
	s.Get(ctx, "k")

	// Turn the clock back; the entry must be gone rather than merely hidden.
	clk.t = clk.t.Add(-2 * time.Second)
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expired key still stored, err = %v", err)
	}
}
