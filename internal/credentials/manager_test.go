package credentials

import (
	"context"
	"testing"
	"time"
)

type fakeBackend struct {
	calls int
	token string
}

func (f *fakeBackend) Fetch(ctx context.Context) (Bundle, error) {
	f.calls++
	return Bundle{Token: f.token}, nil
}

func TestCheckAndRefreshForceAlwaysRefreshes(t *testing.T) {
	backend := &fakeBackend{token: "t1"}
	locks := &LockSet{}
	mgr := NewManager(locks, backend, nil, time.Hour)

	if err := mgr.CheckAndRefresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("expected 1 call, got %d", backend.calls)
	}
	if mgr.Current().Token != "t1" {
		t.Fatalf("unexpected token %q", mgr.Current().Token)
	}
}

func TestCheckAndRefreshSkipsWhenNotDue(t *testing.T) {
	backend := &fakeBackend{token: "t1"}
	locks := &LockSet{}
	mgr := NewManager(locks, backend, nil, time.Hour)

	if err := mgr.CheckAndRefresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := mgr.CheckAndRefresh(context.Background(), false); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if backend.calls != 1 {
		t.Fatalf("expected refresh to be skipped, got %d calls", backend.calls)
	}
}

func TestCheckAndRefreshTimesOutWhenLDelHeld(t *testing.T) {
	backend := &fakeBackend{token: "t1"}
	locks := &LockSet{}
	mgr := NewManager(locks, backend, nil, time.Hour)
	mgr.waitFor = 50 * time.Millisecond

	locks.LDel.Lock()
	defer locks.LDel.Unlock()

	if err := mgr.CheckAndRefresh(context.Background(), true); err != nil {
		t.Fatalf("expected nil error on timeout (logged, not fatal): %v", err)
	}
	if backend.calls != 0 {
		t.Fatalf("expected no refresh while L_del held, got %d calls", backend.calls)
	}
}

func TestClientFactoryRunsUnderBothLocks(t *testing.T) {
	backend := &fakeBackend{token: "t1"}
	locks := &LockSet{}
	var sawLocked bool
	factory := func(ctx context.Context, b Bundle) error {
		sawLocked = !locks.LCred.TryLock() && !locks.LDel.TryLock()
		return nil
	}
	mgr := NewManager(locks, backend, factory, time.Hour)
	if err := mgr.CheckAndRefresh(context.Background(), true); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !sawLocked {
		t.Fatal("client factory must run with both locks already held")
	}
}

func TestExpiryFromJWT(t *testing.T) {
	// exp = 9999999999 (year 2286), unsigned/none-alg token for test purposes.
	const token = "eyJhbGciOiJub25lIn0.eyJleHAiOjk5OTk5OTk5OTl9."
	exp, ok := ExpiryFromJWT(token)
	if !ok {
		t.Fatal("expected exp claim to be found")
	}
	if exp.Year() != 2286 {
		t.Fatalf("unexpected expiry: %v", exp)
	}
}
