// Package credentials refreshes a short-lived token bundle on a schedule,
// guarded by the chassis's two strictly-ordered locks, with a pluggable
// secret backend and a client-factory rebuild hook for credential rotation.
package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"go.landform.dev/worker/internal/metrics"
)

// Bundle is the opaque token bundle the Manager refreshes.
type Bundle struct {
	Token       string
	LastRefresh time.Time
	ExpiresAt   time.Time // zero when the backend supplies no expiry
}

// Backend fetches a fresh credential bundle from a secret store. The three
// concrete backends (AWS Secrets Manager, Vault, GCP Secret Manager) live in
// sibling files.
type Backend interface {
	Fetch(ctx context.Context) (Bundle, error)
}

// ClientFactory rebuilds whatever clients depend on the current credential
// token (e.g. queue clients using non-default-profile credentials). Always
// called with both locks held, so no in-flight cloud call can observe a
// half-swapped client.
type ClientFactory func(ctx context.Context, b Bundle) error

// LockSet is the chassis's two strictly-ordered monitors, shared with
// internal/heartbeat and internal/dispatch. Always acquire LCred before
// LDel. LDel guards both message deletion and any long cloud-bound critical
// section that a credential swap must not overlap.
type LockSet struct {
	LCred sync.Mutex
	LDel  sync.Mutex
}

// Manager refreshes credentials on a schedule with bounded-wait lock
// discipline.
type Manager struct {
	locks   *LockSet
	backend Backend
	factory ClientFactory
	period  time.Duration
	waitFor time.Duration

	mu      sync.Mutex
	current Bundle
}

func NewManager(locks *LockSet, backend Backend, factory ClientFactory, period time.Duration) *Manager {
	return &Manager{
		locks:   locks,
		backend: backend,
		factory: factory,
		period:  period,
		waitFor: 5 * time.Second,
	}
}

// Current returns the last successfully refreshed bundle.
func (m *Manager) Current() Bundle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// CheckAndRefresh refreshes when due and is otherwise a cheap no-op. A
// refresh is due when force is set, the period has elapsed since
// LastRefresh, or a JWT token's exp claim is within one refresh period of
// expiring.
func (m *Manager) CheckAndRefresh(ctx context.Context, force bool) error {
	if !force && !m.dueForRefresh() {
		return nil
	}

	credCtx, cancel := context.WithTimeout(ctx, m.waitFor)
	defer cancel()
	if !tryLockContext(credCtx, &m.locks.LCred) {
		metrics.CredentialRefreshes.WithLabelValues("lock_timeout").Inc()
		log.Warn().Msg("credentials: timed out waiting for L_cred; will retry next tick")
		return nil
	}
	defer m.locks.LCred.Unlock()

	delCtx, cancel2 := context.WithTimeout(ctx, m.waitFor)
	defer cancel2()
	if !tryLockContext(delCtx, &m.locks.LDel) {
		metrics.CredentialRefreshes.WithLabelValues("lock_timeout").Inc()
		log.Warn().Msg("credentials: timed out waiting for L_del; will retry next tick")
		return nil
	}
	defer m.locks.LDel.Unlock()

	bundle, err := m.backend.Fetch(ctx)
	if err != nil {
		metrics.CredentialRefreshes.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("credentials: refresh failed")
		return err
	}
	bundle.LastRefresh = time.Now()
	if bundle.ExpiresAt.IsZero() {
		// Federated/OIDC tokens carry their own expiry; schedule the next
		// proactive refresh from it when present.
		if exp, ok := ExpiryFromJWT(bundle.Token); ok {
			bundle.ExpiresAt = exp
		}
	}

	if m.factory != nil {
		if err := m.factory(ctx, bundle); err != nil {
			log.Error().Err(err).Msg("credentials: client factory rebuild failed")
			return err
		}
	}

	m.mu.Lock()
	m.current = bundle
	m.mu.Unlock()

	metrics.CredentialRefreshes.WithLabelValues("ok").Inc()
	log.Info().Time("expiresAt", bundle.ExpiresAt).Msg("credentials: refreshed")
	return nil
}

func (m *Manager) dueForRefresh() bool {
	b := m.Current()
	if b.Token == "" {
		return true
	}
	if time.Since(b.LastRefresh) >= m.period {
		return true
	}
	if !b.ExpiresAt.IsZero() && time.Until(b.ExpiresAt) <= m.period {
		return true
	}
	return false
}

// ExpiryFromJWT decodes (without verifying signature) the exp claim of a
// federated/OIDC token, so the Manager can schedule a proactive refresh
// ahead of a short-lived web-identity token's actual expiry.
func ExpiryFromJWT(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// tryLockContext polls sync.Mutex.TryLock rather than spawning a goroutine
// that blocks on Lock(), which would otherwise outlive a timed-out caller
// and silently acquire the mutex out from under it.
func tryLockContext(ctx context.Context, mu *sync.Mutex) bool {
	const pollInterval = 10 * time.Millisecond
	for {
		if mu.TryLock() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}
