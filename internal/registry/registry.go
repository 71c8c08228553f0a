// Package registry owns adapter lifecycle and broker sessions: one cached
// adapter per broker code, at most one active session per account, and
// single-flight authentication so concurrent callers never stack logins.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/realalgo/gateway/internal/broker"
	"github.com/realalgo/gateway/pkg/metrics"
)

var (
	// ErrUnknownBroker marks a broker code with no registered factory, a
	// configuration error surfaced at first use.
	ErrUnknownBroker = errors.New("unknown broker code")

	// ErrUnknownAccount marks an account id absent from the configuration.
	ErrUnknownAccount = errors.New("unknown account")
)

// Factory constructs one adapter for a broker code.
type Factory func(log *zap.Logger) (broker.Adapter, error)

// Registry resolves broker codes to adapters and accounts to sessions.
type Registry struct {
	log        *zap.Logger
	factories  map[string]Factory
	identities map[string]broker.BrokerIdentity
	nextCutoff func(time.Time) time.Time
	now        func() time.Time

	mu       sync.RWMutex
	adapters map[string]broker.Adapter
	sessions map[string]*broker.Session
	closed   bool

	sf singleflight.Group
}

// New builds a registry over the configured identities. nextCutoff maps an
// instant to the following daily session cutoff; sessions never outlive it.
func New(log *zap.Logger, identities []broker.BrokerIdentity, factories map[string]Factory, nextCutoff func(time.Time) time.Time) *Registry {
	idx := make(map[string]broker.BrokerIdentity, len(identities))
	for _, id := range identities {
		idx[id.AccountID] = id
	}
	return &Registry{
		log:        log,
		factories:  factories,
		identities: idx,
		nextCutoff: nextCutoff,
		now:        time.Now,
		adapters:   make(map[string]broker.Adapter),
		sessions:   make(map[string]*broker.Session),
	}
}

// Resolve returns the cached adapter for a broker code, constructing it on
// first use.
func (r *Registry) Resolve(brokerCode string) (broker.Adapter, error) {
	r.mu.RLock()
	ad, ok := r.adapters[brokerCode]
	r.mu.RUnlock()
	if ok {
		return ad, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ad, ok := r.adapters[brokerCode]; ok {
		return ad, nil
	}
	factory, ok := r.factories[brokerCode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBroker, brokerCode)
	}
	ad, err := factory(r.log.Named(brokerCode))
	if err != nil {
		return nil, fmt.Errorf("construct adapter %q: %w", brokerCode, err)
	}
	r.adapters[brokerCode] = ad
	return ad, nil
}

// Identity returns the configured identity for an account.
func (r *Registry) Identity(accountID string) (broker.BrokerIdentity, error) {
	id, ok := r.identities[accountID]
	if !ok {
		return broker.BrokerIdentity{}, fmt.Errorf("%w: %q", ErrUnknownAccount, accountID)
	}
	return id, nil
}

// AdapterFor resolves the adapter serving an account's broker.
func (r *Registry) AdapterFor(accountID string) (broker.Adapter, error) {
	id, err := r.Identity(accountID)
	if err != nil {
		return nil, err
	}
	return r.Resolve(id.BrokerCode)
}

// GetSession returns the account's active session, authenticating through a
// single flight when the cached one is missing or expired. Concurrent
// callers for one account share a single broker login.
func (r *Registry) GetSession(ctx context.Context, accountID string) (*broker.Session, error) {
	id, err := r.Identity(accountID)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	sess := r.sessions[accountID]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("registry closed")
	}
	if sess.ActiveAt(r.now()) {
		return sess, nil
	}

	v, err, _ := r.sf.Do(accountID, func() (any, error) {
		// Recheck: a concurrent flight may have refreshed the session
		// between the fast path and this one.
		r.mu.RLock()
		cur := r.sessions[accountID]
		r.mu.RUnlock()
		if cur.ActiveAt(r.now()) {
			return cur, nil
		}
		return r.authenticate(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*broker.Session), nil
}

func (r *Registry) authenticate(ctx context.Context, id broker.BrokerIdentity) (*broker.Session, error) {
	ad, err := r.Resolve(id.BrokerCode)
	if err != nil {
		return nil, err
	}

	sess, err := ad.Authenticate(ctx, id)
	if err != nil {
		metrics.AuthLogins.WithLabelValues(id.BrokerCode, "failure").Inc()
		r.log.Warn("broker login failed",
			zap.String("broker", id.BrokerCode),
			zap.String("account", id.AccountID),
			zap.Error(err))
		return nil, fmt.Errorf("authenticate %s/%s: %w", id.BrokerCode, id.AccountID, err)
	}

	sess.Identity = id
	sess.State = broker.SessionActive
	cutoff := r.nextCutoff(r.now())
	if sess.ExpiresAt.IsZero() || cutoff.Before(sess.ExpiresAt) {
		sess.ExpiresAt = cutoff
	}

	r.mu.Lock()
	if old := r.sessions[id.AccountID]; old != nil {
		old.State = broker.SessionExpired
	}
	r.sessions[id.AccountID] = sess
	r.mu.Unlock()

	metrics.AuthLogins.WithLabelValues(id.BrokerCode, "success").Inc()
	r.log.Info("broker login",
		zap.String("broker", id.BrokerCode),
		zap.String("account", id.AccountID),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Refresh drops the cached session and authenticates again. The router uses
// it for the single transparent retry after ErrAuthRequired.
func (r *Registry) Refresh(ctx context.Context, accountID string) (*broker.Session, error) {
	r.Invalidate(accountID)
	return r.GetSession(ctx, accountID)
}

// Invalidate revokes the cached session for an account.
func (r *Registry) Invalidate(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess := r.sessions[accountID]; sess != nil {
		sess.State = broker.SessionRevoked
		delete(r.sessions, accountID)
	}
}

// Close revokes every session and disposes adapters that hold resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for id, sess := range r.sessions {
		sess.State = broker.SessionRevoked
		delete(r.sessions, id)
	}
	var errs []error
	for code, ad := range r.adapters {
		if closer, ok := ad.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close adapter %s: %w", code, err))
			}
		}
	}
	return errors.Join(errs...)
}
