package broker

import "time"

// Credentials is the broker-agnostic credential bundle referenced by a
// BrokerIdentity. Which fields matter depends on the adapter; unused fields
// stay empty. Extra carries adapter-specific material that has no common
// field (TOTP secrets, mpin, consumer keys).
type Credentials struct {
	APIKey      string            `mapstructure:"api_key" json:"-"`
	APISecret   string            `mapstructure:"api_secret" json:"-"`
	ClientID    string            `mapstructure:"client_id" json:"client_id"`
	Password    string            `mapstructure:"password" json:"-"`
	AccessToken string            `mapstructure:"access_token" json:"-"`
	Extra       map[string]string `mapstructure:"extra" json:"-"`
}

// BrokerIdentity links one trading account to its broker and credentials.
type BrokerIdentity struct {
	BrokerCode string
	AccountID  string
	Credentials
}

// Session states.
type SessionState string

const (
	SessionUnauthenticated SessionState = "unauthenticated"
	SessionActive          SessionState = "active"
	SessionExpired         SessionState = "expired"
	SessionRevoked         SessionState = "revoked"
)

// Session is one authenticated broker login. Sessions are owned by the
// registry: adapters produce them, the registry caches and expires them,
// and at most one Active session exists per BrokerIdentity.
type Session struct {
	Identity  BrokerIdentity
	AuthToken string
	FeedToken string
	ExpiresAt time.Time
	State     SessionState
}

// ActiveAt reports whether the session is usable at the given instant.
func (s *Session) ActiveAt(now time.Time) bool {
	if s == nil || s.State != SessionActive {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}
