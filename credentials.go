package portal

import (
	"sync"
	"time"
)

// CredentialKind selects how the access token is presented.
type CredentialKind int

const (
	// KindNone means no credentials are set.
	KindNone CredentialKind = iota
	// KindAPIKey sends the token in the X-API-Key header.
	KindAPIKey
	// KindBearer sends the token as Authorization: Bearer.
	KindBearer
)

func (k CredentialKind) String() string {
	switch k {
	case KindAPIKey:
		return "api-key"
	case KindBearer:
		return "bearer"
	default:
		return "none"
	}
}

// Credentials is the single active credential set of a client.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	Kind         CredentialKind
	// ExpiresAt is zero when unknown or for API keys.
	ExpiresAt time.Time
}

// Empty reports whether no access token is present.
func (c Credentials) Empty() bool {
	return c.Kind == KindNone || c.AccessToken == ""
}

// Refreshable reports whether a refresh can be attempted.
func (c Credentials) Refreshable() bool {
	return c.Kind == KindBearer && c.RefreshToken != ""
}

// ExpiredAt reports whether the credentials are unusable at now, treating
// tokens within skew of their expiry as already expired.
func (c Credentials) ExpiredAt(now time.Time, skew time.Duration) bool {
	if c.Kind != KindBearer || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// CredentialStore holds the current credentials. Every mutation bumps a
// generation counter and emits tokensUpdated.
type CredentialStore struct {
	mu     sync.RWMutex
	creds  Credentials
	gen    uint64
	events *Emitter
}

// NewCredentialStore creates an empty store emitting on events (may be nil).
func NewCredentialStore(events *Emitter) *CredentialStore {
	return &CredentialStore{events: events}
}

// Get returns a copy of the credentials and their generation.
func (s *CredentialStore) Get() (Credentials, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds, s.gen
}

// Generation returns the current generation.
func (s *CredentialStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Set replaces the credentials atomically.
func (s *CredentialStore) Set(c Credentials) uint64 {
	s.mu.Lock()
	s.creds = c
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.events.Emit(Event{
		Name: EventTokensUpdated,
		Fields: map[string]any{
			"kind":       c.Kind.String(),
			"expiresAt":  c.ExpiresAt,
			"refresh":    c.RefreshToken != "",
			"generation": gen,
		},
	})
	return gen
}

// Clear removes the credentials.
func (s *CredentialStore) Clear() {
	s.mu.Lock()
	s.creds = Credentials{}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.events.Emit(Event{
		Name:   EventTokensUpdated,
		Fields: map[string]any{"kind": KindNone.String(), "generation": gen},
	})
}
