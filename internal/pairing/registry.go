package pairing

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// DefaultMaxTokenAttempts bounds how many candidate tokens Create draws before
// giving up with ErrTokenSpaceExhausted.
const DefaultMaxTokenAttempts = 32

// ConnID identifies a live transport connection. The registry only compares
// it for equality.
type ConnID string

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

// Session pairs a host connection with at most one guest connection.
//
// Values returned by the Registry are copies; mutating them has no effect on
// the registry.
type Session struct {
	Token     Token
	Host      ConnID
	Guest     ConnID
	CreatedAt time.Time
}

func (s Session) HasGuest() bool { return s.Guest != "" }

// RoleOf returns conn's role in the session, or "" if conn is not a member.
func (s Session) RoleOf(conn ConnID) Role {
	switch {
	case conn == "":
		return ""
	case conn == s.Host:
		return RoleHost
	case conn == s.Guest:
		return RoleGuest
	default:
		return ""
	}
}

type Config struct {
	// MaxSessions caps concurrently live sessions. 0 means unlimited.
	MaxSessions int

	// MaxTokenAttempts defaults to DefaultMaxTokenAttempts when <= 0.
	MaxTokenAttempts int

	// Tokens defaults to RandomToken.
	Tokens TokenSource

	// Now defaults to time.Now.
	Now func() time.Time
}

// Registry is the in-memory token -> Session table.
//
// Every method is atomic with respect to every other method. Callers that
// need check-then-act sequences spanning several calls must serialize those
// sequences themselves.
type Registry struct {
	maxSessions int
	maxAttempts int
	tokens      TokenSource
	now         func() time.Time

	mu       sync.Mutex
	sessions map[Token]*Session
}

func NewRegistry(cfg Config) *Registry {
	if cfg.MaxTokenAttempts <= 0 {
		cfg.MaxTokenAttempts = DefaultMaxTokenAttempts
	}
	if cfg.Tokens == nil {
		cfg.Tokens = RandomToken
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		maxSessions: cfg.MaxSessions,
		maxAttempts: cfg.MaxTokenAttempts,
		tokens:      cfg.Tokens,
		now:         cfg.Now,
		sessions:    make(map[Token]*Session),
	}
}

// Create registers a new session owned by host and returns its token.
//
// A live token is never overwritten: colliding candidates are discarded and a
// new one is drawn, up to the configured attempt limit.
func (r *Registry) Create(host ConnID) (Token, error) {
	if host == "" {
		return "", ErrEmptyConnID
	}

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		token, err := r.tokens()
		if err != nil {
			return "", err
		}

		r.mu.Lock()
		if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
			r.mu.Unlock()
			return "", ErrTooManySessions
		}
		if _, ok := r.sessions[token]; ok {
			r.mu.Unlock()
			continue
		}
		r.sessions[token] = &Session{
			Token:     token,
			Host:      host,
			CreatedAt: r.now(),
		}
		r.mu.Unlock()
		return token, nil
	}

	return "", fmt.Errorf("%w after %d attempts", ErrTokenSpaceExhausted, r.maxAttempts)
}

func (r *Registry) Get(token Token) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[token]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// SetGuest sets or overwrites the guest slot and returns the guest it
// displaced, if any.
func (r *Registry) SetGuest(token Token, guest ConnID) (ConnID, error) {
	if guest == "" {
		return "", ErrEmptyConnID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[token]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrSessionNotFound, token)
	}
	prev := sess.Guest
	sess.Guest = guest
	return prev, nil
}

func (r *Registry) ClearGuest(token Token) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[token]
	if !ok {
		return fmt.Errorf("%w: %q", ErrSessionNotFound, token)
	}
	sess.Guest = ""
	return nil
}

// Remove deletes the session and reports whether it existed.
func (r *Registry) Remove(token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[token]; !ok {
		return false
	}
	delete(r.sessions, token)
	return true
}

// FindByConnection returns a snapshot of every session in which conn is the
// host or the guest, ordered by token.
func (r *Registry) FindByConnection(conn ConnID) []Session {
	if conn == "" {
		return nil
	}

	r.mu.Lock()
	owned := lo.Filter(lo.Values(r.sessions), func(sess *Session, _ int) bool {
		return sess.Host == conn || sess.Guest == conn
	})
	out := lo.Map(owned, func(sess *Session, _ int) Session { return *sess })
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Session) int {
		return strings.Compare(string(a.Token), string(b.Token))
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
