// Package auth implements the credential gate: password verification,
// bearer session tokens and role checks.
package auth

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Peterbackson-desing/dashboard/pkg/model"
)

var (
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	ErrTokenMissing       = errors.New("auth: token missing")
	ErrTokenInvalid       = errors.New("auth: token invalid")
	ErrTokenExpired       = errors.New("auth: token expired")
	ErrForbidden          = errors.New("auth: forbidden")
)

// DefaultTTL is the lifetime of an issued session.
const DefaultTTL = 24 * time.Hour

// Credential is a stored account. PasswordHash is a bcrypt hash.
type Credential struct {
	ID           int
	Username     string
	PasswordHash []byte
	Role         model.Role
}

// Session is a validated, time-bounded proof of identity and role.
type Session struct {
	ID        string
	Subject   string
	UserID    int
	Role      model.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// User returns the public view of the session principal.
func (s *Session) User() model.User {
	return model.User{ID: s.UserID, Username: s.Subject, Role: s.Role}
}

// Gate issues and validates session tokens against a fixed credential set.
type Gate struct {
	users     map[string]Credential
	key       ed25519.PrivateKey
	pub       ed25519.PublicKey
	ttl       time.Duration
	now       func() time.Time
	dummyHash []byte
}

// NewGate builds a Gate. secret seeds the token signing key; ttl <= 0 selects
// DefaultTTL.
func NewGate(secret string, ttl time.Duration, users []Credential) (*Gate, error) {
	if secret == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	g := &Gate{
		users: make(map[string]Credential, len(users)),
		ttl:   ttl,
		now:   time.Now,
	}
	for _, u := range users {
		if u.Username == "" {
			return nil, errors.New("auth: credential with empty username")
		}
		if !u.Role.Valid() {
			return nil, fmt.Errorf("auth: user %q has unknown role %q", u.Username, u.Role)
		}
		if _, dup := g.users[u.Username]; dup {
			return nil, fmt.Errorf("auth: duplicate user %q", u.Username)
		}
		if _, err := bcrypt.Cost(u.PasswordHash); err != nil {
			return nil, fmt.Errorf("auth: user %q: %w", u.Username, err)
		}
		g.users[u.Username] = u
	}

	g.key = deriveSigningKey(secret)
	g.pub = g.key.Public().(ed25519.PublicKey)

	// Unknown usernames are compared against this hash so that both paths
	// cost one bcrypt evaluation.
	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("auth: generating dummy hash: %w", err)
	}
	g.dummyHash = dummy
	return g, nil
}

// Issue checks username and password and returns a new session with its
// bearer token.
func (g *Gate) Issue(username, password string) (*Session, string, error) {
	cred, known := g.users[username]
	hash := g.dummyHash
	if known {
		hash = cred.PasswordHash
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil || !known {
		return nil, "", ErrInvalidCredentials
	}

	now := g.now()
	c := &claims{
		Subject:   cred.Username,
		UserID:    cred.ID,
		Role:      string(cred.Role),
		ID:        uuid.NewString(),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(g.ttl).Unix(),
	}
	token, err := mint(g.key, c)
	if err != nil {
		return nil, "", err
	}
	return sessionFromClaims(c), token, nil
}

// Validate parses and verifies token at the current time.
func (g *Gate) Validate(token string) (*Session, error) {
	return g.ValidateAt(token, g.now())
}

// ValidateAt parses and verifies token as of now.
func (g *Gate) ValidateAt(token string, now time.Time) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenMissing
	}
	c, err := verify(g.pub, token, now)
	if err != nil {
		return nil, err
	}
	if !model.Role(c.Role).Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, c.Role)
	}
	return sessionFromClaims(c), nil
}

// RequireRole returns ErrForbidden unless s holds role.
func RequireRole(s *Session, role model.Role) error {
	if s == nil || s.Role != role {
		return ErrForbidden
	}
	return nil
}

func sessionFromClaims(c *claims) *Session {
	return &Session{
		ID:        c.ID,
		Subject:   c.Subject,
		UserID:    c.UserID,
		Role:      model.Role(c.Role),
		IssuedAt:  time.Unix(c.IssuedAt, 0),
		ExpiresAt: time.Unix(c.ExpiresAt, 0),
	}
}
