// Package identity provides the shared-secret access gate and
// email/password authentication.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/domain"
	"github.com/MORI-cloud-ux/hikikomori-chatbot3/internal/store"
)

const (
	GateCookieName    = "chat_access"
	SessionCookieName = "chat_session"

	GateCookieMaxAge    = 12 * time.Hour
	SessionCookieMaxAge = 24 * time.Hour
)

var (
	// ErrAccessDenied is returned for a wrong gate password.
	ErrAccessDenied = errors.New("wrong access password")

	// ErrInvalidCredentials is returned for a failed sign-in.
	ErrInvalidCredentials = errors.New("email or password is incorrect")
)

// NewToken returns an opaque random hex token.
func NewToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Gate is the static shared-secret entrance in front of the identity
// operations. It must be satisfied once per browser session before
// sign-up/sign-in are reachable. Granted tokens live for the process
// lifetime.
type Gate struct {
	pass   string
	mu     sync.Mutex
	tokens map[string]struct{}
}

// NewGate creates a gate guarded by pass.
func NewGate(pass string) *Gate {
	return &Gate{pass: pass, tokens: make(map[string]struct{})}
}

// Unlock checks the supplied password and, on success, mints a token that
// Verify will accept. A wrong password returns ErrAccessDenied and changes
// nothing.
func (g *Gate) Unlock(pass string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(pass), []byte(g.pass)) != 1 {
		return "", ErrAccessDenied
	}
	token, err := NewToken()
	if err != nil {
		return "", err
	}
	g.mu.Lock()
	g.tokens[token] = struct{}{}
	g.mu.Unlock()
	return token, nil
}

// Verify reports whether token was minted by this gate.
func (g *Gate) Verify(token string) bool {
	if token == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tokens[token]
	return ok
}

// Authenticator implements sign-up and sign-in against the user store.
type Authenticator struct {
	repo store.Repository
}

// NewAuthenticator creates an authenticator over the repository.
func NewAuthenticator(repo store.Repository) *Authenticator {
	return &Authenticator{repo: repo}
}

// SignUp registers a new account. The password is bcrypt-hashed; the
// plaintext is never stored.
func (a *Authenticator) SignUp(ctx context.Context, email, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, errors.New("enter a valid email address")
	}
	if len(password) < 6 {
		return nil, errors.New("password must be at least 6 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	userID, err := NewToken()
	if err != nil {
		return nil, err
	}

	user := &domain.User{
		UserID:       "user_" + userID,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now(),
	}
	if err := a.repo.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// SignIn verifies credentials and returns the account.
func (a *Authenticator) SignIn(ctx context.Context, email, password string) (*domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	user, err := a.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("look up account: %w", err)
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
