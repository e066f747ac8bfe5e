// Package auth verifies credentials and manages login sessions on top of a
// store.Store.
package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/redes-chat/chatserver/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidSession     = errors.New("invalid session")
)

// Hasher derives and checks password hashes.
type Hasher interface {
	Hash(password string) (string, error)
	// Compare returns nil when password matches hash.
	Compare(hash, password string) error
}

// BcryptHasher hashes passwords with golang.org/x/crypto/bcrypt.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a bcrypt hasher; a zero cost means bcrypt.DefaultCost.
func NewBcryptHasher(cost int) BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return BcryptHasher{Cost: cost}
}

func (h BcryptHasher) Hash(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

func (h BcryptHasher) Compare(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// Service implements register, login, token authentication and logout.
// A successful login replaces every earlier session of the user.
type Service struct {
	store  store.Store
	hasher Hasher
}

// NewService returns a Service backed by s that hashes passwords with h.
func NewService(s store.Store, h Hasher) *Service {
	return &Service{store: s, hasher: h}
}

// Register creates the user and its first session. A taken username yields
// store.ErrUsernameTaken.
func (s *Service) Register(ctx context.Context, username, password string) (store.User, store.Session, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return store.User{}, store.Session{}, err
	}
	user, err := s.store.CreateUser(ctx, username, hash)
	if err != nil {
		return store.User{}, store.Session{}, err
	}
	sess, err := s.store.CreateSession(ctx, user.ID)
	if err != nil {
		return store.User{}, store.Session{}, fmt.Errorf("failed to create session: %w", err)
	}
	return user, sess, nil
}

// Login checks the password and swaps every earlier session of the user for
// a fresh one. Unknown user and wrong password both yield
// ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string) (store.User, store.Session, error) {
	user, err := s.store.UserByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, store.Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, store.Session{}, err
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		return store.User{}, store.Session{}, ErrInvalidCredentials
	}

	sess, err := s.store.ReplaceSession(ctx, user.ID)
	if err != nil {
		return store.User{}, store.Session{}, fmt.Errorf("failed to replace sessions: %w", err)
	}
	return user, sess, nil
}

// Authenticate resolves a session token.
func (s *Service) Authenticate(ctx context.Context, token string) (store.Session, error) {
	sess, err := s.store.SessionByToken(ctx, token)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, ErrInvalidSession
	}
	return sess, err
}

func (s *Service) Logout(ctx context.Context, token string) error {
	return s.store.DeleteSession(ctx, token)
}
