// Package authpw provides email/password authentication for admin accounts.
// Accounts are seeded at bootstrap; there is no self-service sign-up.
package authpw

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"buildboard/api/internal/store"
	"buildboard/api/internal/util"
)

// ErrInvalidCredentials hides whether the email exists.
var ErrInvalidCredentials = errors.New("invalid email or password")

// UserStore defines the storage interface for auth
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	UpsertUser(ctx context.Context, user store.User) error
}

// Service verifies admin credentials against the user table
type Service struct {
	store UserStore
}

func NewService(store UserStore) *Service {
	return &Service{store: store}
}

// SignInRequest contains sign-in parameters
type SignInRequest struct {
	Email    string
	Password string
}

// SignIn authenticates a user. Any failure path answers with the same
// error so a caller learns nothing about which part was wrong.
func (s *Service) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return store.User{}, ErrInvalidCredentials
	}

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}

	return user, nil
}

// EnsureAdmin seeds (or re-seeds) the configured admin account. A blank
// password leaves the account untouched so a deployment can manage admins
// out of band.
func (s *Service) EnsureAdmin(ctx context.Context, email, password, displayName string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return nil
	}
	if len(password) < 8 {
		return errors.New("admin password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	user := store.User{
		ID:           util.NewID("user"),
		Email:        email,
		PasswordHash: string(hash),
		DisplayName:  displayName,
		Role:         "admin",
	}
	if err := s.store.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	return nil
}
