package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"buildboard/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: map[string]store.User{}}
}

func (f *fakeUserStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	user, ok := f.users[email]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeUserStore) UpsertUser(_ context.Context, user store.User) error {
	f.users[user.Email] = user
	return nil
}

func TestSignInSucceedsWithCorrectPassword(t *testing.T) {
	fs := newFakeUserStore()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	fs.users["admin@buildboard.local"] = store.User{
		ID: "user-1", Email: "admin@buildboard.local", PasswordHash: string(hash), Role: "admin",
	}
	svc := NewService(fs)

	user, err := svc.SignIn(context.Background(), SignInRequest{Email: "admin@buildboard.local", Password: "correct-horse"})
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if user.Role != "admin" {
		t.Fatalf("expected admin role, got %q", user.Role)
	}
}

func TestSignInFailuresAreIndistinguishable(t *testing.T) {
	fs := newFakeUserStore()
	hash, _ := bcrypt.GenerateFromPassword([]byte("correct-horse"), bcrypt.MinCost)
	fs.users["admin@buildboard.local"] = store.User{
		ID: "user-1", Email: "admin@buildboard.local", PasswordHash: string(hash), Role: "admin",
	}
	svc := NewService(fs)

	cases := []SignInRequest{
		{Email: "admin@buildboard.local", Password: "wrong"},
		{Email: "nobody@buildboard.local", Password: "correct-horse"},
		{Email: "", Password: "correct-horse"},
		{Email: "admin@buildboard.local", Password: ""},
	}
	for _, req := range cases {
		if _, err := svc.SignIn(context.Background(), req); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("request %+v: expected ErrInvalidCredentials, got %v", req, err)
		}
	}
}

func TestEnsureAdminSeedsAccount(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	if err := svc.EnsureAdmin(context.Background(), "admin@buildboard.local", "sturdy-password", "Administrator"); err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}

	user, err := svc.SignIn(context.Background(), SignInRequest{Email: "admin@buildboard.local", Password: "sturdy-password"})
	if err != nil {
		t.Fatalf("SignIn() after seed error = %v", err)
	}
	if user.Role != "admin" {
		t.Fatalf("expected admin role, got %q", user.Role)
	}
}

func TestEnsureAdminSkipsWithoutPassword(t *testing.T) {
	fs := newFakeUserStore()
	svc := NewService(fs)

	if err := svc.EnsureAdmin(context.Background(), "admin@buildboard.local", "", "Administrator"); err != nil {
		t.Fatalf("EnsureAdmin() error = %v", err)
	}
	if len(fs.users) != 0 {
		t.Fatalf("expected no account seeded without a password")
	}
}

func TestEnsureAdminRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if err := svc.EnsureAdmin(context.Background(), "admin@buildboard.local", "short", "Administrator"); err == nil {
		t.Fatal("expected error for short password")
	}
}
