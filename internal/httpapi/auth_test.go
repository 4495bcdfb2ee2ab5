package httpapi

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"refundledger/backend/internal/domain"
)

type userStoreStub struct {
	mu      sync.Mutex
	users   map[string]domain.UserAccount
	updates int
}

func (s *userStoreStub) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.users == nil {
		s.users = make(map[string]domain.UserAccount)
	}
	s.users[user.Username] = user
	return nil
}

func (s *userStoreStub) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.UserAccount, 0, len(s.users))
	for _, user := range s.users {
		out = append(out, user)
	}
	return out, nil
}

func (s *userStoreStub) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[username]
	user.Password = password
	s.users[username] = user
	s.updates++
	return nil
}

func legacyAdminStore() *userStoreStub {
	return &userStoreStub{
		users: map[string]domain.UserAccount{
			"admin": {
				Username:  "admin",
				Password:  "admin123",
				Role:      domain.RoleAdmin,
				Active:    true,
				CreatedAt: time.Now().UTC(),
			},
		},
	}
}

func TestAuthManagerUpgradesLegacyPlainPassword(t *testing.T) {
	store := legacyAdminStore()

	manager := NewAuthManager("test-secret", time.Hour, store)
	_, err := manager.Login(context.Background(), domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}

	users, err := store.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("list users failed: %v", err)
	}
	if len(users) != 1 {
		t.Fatalf("expected 1 user, got %d", len(users))
	}
	if !strings.HasPrefix(users[0].Password, "$2") {
		t.Fatalf("expected bcrypt password hash, got %s", users[0].Password)
	}
}

func TestCreateStaffStoresPasswordHash(t *testing.T) {
	store := legacyAdminStore()
	manager := NewAuthManager("test-secret", time.Hour, store)

	staff, err := manager.CreateStaff(context.Background(), domain.StaffCreateRequest{
		Username: "Support.Ana",
		Password: "pass12345",
	})
	if err != nil {
		t.Fatalf("create staff failed: %v", err)
	}
	if staff.Username != "support.ana" || staff.Role != domain.RoleStaff {
		t.Fatalf("unexpected staff user %+v", staff)
	}

	users, _ := store.ListUsers(context.Background())
	var found *domain.UserAccount
	for i := range users {
		if users[i].Username == "support.ana" {
			found = &users[i]
			break
		}
	}
	if found == nil {
		t.Fatalf("expected staff user to be saved")
	}
	if !strings.HasPrefix(found.Password, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", found.Password)
	}

	resp, err := manager.Login(context.Background(), domain.LoginRequest{Username: "support.ana", Password: "pass12345"})
	if err != nil || resp.Role != domain.RoleStaff {
		t.Fatalf("login with new staff failed: %+v err=%v", resp, err)
	}

	_, err = manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "support.ana", Password: "pass12345"})
	var verr *domain.ValidationError
	if !errors.As(err, &verr) || verr.Fields[0].Field != "username" {
		t.Fatalf("expected duplicate username validation error, got %v", err)
	}
	_, err = manager.CreateStaff(context.Background(), domain.StaffCreateRequest{Username: "shorty", Password: "123"})
	if !errors.As(err, &verr) || len(verr.Fields) != 1 || verr.Fields[0].Field != "password" {
		t.Fatalf("expected short password validation error, got %v", err)
	}

	list := manager.ListStaff(context.Background())
	if len(list) != 1 || list[0].Username != "support.ana" {
		t.Fatalf("expected only the staff user in list, got %+v", list)
	}
}

func TestParseTokenRejectsForeignSecretAndRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, nil)
	other := NewAuthManager("other-secret", time.Hour, nil)

	token, err := other.issueToken("admin", domain.RoleAdmin, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected token signed with another secret to fail")
	}

	token, _ = manager.issueToken("someone", "cashier", time.Now().Add(time.Hour))
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}

	token, _ = manager.issueToken("staff", domain.RoleStaff, time.Now().Add(-time.Minute))
	if _, err := manager.ParseToken(token); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestLoginRejectsInactiveAndUnknownAccounts(t *testing.T) {
	store := legacyAdminStore()
	store.users["retired"] = domain.UserAccount{
		Username: "retired",
		Password: "retired-pass",
		Role:     domain.RoleStaff,
		Active:   false,
	}
	manager := NewAuthManager("test-secret", time.Hour, store)

	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "retired", Password: "retired-pass"}); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected inactive account error, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: "ghost", Password: "whatever1"}); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := manager.Login(context.Background(), domain.LoginRequest{Username: " ADMIN ", Password: "admin123"}); err != nil {
		t.Fatalf("expected username to be normalized, got %v", err)
	}
}
