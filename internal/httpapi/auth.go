package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"refundledger/backend/internal/domain"
)

const (
	tokenIssuer       = "refundledger"
	refreshTimeout    = 3 * time.Second
	minUsernameLen    = 4
	minPasswordLen    = 8
	defaultTokenTTL   = 8 * time.Hour
	devFallbackSecret = "dev-change-me"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountInactive    = errors.New("account is inactive")
	ErrInvalidToken       = errors.New("invalid or expired token")
)

// UserStore is the persistence the auth layer needs. Both repositories
// implement it.
type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// AuthManager signs access tokens for support staff and admins. Accounts are
// mirrored from the UserStore so other instances' new staff can log in.
type AuthManager struct {
	secret   []byte
	tokenTTL time.Duration
	users    UserStore

	mu       sync.RWMutex
	accounts map[string]domain.UserAccount
}

type ledgerClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, users UserStore) *AuthManager {
	if secret == "" {
		secret = devFallbackSecret
	}
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}

	a := &AuthManager{
		secret:   []byte(secret),
		tokenTTL: tokenTTL,
		users:    users,
		accounts: make(map[string]domain.UserAccount),
	}
	a.refresh(context.Background())
	return a
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	a.refresh(ctx)

	acct, ok := a.account(req.Username)
	if !ok || !passwordMatches(acct.Password, req.Password) {
		return domain.LoginResponse{}, ErrInvalidCredentials
	}
	if !acct.Active {
		return domain.LoginResponse{}, ErrAccountInactive
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	token, err := a.issueToken(acct.Username, acct.Role, expiresAt)
	if err != nil {
		return domain.LoginResponse{}, fmt.Errorf("sign access token: %w", err)
	}
	return domain.LoginResponse{
		AccessToken: token,
		Role:        acct.Role,
		ExpiresAt:   expiresAt.Format(time.RFC3339),
	}, nil
}

// ParseToken returns the actor for a valid token. Only staff and admin roles
// may act on refunds.
func (a *AuthManager) ParseToken(raw string) (domain.Actor, error) {
	var claims ledgerClaims
	_, err := jwtlib.ParseWithClaims(raw, &claims, func(*jwtlib.Token) (any, error) {
		return a.secret, nil
	},
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Alg()}),
		jwtlib.WithIssuer(tokenIssuer),
		jwtlib.WithExpirationRequired(),
	)
	if err != nil {
		return domain.Actor{}, ErrInvalidToken
	}

	switch {
	case claims.Subject == "":
		return domain.Actor{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	case claims.Role != domain.RoleStaff && claims.Role != domain.RoleAdmin:
		return domain.Actor{}, fmt.Errorf("%w: role %q", ErrInvalidToken, claims.Role)
	}
	return domain.Actor{Username: claims.Subject, Role: claims.Role}, nil
}

func (a *AuthManager) issueToken(username string, role string, expiresAt time.Time) (string, error) {
	now := time.Now().UTC()
	claims := ledgerClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   username,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(expiresAt),
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// CreateStaff adds a support agent who can issue refunds. Bad input is
// returned as a ValidationError.
func (a *AuthManager) CreateStaff(ctx context.Context, req domain.StaffCreateRequest) (domain.StaffUser, error) {
	a.refresh(ctx)

	username := normalizeUsername(req.Username)
	verr := &domain.ValidationError{}
	switch {
	case len(username) < minUsernameLen:
		verr.Add("username", fmt.Sprintf("username must be at least %d characters", minUsernameLen))
	case strings.ContainsAny(username, " \t\r\n"):
		verr.Add("username", "username must not contain spaces")
	default:
		if _, taken := a.account(username); taken {
			verr.Add("username", "username already exists")
		}
	}
	if len(req.Password) < minPasswordLen || strings.TrimSpace(req.Password) == "" {
		verr.Add("password", fmt.Sprintf("password must be at least %d characters", minPasswordLen))
	}
	if verr.HasFields() {
		return domain.StaffUser{}, verr
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return domain.StaffUser{}, fmt.Errorf("hash password: %w", err)
	}
	acct := domain.UserAccount{
		Username:  username,
		Password:  string(hash),
		Role:      domain.RoleStaff,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if a.users != nil {
		if err := a.users.CreateUser(ctx, acct); err != nil {
			return domain.StaffUser{}, err
		}
	}

	a.mu.Lock()
	a.accounts[username] = acct
	a.mu.Unlock()
	return staffView(acct), nil
}

func (a *AuthManager) ListStaff(ctx context.Context) []domain.StaffUser {
	a.refresh(ctx)

	a.mu.RLock()
	staff := make([]domain.StaffUser, 0, len(a.accounts))
	for _, acct := range a.accounts {
		if acct.Role == domain.RoleStaff {
			staff = append(staff, staffView(acct))
		}
	}
	a.mu.RUnlock()

	sort.Slice(staff, func(i, j int) bool { return staff[i].Username < staff[j].Username })
	return staff
}

func (a *AuthManager) account(username string) (domain.UserAccount, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	acct, ok := a.accounts[normalizeUsername(username)]
	return acct, ok
}

// refresh reloads accounts from the store. Stored plain-text passwords from
// older imports are rehashed and written back.
func (a *AuthManager) refresh(ctx context.Context) {
	if a.users == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	stored, err := a.users.ListUsers(ctx)
	if err != nil {
		log.Printf("[auth] WARN: failed to load accounts: %v", err)
		return
	}

	loaded := make(map[string]domain.UserAccount, len(stored))
	for _, acct := range stored {
		acct.Username = normalizeUsername(acct.Username)
		if acct.Username == "" {
			continue
		}
		if !isBcryptHash(acct.Password) {
			acct.Password = a.upgradeLegacyPassword(ctx, acct)
		}
		loaded[acct.Username] = acct
	}
	if len(loaded) == 0 {
		return
	}

	a.mu.Lock()
	for username, acct := range loaded {
		a.accounts[username] = acct
	}
	a.mu.Unlock()
}

func (a *AuthManager) upgradeLegacyPassword(ctx context.Context, acct domain.UserAccount) string {
	hash, err := bcrypt.GenerateFromPassword([]byte(acct.Password), bcrypt.DefaultCost)
	if err != nil {
		return acct.Password
	}
	if err := a.users.UpdateUserPassword(ctx, acct.Username, string(hash)); err != nil {
		log.Printf("[auth] WARN: failed to store upgraded password for %s: %v", acct.Username, err)
	}
	return string(hash)
}

func staffView(acct domain.UserAccount) domain.StaffUser {
	return domain.StaffUser{
		Username:  acct.Username,
		Role:      acct.Role,
		Active:    acct.Active,
		CreatedAt: acct.CreatedAt,
	}
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// passwordMatches never accepts a stored value that is not a bcrypt hash.
func passwordMatches(stored string, input string) bool {
	if !isBcryptHash(stored) || strings.TrimSpace(input) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func isBcryptHash(value string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	return false
}
