package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"stockbook/backend/internal/domain"
	"stockbook/backend/internal/store"
	"stockbook/backend/internal/xid"
)

var errInvalidCredentials = errors.New("invalid credentials")

// AuthManager verifies credentials against the user store and records a
// server-side session per login. A token is only honored while its session
// is live, so logout takes effect immediately on every instance sharing the
// session store.
type AuthManager struct {
	secret    []byte
	tokenTTL  time.Duration
	userStore UserStore
	sessions  SessionStore
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	DeleteUser(ctx context.Context, username string) error
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type sessionClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewAuthManager(secret string, tokenTTL time.Duration, userStore UserStore) *AuthManager {
	if secret == "" {
		secret = "dev-change-me"
	}
	if tokenTTL <= 0 {
		tokenTTL = 8 * time.Hour
	}

	return &AuthManager{
		secret:    []byte(secret),
		tokenTTL:  tokenTTL,
		userStore: userStore,
		sessions:  newMemorySessionStore(),
	}
}

// UseSessionStore replaces the default per-process session table.
func (a *AuthManager) UseSessionStore(sessions SessionStore) {
	if sessions != nil {
		a.sessions = sessions
	}
}

func (a *AuthManager) Login(ctx context.Context, req domain.LoginRequest) (domain.LoginResponse, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		return domain.LoginResponse{}, errInvalidCredentials
	}

	user, err := a.userStore.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.LoginResponse{}, errInvalidCredentials
		}
		return domain.LoginResponse{}, err
	}
	if !verifyPassword(user.Password, req.Password) {
		return domain.LoginResponse{}, errInvalidCredentials
	}
	if !user.Active {
		return domain.LoginResponse{}, errors.New("account is inactive")
	}

	now := time.Now().UTC()
	session := domain.Session{
		ID:        xid.New("ses"),
		Username:  user.Username,
		Role:      user.Role,
		IssuedAt:  now,
		ExpiresAt: now.Add(a.tokenTTL),
	}
	token, err := a.sign(session)
	if err != nil {
		return domain.LoginResponse{}, err
	}

	if err := a.sessions.SaveSession(ctx, session); err != nil {
		return domain.LoginResponse{}, fmt.Errorf("save session: %w", err)
	}

	return domain.LoginResponse{
		AccessToken: token,
		Role:        session.Role,
		ExpiresAt:   session.ExpiresAt.Format(time.RFC3339),
	}, nil
}

// Logout invalidates the session behind token.
func (a *AuthManager) Logout(ctx context.Context, tokenStr string) error {
	actor, err := a.ParseToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	return a.sessions.DeleteSession(ctx, actor.SessionID)
}

func (a *AuthManager) ParseToken(ctx context.Context, tokenStr string) (domain.Actor, error) {
	claims := &sessionClaims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return domain.Actor{}, errors.New("invalid or expired token")
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return domain.Actor{}, errors.New("invalid token subject")
	}

	session, ok, err := a.sessions.GetSession(ctx, claims.ID)
	if err != nil {
		log.Warn().Err(err).Msg("[auth] session lookup failed")
		return domain.Actor{}, errors.New("session lookup failed")
	}
	if !ok || session.Username != sub || time.Now().UTC().After(session.ExpiresAt) {
		return domain.Actor{}, errors.New("session expired or logged out")
	}
	return domain.Actor{Username: session.Username, Role: session.Role, SessionID: session.ID}, nil
}

func (a *AuthManager) sign(session domain.Session) (string, error) {
	claims := sessionClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        session.ID,
			Subject:   session.Username,
			IssuedAt:  jwtlib.NewNumericDate(session.IssuedAt),
			ExpiresAt: jwtlib.NewNumericDate(session.ExpiresAt),
			Issuer:    "stockbook",
		},
		Role: session.Role,
	}
	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthManager) CreateUser(ctx context.Context, req domain.UserCreateRequest) (domain.UserAccount, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if len(username) < 3 {
		return domain.UserAccount{}, fmt.Errorf("%w: username must be at least 3 characters", store.ErrValidation)
	}
	if !validUsername(username) {
		return domain.UserAccount{}, fmt.Errorf("%w: username may only contain a-z, 0-9, '.', '_' and '-'", store.ErrValidation)
	}
	if len(strings.TrimSpace(req.Password)) < 6 {
		return domain.UserAccount{}, fmt.Errorf("%w: password must be at least 6 characters", store.ErrValidation)
	}

	passwordHash, err := hashPassword(req.Password)
	if err != nil {
		return domain.UserAccount{}, fmt.Errorf("failed to hash password")
	}

	user := domain.UserAccount{
		Username:  username,
		Password:  passwordHash,
		Role:      domain.RoleUser,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.userStore.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.UserAccount{}, fmt.Errorf("%w: username already exists", store.ErrConflict)
		}
		return domain.UserAccount{}, err
	}
	return user, nil
}

// ListUsers returns the non-admin accounts.
func (a *AuthManager) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]domain.UserAccount, 0, len(users))
	for _, user := range users {
		if user.Role == domain.RoleAdmin {
			continue
		}
		result = append(result, user)
	}
	return result, nil
}

func (a *AuthManager) DeleteUser(ctx context.Context, username string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	user, err := a.userStore.GetUser(ctx, username)
	if err != nil {
		return err
	}
	if user.Role == domain.RoleAdmin {
		return fmt.Errorf("%w: admin accounts cannot be deleted", store.ErrForbidden)
	}
	if err := a.userStore.DeleteUser(ctx, username); err != nil {
		return err
	}
	if err := a.sessions.DeleteUserSessions(ctx, username, ""); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// ChangePassword verifies the current password of actor and stores the new
// one. Other sessions of the same account are revoked.
func (a *AuthManager) ChangePassword(ctx context.Context, actor domain.Actor, req domain.PasswordChangeRequest) error {
	if req.NewPassword != req.ConfirmPassword {
		return fmt.Errorf("%w: new password and confirmation do not match", store.ErrValidation)
	}
	if len(strings.TrimSpace(req.NewPassword)) < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", store.ErrValidation)
	}

	user, err := a.userStore.GetUser(ctx, actor.Username)
	if err != nil {
		return err
	}
	if !verifyPassword(user.Password, req.CurrentPassword) {
		return fmt.Errorf("%w: current password is incorrect", store.ErrValidation)
	}

	hashed, err := hashPassword(req.NewPassword)
	if err != nil {
		return fmt.Errorf("failed to hash password")
	}
	if err := a.userStore.UpdateUserPassword(ctx, user.Username, hashed); err != nil {
		return err
	}
	if err := a.sessions.DeleteUserSessions(ctx, user.Username, actor.SessionID); err != nil {
		return fmt.Errorf("revoke sessions: %w", err)
	}
	return nil
}

// EnsureAdmin creates the admin account when the store has none.
func (a *AuthManager) EnsureAdmin(ctx context.Context, password string) error {
	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		return err
	}
	for _, user := range users {
		if user.Role == domain.RoleAdmin {
			return nil
		}
	}
	if password == "" {
		password = "admin123"
		log.Warn().Msg("[auth] creating admin with the default dev password; set SEED_ADMIN_PASSWORD")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return err
	}
	err = a.userStore.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  hashed,
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	return err
}

// UpgradeLegacyPasswords rehashes accounts that were imported with plain
// text passwords.
func (a *AuthManager) UpgradeLegacyPasswords(ctx context.Context) (int, error) {
	users, err := a.userStore.ListUsers(ctx)
	if err != nil {
		return 0, err
	}

	upgraded := 0
	for _, user := range users {
		if user.Password == "" || isPasswordHash(user.Password) {
			continue
		}
		hashed, err := hashPassword(user.Password)
		if err != nil {
			return upgraded, err
		}
		if err := a.userStore.UpdateUserPassword(ctx, user.Username, hashed); err != nil {
			return upgraded, err
		}
		upgraded++
	}
	return upgraded, nil
}

// validUsername limits names to characters that are safe in a URL path segment.
func validUsername(username string) bool {
	for _, r := range username {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
		default:
			return false
		}
	}
	return username != "" && username != "." && username != ".."
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(input)) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
