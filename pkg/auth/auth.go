package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/molforge/molforge/pkg/db"
	"github.com/molforge/molforge/pkg/errs"
	"github.com/molforge/molforge/pkg/types"
)

// Store handles users, credentials and role policies
type Store struct {
	db *db.DB

	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	// role policies are read-mostly; cache refreshes on miss
	policyMu    sync.RWMutex
	policyCache map[string]*Policy
}

// NewStore creates an auth store signing tokens with secret
func NewStore(database *db.DB, secret string) *Store {
	return &Store{
		db:          database,
		secret:      []byte(secret),
		accessTTL:   time.Hour,
		refreshTTL:  24 * time.Hour,
		policyCache: make(map[string]*Policy),
	}
}

// Register creates a user with a bcrypt-hashed password
func (s *Store) Register(ctx context.Context, ses *db.Session, username, password, role string) (*types.User, error) {
	if username == "" {
		return nil, errs.NewMalformedRequest("username must not be empty")
	}
	if len(password) < 8 {
		return nil, errs.NewMalformedRequest("password must be at least 8 characters")
	}
	if role == "" {
		role = "read"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &types.User{Username: username, Role: role, Enabled: true}
	err = s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		row := ses.Tx.QueryRowxContext(ctx,
			`INSERT INTO users (username, password_hash, role)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (username) DO NOTHING
			 RETURNING id`,
			username, string(hash), role)
		if err := row.Scan(&user.ID); err != nil {
			return errs.NewAlreadyExists("user %s already exists", username)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// Authenticate verifies a username/password pair
func (s *Store) Authenticate(ctx context.Context, ses *db.Session, username, password string) (*types.User, error) {
	var user types.User
	err := s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &user,
			`SELECT * FROM users WHERE username = $1`, username)
	})
	if err != nil {
		return nil, errs.NewAuthenticationFailure("invalid username or password")
	}
	if !user.Enabled {
		return nil, errs.NewAuthenticationFailure("user %s is disabled", username)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, errs.NewAuthenticationFailure("invalid username or password")
	}
	return &user, nil
}

// Claims is the token payload. Fresh marks tokens minted directly from
// credentials rather than through a refresh.
type Claims struct {
	jwt.RegisteredClaims
	Username         string                 `json:"username"`
	Role             string                 `json:"role"`
	TokenType        string                 `json:"token_type"`
	Fresh            bool                   `json:"fresh"`
	AdditionalClaims map[string]interface{} `json:"additional_claims,omitempty"`
}

// TokenPair is an access token plus the refresh token that renews it
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IssueTokens mints an access/refresh pair for a user
func (s *Store) IssueTokens(user *types.User, fresh bool, additional map[string]interface{}) (*TokenPair, error) {
	access, err := s.sign(user, "access", fresh, additional, s.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := s.sign(user, "refresh", false, nil, s.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Store) sign(user *types.User, tokenType string, fresh bool, additional map[string]interface{}, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:         user.Username,
		Role:             user.Role,
		TokenType:        tokenType,
		Fresh:            fresh,
		AdditionalClaims: additional,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyAccess parses and validates an access token
func (s *Store) VerifyAccess(tokenString string) (*Claims, error) {
	return s.verify(tokenString, "access")
}

// Refresh mints a new access token from a valid refresh token. The new
// access token is not fresh.
func (s *Store) Refresh(ctx context.Context, ses *db.Session, refreshToken string) (*TokenPair, error) {
	claims, err := s.verify(refreshToken, "refresh")
	if err != nil {
		return nil, err
	}
	var user types.User
	err = s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &user,
			`SELECT * FROM users WHERE username = $1`, claims.Username)
	})
	if err != nil || !user.Enabled {
		return nil, errs.NewAuthenticationFailure("user %s is no longer valid", claims.Username)
	}
	return s.IssueTokens(&user, false, nil)
}

func (s *Store) verify(tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, errs.NewAuthenticationFailure("invalid token: %v", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errs.NewAuthenticationFailure("invalid token")
	}
	if claims.TokenType != wantType {
		return nil, errs.NewAuthenticationFailure("token is not a %s token", wantType)
	}
	return claims, nil
}

// Statement grants actions on a resource prefix
type Statement struct {
	Effect    string   `json:"effect"` // allow | deny
	Actions   []string `json:"actions"`
	Resources []string `json:"resources"`
}

// Policy is the permission set of a role
type Policy struct {
	Statements []Statement `json:"statements"`
}

// DefaultPolicies seeds the standard roles
func DefaultPolicies() map[string]*Policy {
	return map[string]*Policy{
		"admin": {Statements: []Statement{
			{Effect: "allow", Actions: []string{"*"}, Resources: []string{"*"}},
		}},
		"submit": {Statements: []Statement{
			{Effect: "allow", Actions: []string{"read", "write"}, Resources: []string{"/v1/records", "/v1/datasets", "/v1/molecules"}},
			{Effect: "allow", Actions: []string{"read"}, Resources: []string{"*"}},
		}},
		"compute": {Statements: []Statement{
			{Effect: "allow", Actions: []string{"read", "write"}, Resources: []string{"/v1/tasks", "/v1/managers"}},
		}},
		"read": {Statements: []Statement{
			{Effect: "allow", Actions: []string{"read"}, Resources: []string{"*"}},
		}},
	}
}

// SeedRoles writes the default policies for roles that do not exist yet
func (s *Store) SeedRoles(ctx context.Context, ses *db.Session) error {
	return s.db.OptionalSession(ctx, ses, func(ses *db.Session) error {
		for name, policy := range DefaultPolicies() {
			blob, err := json.Marshal(policy)
			if err != nil {
				return err
			}
			if _, err := ses.Tx.ExecContext(ctx,
				`INSERT INTO roles (name, policy) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
				name, blob); err != nil {
				return fmt.Errorf("failed to seed role %s: %w", name, err)
			}
		}
		return nil
	})
}

// Authorize checks a role's policy for an action on a resource,
// loading the policy on cache miss
func (s *Store) Authorize(ctx context.Context, role, action, resource string) error {
	policy, err := s.policy(ctx, role)
	if err != nil {
		return err
	}
	if policy.Allows(action, resource) {
		return nil
	}
	return errs.NewAuthorizationDenied("role %s may not %s %s", role, action, resource)
}

// Allows evaluates the policy: deny statements win, then allows
func (p *Policy) Allows(action, resource string) bool {
	allowed := false
	for _, st := range p.Statements {
		if !matchAny(st.Actions, action) || !matchAnyPrefix(st.Resources, resource) {
			continue
		}
		if st.Effect == "deny" {
			return false
		}
		allowed = true
	}
	return allowed
}

func (s *Store) policy(ctx context.Context, role string) (*Policy, error) {
	s.policyMu.RLock()
	cached, ok := s.policyCache[role]
	s.policyMu.RUnlock()
	if ok {
		return cached, nil
	}

	var blob json.RawMessage
	err := s.db.OptionalSession(ctx, nil, func(ses *db.Session) error {
		return ses.Tx.GetContext(ctx, &blob, `SELECT policy FROM roles WHERE name = $1`, role)
	})
	if err != nil {
		return nil, errs.NewAuthorizationDenied("role %s is not defined", role)
	}
	var policy Policy
	if err := json.Unmarshal(blob, &policy); err != nil {
		return nil, fmt.Errorf("failed to decode policy for role %s: %w", role, err)
	}

	s.policyMu.Lock()
	s.policyCache[role] = &policy
	s.policyMu.Unlock()
	return &policy, nil
}

// InvalidatePolicy drops a role from the cache after a policy change
func (s *Store) InvalidatePolicy(role string) {
	s.policyMu.Lock()
	delete(s.policyCache, role)
	s.policyMu.Unlock()
}

func matchAny(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == "*" || p == value {
			return true
		}
	}
	return false
}

func matchAnyPrefix(patterns []string, value string) bool {
	for _, p := range patterns {
		if p == "*" || strings.HasPrefix(value, p) {
			return true
		}
	}
	return false
}
