package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/models"
	"github.com/xtrntr/coinex/internal/store"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidCredentials is returned by Login for an unknown user or a wrong password
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrInvalidToken is returned for tokens that fail verification
	ErrInvalidToken = errors.New("invalid token")
)

// AuthService handles user authentication
type AuthService struct {
	store  store.Store
	secret []byte
	ttl    time.Duration
}

// NewAuthService creates a new auth service signing tokens with secret
func NewAuthService(st store.Store, secret string, ttl time.Duration) *AuthService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AuthService{store: st, secret: []byte(secret), ttl: ttl}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, username, password string) (*models.User, error) {
	return s.RegisterWithRole(ctx, username, password, models.RoleUser)
}

// RegisterWithRole creates a new user with the given role. Public sign-up
// goes through Register; admins are created by operators.
func (s *AuthService) RegisterWithRole(ctx context.Context, username, password string, role models.Role) (*models.User, error) {
	const op = "auth.Register"
	if !role.Valid() {
		return nil, apperr.Validation(op, "unknown role %q", role)
	}
	if username == "" {
		return nil, apperr.Validation(op, "username cannot be empty")
	}
	if password == "" {
		return nil, apperr.Validation(op, "password cannot be empty")
	}
	if len(username) > 50 {
		return nil, apperr.Validation(op, "username too long (max 50 characters)")
	}
	// bcrypt only looks at the first 72 bytes
	if len(password) > 72 {
		return nil, apperr.Validation(op, "password too long (max 72 characters)")
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.store.CreateUser(ctx, username, string(hashedPassword), role)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Authorize returns a Forbidden error unless the user holds role. The role
// is read from the store, so a demotion takes effect on the next request.
func (s *AuthService) Authorize(ctx context.Context, userID int64, role models.Role) error {
	user, err := s.store.GetUser(ctx, userID)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return ErrInvalidToken
	}
	if err != nil {
		return err
	}
	if user.Role != role {
		return apperr.Forbidden("auth.Authorize", "%s role required", role)
	}
	return nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(user)
}

// IssueToken signs a token for user
func (s *AuthService) IssueToken(user *models.User) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  user.ID,
		"username": user.Username,
		"exp":      time.Now().Add(s.ttl).Unix(),
	})
	return token.SignedString(s.secret)
}

// GetUserFromToken extracts user ID from JWT
func (s *AuthService) GetUserFromToken(tokenString string) (int64, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return 0, ErrInvalidToken
	}
	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return 0, ErrInvalidToken
	}
	return int64(userID), nil
}
