package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xtrntr/coinex/internal/apperr"
	"github.com/xtrntr/coinex/internal/memdb"
	"github.com/xtrntr/coinex/internal/models"
)

const testSecret = "test-secret"

func newTestService() *AuthService {
	return NewAuthService(memdb.New(), testSecret, time.Hour)
}

func TestAuthService_Register(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		password    string
		expectError bool
	}{
		{
			name:        "Success",
			username:    "alice",
			password:    "password123",
			expectError: false,
		},
		{
			name:        "EmptyUsername",
			username:    "",
			password:    "password123",
			expectError: true,
		},
		{
			name:        "EmptyPassword",
			username:    "bob",
			password:    "",
			expectError: true,
		},
		{
			name:        "DuplicateUsername",
			username:    "alice",
			password:    "newpass",
			expectError: true,
		},
		{
			name:        "LongUsername",
			username:    strings.Repeat("a", 1000),
			password:    "password123",
			expectError: true,
		},
		{
			name:        "LongPassword",
			username:    "carol",
			password:    strings.Repeat("p", 73),
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService()
			ctx := context.Background()

			if tt.name == "DuplicateUsername" {
				if _, err := s.Register(ctx, "alice", "password123"); err != nil {
					t.Fatalf("Failed to create user for duplicate test: %v", err)
				}
			}

			user, err := s.Register(ctx, tt.username, tt.password)
			if tt.expectError {
				if err == nil {
					t.Errorf("expected error, got nil")
				}
				if apperr.KindOf(err) != apperr.KindValidation {
					t.Errorf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if user.Username != tt.username {
				t.Errorf("expected username %s, got %s", tt.username, user.Username)
			}
			if user.ID == 0 {
				t.Errorf("expected non-zero user ID")
			}
			if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(tt.password)); err != nil {
				t.Errorf("password hash does not match: %v", err)
			}
		})
	}
}

func TestAuthService_Login(t *testing.T) {
	tests := []struct {
		name        string
		username    string
		password    string
		expectError error
	}{
		{
			name:     "Success",
			username: "alice",
			password: "password123",
		},
		{
			name:        "WrongPassword",
			username:    "alice",
			password:    "wrongpass",
			expectError: ErrInvalidCredentials,
		},
		{
			name:        "NonExistentUser",
			username:    "bob",
			password:    "password123",
			expectError: ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestService()
			ctx := context.Background()
			user, err := s.Register(ctx, "alice", "password123")
			if err != nil {
				t.Fatalf("Failed to register user: %v", err)
			}

			token, err := s.Login(ctx, tt.username, tt.password)
			if tt.expectError != nil {
				if !errors.Is(err, tt.expectError) {
					t.Errorf("expected %v, got %v", tt.expectError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			userID, err := s.GetUserFromToken(token)
			if err != nil {
				t.Fatalf("failed to verify issued token: %v", err)
			}
			if userID != user.ID {
				t.Errorf("expected user ID %d, got %d", user.ID, userID)
			}
		})
	}
}

func TestAuthService_GetUserFromToken(t *testing.T) {
	s := newTestService()

	sign := func(method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(method, claims).SignedString(key)
		if err != nil {
			t.Fatalf("failed to sign token: %v", err)
		}
		return token
	}

	tests := []struct {
		name        string
		token       string
		expectedID  int64
		expectError bool
	}{
		{
			name: "ValidToken",
			token: sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"user_id": 7,
				"exp":     time.Now().Add(time.Hour).Unix(),
			}),
			expectedID: 7,
		},
		{
			name: "ExpiredToken",
			token: sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"user_id": 7,
				"exp":     time.Now().Add(-time.Hour).Unix(),
			}),
			expectError: true,
		},
		{
			name: "WrongSecret",
			token: sign(jwt.SigningMethodHS256, []byte("other-secret"), jwt.MapClaims{
				"user_id": 7,
				"exp":     time.Now().Add(time.Hour).Unix(),
			}),
			expectError: true,
		},
		{
			name: "WrongAlgorithm",
			token: sign(jwt.SigningMethodHS512, []byte(testSecret), jwt.MapClaims{
				"user_id": 7,
				"exp":     time.Now().Add(time.Hour).Unix(),
			}),
			expectError: true,
		},
		{
			name: "MissingUserID",
			token: sign(jwt.SigningMethodHS256, []byte(testSecret), jwt.MapClaims{
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			expectError: true,
		},
		{
			name:        "Garbage",
			token:       "not-a-token",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := s.GetUserFromToken(tt.token)
			if tt.expectError {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("expected ErrInvalidToken, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if userID != tt.expectedID {
				t.Errorf("expected user ID %d, got %d", tt.expectedID, userID)
			}
		})
	}
}

func TestAuthService_Roles(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	trader, err := s.Register(ctx, "trader", "password123")
	if err != nil {
		t.Fatalf("Failed to register trader: %v", err)
	}
	admin, err := s.RegisterWithRole(ctx, "admin", "password123", models.RoleAdmin)
	if err != nil {
		t.Fatalf("Failed to register admin: %v", err)
	}
	if trader.Role != models.RoleUser {
		t.Errorf("expected role %q, got %q", models.RoleUser, trader.Role)
	}
	if _, err := s.RegisterWithRole(ctx, "root", "password123", models.Role("root")); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("expected validation error for unknown role, got %v", err)
	}

	tests := []struct {
		name      string
		userID    int64
		forbidden bool
		wantErr   error
	}{
		{name: "Admin", userID: admin.ID},
		{name: "PlainUser", userID: trader.ID, forbidden: true},
		{name: "UnknownUser", userID: 999, wantErr: ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Authorize(ctx, tt.userID, models.RoleAdmin)
			switch {
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected %v, got %v", tt.wantErr, err)
				}
			case tt.forbidden:
				if !errors.Is(err, apperr.ErrForbidden) {
					t.Errorf("expected forbidden, got %v", err)
				}
			default:
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
			}
		})
	}
}
