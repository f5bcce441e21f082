package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/p2pexchange/internal/db"
	"github.com/xtrntr/p2pexchange/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserExists         = errors.New("user already exists")
)

const (
	maxPasswordLength = 100
)

// UserStore is the part of the store that holds credentials
type UserStore interface {
	CreateUser(ctx context.Context, userID, passwordHash string) (*models.User, error)
	GetUser(ctx context.Context, userID string) (*models.User, error)
}

// AuthService handles user authentication
type AuthService struct {
	Users  UserStore
	secret []byte
	ttl    time.Duration
}

// NewAuthService creates a new auth service signing HS256 tokens with secret
func NewAuthService(users UserStore, secret string, ttl time.Duration) *AuthService {
	return &AuthService{Users: users, secret: []byte(secret), ttl: ttl}
}

// Register creates a new user with hashed password
func (s *AuthService) Register(ctx context.Context, userID, password string) (*models.User, error) {
	// Validate input
	if userID == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}
	if password == "" {
		return nil, fmt.Errorf("password cannot be empty")
	}
	if len(userID) > models.MaxUserIDLength {
		return nil, fmt.Errorf("user id too long (max %d characters)", models.MaxUserIDLength)
	}
	if len(password) > maxPasswordLength {
		return nil, fmt.Errorf("password too long (max %d characters)", maxPasswordLength)
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.Users.CreateUser(ctx, userID, string(hashedPassword))
	if err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Login verifies credentials and generates a JWT
func (s *AuthService) Login(ctx context.Context, userID, password string) (string, error) {
	user, err := s.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", ErrInvalidCredentials
		}
		return "", err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	return s.IssueToken(user.ID)
}

// IssueToken signs a token whose subject is userID
func (s *AuthService) IssueToken(userID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	})
	return token.SignedString(s.secret)
}

// GetUserFromToken validates a token and returns its subject
func (s *AuthService) GetUserFromToken(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
