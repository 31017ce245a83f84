// Package auth handles admin account authentication.
package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/domain"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/repository"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/config"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/crypto"
	jwtpkg "github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/jwt"
)

var (
	errEmailRequired    = errors.New("email is required")
	errPasswordRequired = errors.New("password is required")
	// errInvalidCredentials deliberately covers both unknown accounts and
	// wrong passwords.
	errInvalidCredentials = errors.New("invalid credentials")
)

// Service handles authentication workflows.
type Service struct {
	users  repository.UserRepository
	logger *slog.Logger
	cfg    config.PortalConfig
}

// New constructs a Service.
func New(users repository.UserRepository, logger *slog.Logger, cfg config.PortalConfig) Service {
	return Service{users: users, logger: logger, cfg: cfg}
}

// Tokens contains an issued access token.
type Tokens struct {
	AccessToken string        `json:"access_token"`
	ExpiresIn   time.Duration `json:"expires_in"`
}

// Signup registers a new admin account.
func (s Service) Signup(ctx context.Context, email, password string) (*domain.User, Tokens, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, Tokens{}, errEmailRequired
	}
	if password == "" {
		return nil, Tokens{}, errPasswordRequired
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, Tokens{}, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, Tokens{}, err
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, Tokens{}, err
	}
	s.logger.Info("admin registered", "user_id", user.ID)
	return user, tokens, nil
}

// Login authenticates an admin and returns a token.
func (s Service) Login(ctx context.Context, email, password string) (*domain.User, Tokens, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, Tokens{}, errInvalidCredentials
		}
		return nil, Tokens{}, err
	}
	if err := crypto.ComparePassword(user.PasswordHash, password); err != nil {
		return nil, Tokens{}, errInvalidCredentials
	}
	tokens, err := s.issueTokens(user.ID)
	if err != nil {
		return nil, Tokens{}, err
	}
	s.logger.Info("admin logged in", "user_id", user.ID)
	return user, tokens, nil
}

// Authorize validates a bearer token and returns the associated user.
func (s Service) Authorize(ctx context.Context, token string) (*domain.User, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return nil, nil, err
	}
	return user, claims, nil
}

func (s Service) issueTokens(userID string) (Tokens, error) {
	access, err := jwtpkg.GenerateToken(userID, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return Tokens{}, err
	}
	return Tokens{AccessToken: access, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
