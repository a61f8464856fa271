package auth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go/types"
	"go.uber.org/zap"

	"image-creator-backend/internal/cache"
	"image-creator-backend/internal/models"
)

const (
	DefaultStateTTL = 10 * time.Minute
	stateKeyPrefix  = "oauth:"
)

var allowedProviders = map[string]bool{
	"google": true,
	"github": true,
}

// Provider is the subset of the Supabase auth client used here.
type Provider interface {
	Signup(req types.SignupRequest) (*types.SignupResponse, error)
	SignInWithEmailPassword(email, password string) (*types.TokenResponse, error)
	Authorize(req types.AuthorizeRequest) (*types.AuthorizeResponse, error)
	Token(req types.TokenRequest) (*types.TokenResponse, error)
}

type StateStore interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Take(ctx context.Context, key string, dest any) error
}

type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int
	UserID       uuid.UUID
	Email        string
}

type pendingAuth struct {
	Provider string `json:"provider"`
	Verifier string `json:"verifier"`
}

type Service struct {
	provider    Provider
	states      StateStore
	redirectURL string
	stateTTL    time.Duration
	logger      *zap.Logger
}

func NewService(provider Provider, states StateStore, redirectURL string, logger *zap.Logger) *Service {
	return &Service{
		provider:    provider,
		states:      states,
		redirectURL: redirectURL,
		stateTTL:    DefaultStateTTL,
		logger:      logger.Named("auth"),
	}
}

func (s *Service) SignUp(ctx context.Context, email, password string) (*Session, error) {
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	resp, err := s.provider.Signup(types.SignupRequest{Email: email, Password: password})
	if err != nil {
		s.logger.Info("sign-up rejected", zap.String("email", email), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}

	// Without auto-confirm the provider returns the user but no session.
	session := &Session{UserID: resp.User.ID, Email: resp.User.Email}
	if resp.Session.AccessToken != "" {
		session = fromSession(resp.Session)
	}
	return session, nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (*Session, error) {
	if err := validateCredentials(email, password); err != nil {
		return nil, err
	}

	resp, err := s.provider.SignInWithEmailPassword(email, password)
	if err != nil {
		s.logger.Info("sign-in rejected", zap.String("email", email), zap.Error(err))
		return nil, models.ErrUnauthorized
	}
	return fromSession(resp.Session), nil
}

// StartOAuth begins a PKCE flow. The verifier is parked in the state store
// under a random state that the callback must present.
func (s *Service) StartOAuth(ctx context.Context, provider string) (string, string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if !allowedProviders[provider] {
		return "", "", fmt.Errorf("%w: unsupported provider %q", models.ErrInvalidInput, provider)
	}

	resp, err := s.provider.Authorize(types.AuthorizeRequest{
		Provider: types.Provider(provider),
		FlowType: types.FlowPKCE,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: authorize: %v", models.ErrUpstream, err)
	}

	state := uuid.NewString()
	if err := s.states.Set(ctx, stateKeyPrefix+state, pendingAuth{Provider: provider, Verifier: resp.Verifier}, s.stateTTL); err != nil {
		return "", "", fmt.Errorf("store oauth state: %w", err)
	}

	authURL, err := s.withRedirect(resp.AuthorizationURL, state)
	if err != nil {
		return "", "", err
	}
	return authURL, state, nil
}

// CompleteOAuth exchanges the callback code for a session. Each state is single use.
func (s *Service) CompleteOAuth(ctx context.Context, code, state string) (*Session, error) {
	if code == "" || state == "" {
		return nil, fmt.Errorf("%w: code and state are required", models.ErrInvalidInput)
	}

	var pending pendingAuth
	if err := s.states.Take(ctx, stateKeyPrefix+state, &pending); err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("%w: oauth state expired or unknown", models.ErrUnauthorized)
		}
		return nil, fmt.Errorf("load oauth state: %w", err)
	}

	resp, err := s.provider.Token(types.TokenRequest{
		GrantType:    "pkce",
		Code:         code,
		CodeVerifier: pending.Verifier,
	})
	if err != nil {
		s.logger.Info("oauth code exchange failed", zap.String("provider", pending.Provider), zap.Error(err))
		return nil, models.ErrUnauthorized
	}
	return fromSession(resp.Session), nil
}

func (s *Service) withRedirect(authURL, state string) (string, error) {
	if s.redirectURL == "" {
		return authURL, nil
	}

	redirect, err := url.Parse(s.redirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid oauth redirect url: %w", err)
	}
	rq := redirect.Query()
	rq.Set("state", state)
	redirect.RawQuery = rq.Encode()

	u, err := url.Parse(authURL)
	if err != nil {
		return "", fmt.Errorf("invalid authorization url: %w", err)
	}
	q := u.Query()
	q.Set("redirect_to", redirect.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func fromSession(s types.Session) *Session {
	return &Session{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresIn:    s.ExpiresIn,
		UserID:       s.User.ID,
		Email:        s.User.Email,
	}
}

func validateCredentials(email, password string) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("%w: a valid email is required", models.ErrInvalidInput)
	}
	if len(password) < 6 {
		return fmt.Errorf("%w: password must be at least 6 characters", models.ErrInvalidInput)
	}
	return nil
}
