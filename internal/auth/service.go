// Package auth holds the signed-in session and maps it to the numeric user id
// that owns rows in the remote store.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/jobsync/internal/config"
	"github.com/TheMichaelB/jobsync/internal/events"
	"github.com/TheMichaelB/jobsync/internal/models"
	"github.com/TheMichaelB/jobsync/internal/remote"
)

// UsersTable maps identity-provider subjects to remote user ids.
const UsersTable = "users"

// Session is what the sync engine needs from authentication.
type Session interface {
	IsAuthenticated() bool
	ResolveRemoteUserID(ctx context.Context) (int64, error)
}

// TokenSetter receives the bearer token for remote calls.
type TokenSetter interface {
	SetToken(token string)
}

// Service persists the session token and resolves the remote user id.
type Service struct {
	remote       remote.Store
	setter       TokenSetter
	tokenFile    string
	fetchTimeout time.Duration
	logger       *events.Logger
	now          func() time.Time

	mu       sync.RWMutex
	token    *models.TokenInfo
	userID   int64
	userAuth string // AuthID userID was resolved for

	group singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

// WithTokenSetter forwards the session token to a transport.
func WithTokenSetter(setter TokenSetter) Option {
	return func(s *Service) { s.setter = setter }
}

// WithClock replaces time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates an auth service. A token saved by a previous run is loaded.
func NewService(store remote.Store, cfg *config.AuthConfig, logger *events.Logger, opts ...Option) *Service {
	s := &Service{
		remote:       store,
		tokenFile:    cfg.TokenFile,
		fetchTimeout: cfg.FetchTimeout,
		logger:       logger.WithField("service", "auth"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = 15 * time.Second
	}

	if err := s.loadToken(); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.WithError(err).Warn("Ignoring unreadable token file")
	}
	return s
}

// Login stores a token issued by the identity provider.
func (s *Service) Login(info models.TokenInfo) error {
	if info.Token == "" || info.AuthID == "" {
		return fmt.Errorf("token and auth id required")
	}
	if info.IsExpiredAt(s.now()) {
		return fmt.Errorf("token already expired at %s", info.ExpiresAt.Format(time.RFC3339))
	}

	s.mu.Lock()
	s.token = &info
	s.userID = 0
	s.userAuth = ""
	s.mu.Unlock()

	if s.setter != nil {
		s.setter.SetToken(info.Token)
	}

	if err := s.saveToken(&info); err != nil {
		s.logger.WithError(err).Warn("Failed to save token")
	}

	s.logger.WithField("email", info.Email).Info("Login successful")
	return nil
}

// Logout clears the session and removes the token file.
func (s *Service) Logout() error {
	s.logger.Info("Logging out")

	s.mu.Lock()
	s.token = nil
	s.userID = 0
	s.userAuth = ""
	s.mu.Unlock()

	if s.setter != nil {
		s.setter.SetToken("")
	}

	if s.tokenFile != "" {
		if err := os.Remove(s.tokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove token file: %w", err)
		}
	}
	return nil
}

// Token returns the current token if it is still valid.
func (s *Service) Token() (*models.TokenInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil || s.token.IsExpiredAt(s.now()) {
		return nil, models.ErrNotAuthenticated
	}
	info := *s.token
	return &info, nil
}

// IsAuthenticated reports whether a valid token is present.
func (s *Service) IsAuthenticated() bool {
	_, err := s.Token()
	return err == nil
}

// ResolveRemoteUserID looks up the users row for the session, creating it on
// first use. The result is cached per session and concurrent callers share one lookup.
func (s *Service) ResolveRemoteUserID(ctx context.Context) (int64, error) {
	token, err := s.Token()
	if err != nil {
		return 0, err
	}

	s.mu.RLock()
	if s.userID != 0 && s.userAuth == token.AuthID {
		id := s.userID
		s.mu.RUnlock()
		return id, nil
	}
	s.mu.RUnlock()

	v, err, shared := s.group.Do(token.AuthID, func() (interface{}, error) {
		return s.lookupOrCreate(ctx, token)
	})
	if err != nil {
		return 0, err
	}

	id := v.(int64)
	s.logger.WithFields(map[string]interface{}{
		"user_id": id,
		"shared":  shared,
	}).Debug("Resolved remote user")
	return id, nil
}

func (s *Service) lookupOrCreate(ctx context.Context, token *models.TokenInfo) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	id, err := s.lookup(ctx, token.AuthID)
	if err != nil {
		return 0, err
	}

	if id == 0 {
		rows, err := s.remote.Insert(ctx, UsersTable, []remote.Row{{
			"auth_id": token.AuthID,
			"email":   token.Email,
		}})
		switch {
		case remote.Classify(err) == remote.ClassDuplicate:
			// Created concurrently by another device.
			if id, err = s.lookup(ctx, token.AuthID); err != nil {
				return 0, err
			}
		case err != nil:
			return 0, fmt.Errorf("create user: %w", err)
		case len(rows) > 0:
			id = parseID(rows[0]["id"])
		}
		if id == 0 {
			return 0, fmt.Errorf("create user: no id returned")
		}
		s.logger.WithField("user_id", id).Info("Created remote user")
	}

	s.mu.Lock()
	if s.token != nil && s.token.AuthID == token.AuthID {
		s.userID = id
		s.userAuth = token.AuthID
	}
	s.mu.Unlock()

	return id, nil
}

func (s *Service) lookup(ctx context.Context, authID string) (int64, error) {
	rows, err := s.remote.Select(ctx, UsersTable, remote.Query{Limit: 1}.Eq("auth_id", authID))
	if err != nil {
		return 0, fmt.Errorf("lookup user: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return parseID(rows[0]["id"]), nil
}

func parseID(v interface{}) int64 {
	switch id := v.(type) {
	case int64:
		return id
	case int:
		return int64(id)
	case float64:
		return int64(id)
	case json.Number:
		n, _ := id.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(id, 10, 64)
		return n
	default:
		return 0
	}
}

// Token persistence

func (s *Service) saveToken(info *models.TokenInfo) error {
	if s.tokenFile == "" {
		return nil
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	// Save with restricted permissions
	return os.WriteFile(s.tokenFile, data, 0600)
}

func (s *Service) loadToken() error {
	if s.tokenFile == "" {
		return nil
	}

	data, err := os.ReadFile(s.tokenFile)
	if err != nil {
		return err
	}

	var info models.TokenInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return fmt.Errorf("parse token: %w", err)
	}

	s.mu.Lock()
	s.token = &info
	s.mu.Unlock()

	if s.setter != nil && !info.IsExpiredAt(s.now()) {
		s.setter.SetToken(info.Token)
	}
	return nil
}
