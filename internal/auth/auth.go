// Package auth keeps user accounts and checks their credentials.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
)

const Collection = "users"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username already exists")
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidUsername    = errors.New("username must not be empty")
	ErrInvalidPassword    = errors.New("password must not be empty")
)

type Service struct {
	store    store.Store
	verifier CredentialVerifier
	logger   *zap.Logger
	now      func() time.Time

	decoyOnce sync.Once
	decoy     string
}

func NewService(s store.Store, verifier CredentialVerifier, logger *zap.Logger) *Service {
	if verifier == nil {
		verifier = BcryptVerifier{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, verifier: verifier, logger: logger, now: time.Now}
}

// NormalizeUsername is the key users are stored and looked up under.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

func (s *Service) Authenticate(ctx context.Context, username string, password string) (domain.User, error) {
	username = NormalizeUsername(username)
	if username == "" || password == "" {
		return domain.User{}, ErrInvalidCredentials
	}

	user, err := s.load(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		// Unknown users cost one hash comparison like known ones.
		s.verifier.Verify(s.decoyHash(), password)
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}

	switch {
	case user.PasswordHash != "":
		if !s.verifier.Verify(user.PasswordHash, password) {
			return domain.User{}, ErrInvalidCredentials
		}
	case s.verifier.IsHash(user.Password):
		if !s.verifier.Verify(user.Password, password) {
			return domain.User{}, ErrInvalidCredentials
		}
		s.upgrade(ctx, username, user.Password)
	case user.Password != "":
		if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
			return domain.User{}, ErrInvalidCredentials
		}
		hash, err := s.verifier.Hash(password)
		if err != nil {
			s.logger.Warn("legacy password not rehashed", zap.String("username", username), zap.Error(err))
			break
		}
		s.upgrade(ctx, username, hash)
	default:
		s.verifier.Verify(s.decoyHash(), password)
		return domain.User{}, ErrInvalidCredentials
	}

	return redact(user), nil
}

func (s *Service) Register(ctx context.Context, username string, password string) (domain.User, error) {
	username = NormalizeUsername(username)
	if username == "" {
		return domain.User{}, ErrInvalidUsername
	}
	if password == "" {
		return domain.User{}, ErrInvalidPassword
	}

	hash, err := s.verifier.Hash(password)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := domain.User{Username: username, PasswordHash: hash, CreatedAt: now, UpdatedAt: now}
	doc, err := store.NewDocument(username, user)
	if err != nil {
		return domain.User{}, err
	}
	if err := s.store.Insert(ctx, Collection, doc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.User{}, ErrUsernameTaken
		}
		return domain.User{}, err
	}

	s.logger.Info("user registered", zap.String("username", username))
	return redact(user), nil
}

func (s *Service) ChangePassword(ctx context.Context, username string, newPassword string) error {
	username = NormalizeUsername(username)
	if newPassword == "" {
		return ErrInvalidPassword
	}

	hash, err := s.verifier.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.setHash(ctx, username, hash); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	s.logger.Info("password changed", zap.String("username", username))
	return nil
}

func (s *Service) load(ctx context.Context, username string) (domain.User, error) {
	doc, err := s.store.Get(ctx, Collection, username)
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrUserNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	var user domain.User
	if err := doc.Decode(&user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// upgrade moves a legacy credential into passwordHash. A failed upgrade does
// not fail the login; the next one tries again.
func (s *Service) upgrade(ctx context.Context, username string, hash string) {
	if err := s.setHash(ctx, username, hash); err != nil {
		s.logger.Warn("legacy credential upgrade failed", zap.String("username", username), zap.Error(err))
		return
	}
	s.logger.Info("legacy credential upgraded", zap.String("username", username))
}

func (s *Service) setHash(ctx context.Context, username string, hash string) error {
	_, err := s.store.Modify(ctx, Collection, username, func(current store.Document) (store.Document, error) {
		var user domain.User
		if err := current.Decode(&user); err != nil {
			return store.Document{}, err
		}
		if user.Username == "" {
			user.Username = username
		}
		user.PasswordHash = hash
		user.Password = ""
		user.UpdatedAt = s.now().UTC()
		return store.NewDocument(username, user)
	})
	return err
}

func (s *Service) decoyHash() string {
	s.decoyOnce.Do(func() {
		hash, err := s.verifier.Hash("decoy-credential")
		if err != nil {
			s.logger.Warn("decoy hash unavailable", zap.Error(err))
			return
		}
		s.decoy = hash
	})
	return s.decoy
}

func redact(user domain.User) domain.User {
	user.PasswordHash = ""
	user.Password = ""
	return user
}
