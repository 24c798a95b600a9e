package auth

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"

	"github.com/BaseRock-Technologies/bill-management/internal/domain"
	"github.com/BaseRock-Technologies/bill-management/internal/store"
	"github.com/BaseRock-Technologies/bill-management/internal/store/memory"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	s := memory.New()
	return NewService(s, BcryptVerifier{Cost: bcrypt.MinCost}, zaptest.NewLogger(t)), s
}

func storedUser(t *testing.T, s *memory.Store, username string) domain.User {
	t.Helper()
	doc, err := s.Get(context.Background(), Collection, username)
	require.NoError(t, err)
	var user domain.User
	require.NoError(t, doc.Decode(&user))
	return user
}

func TestRegisterThenAuthenticate(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, "  Cashier1 ", "s3cret!")
	require.NoError(t, err)
	assert.Equal(t, "cashier1", user.Username)
	assert.Empty(t, user.PasswordHash, "hash must not leave the service")

	stored := storedUser(t, s, "cashier1")
	assert.True(t, strings.HasPrefix(stored.PasswordHash, "$2a$"))
	assert.Empty(t, stored.Password)

	got, err := svc.Authenticate(ctx, "CASHIER1", "s3cret!")
	require.NoError(t, err)
	assert.Equal(t, "cashier1", got.Username)

	_, err = svc.Authenticate(ctx, "cashier1", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Authenticate(context.Background(), "ghost", "whatever")
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Authenticate(context.Background(), "", "")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterRejectsTakenUsername(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "admin", "first-pass")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "Admin", "second-pass")
	require.ErrorIs(t, err, ErrUsernameTaken)

	_, err = svc.Register(ctx, "  ", "x")
	require.ErrorIs(t, err, ErrInvalidUsername)
	_, err = svc.Register(ctx, "bob", "")
	require.ErrorIs(t, err, ErrInvalidPassword)
}

func TestChangePassword(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "admin", "old-pass")
	require.NoError(t, err)
	require.NoError(t, svc.ChangePassword(ctx, "admin", "new-pass"))

	_, err = svc.Authenticate(ctx, "admin", "old-pass")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.Authenticate(ctx, "admin", "new-pass")
	require.NoError(t, err)

	require.ErrorIs(t, svc.ChangePassword(ctx, "nobody", "x"), ErrUserNotFound)
}

func TestLegacyCleartextPasswordIsUpgraded(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	doc, err := store.NewDocument("admin", map[string]string{"username": "admin", "password": "admin123"})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Collection, doc))

	_, err = svc.Authenticate(ctx, "admin", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, "admin123", storedUser(t, s, "admin").Password, "failed login leaves the record alone")

	_, err = svc.Authenticate(ctx, "admin", "admin123")
	require.NoError(t, err)

	upgraded := storedUser(t, s, "admin")
	assert.Empty(t, upgraded.Password)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(upgraded.PasswordHash), []byte("admin123")))

	_, err = svc.Authenticate(ctx, "admin", "admin123")
	require.NoError(t, err)
}

func TestHashStoredInLegacyFieldIsMoved(t *testing.T) {
	svc, s := newService(t)
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("pin-1234"), bcrypt.MinCost)
	require.NoError(t, err)
	doc, err := store.NewDocument("manager", domain.User{Username: "manager", Password: string(hash)})
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Collection, doc))

	_, err = svc.Authenticate(ctx, "manager", "pin-1234")
	require.NoError(t, err)

	moved := storedUser(t, s, "manager")
	assert.Equal(t, string(hash), moved.PasswordHash)
	assert.Empty(t, moved.Password)
}

type countingVerifier struct {
	BcryptVerifier
	verifies atomic.Int32
}

func (v *countingVerifier) Verify(hash string, password string) bool {
	v.verifies.Add(1)
	return v.BcryptVerifier.Verify(hash, password)
}

func TestUnknownUserStillComparesOneHash(t *testing.T) {
	verifier := &countingVerifier{BcryptVerifier: BcryptVerifier{Cost: bcrypt.MinCost}}
	svc := NewService(memory.New(), verifier, zaptest.NewLogger(t))

	_, err := svc.Authenticate(context.Background(), "ghost", "guess")
	require.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, int32(1), verifier.verifies.Load())
}

func TestBcryptVerifier(t *testing.T) {
	v := BcryptVerifier{Cost: bcrypt.MinCost}

	hash, err := v.Hash("secret")
	require.NoError(t, err)
	assert.True(t, v.IsHash(hash))
	assert.True(t, v.Verify(hash, "secret"))
	assert.False(t, v.Verify(hash, "Secret"))
	assert.False(t, v.Verify("secret", "secret"), "cleartext is never a hash")
	assert.False(t, v.Verify(hash, ""))
}
