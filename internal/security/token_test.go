package security

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"equipment-rental-backend/internal/domain"
)

const secret = "0123456789abcdef0123456789abcdef"

func TestTokenManager(t *testing.T) {
	tm := NewTokenManager(secret, "rental-test", time.Hour)
	actor := domain.Actor{UserID: 42, Name: "Mona", Roles: []domain.Role{domain.RoleSalesManager}}

	t.Run("Access token round trip", func(t *testing.T) {
		token, err := tm.GenerateAccessToken(actor)
		require.NoError(t, err)

		claims, err := tm.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, TokenTypeAccess, claims.Type)
		assert.Equal(t, actor, claims.Actor())
	})

	t.Run("Service token is the system actor", func(t *testing.T) {
		token, err := tm.GenerateServiceToken("cronjob")
		require.NoError(t, err)

		claims, err := tm.ValidateToken(token)
		require.NoError(t, err)
		assert.True(t, claims.Actor().Has(domain.RoleSystem))
	})

	t.Run("Wrong secret", func(t *testing.T) {
		token, err := NewTokenManager("ffffffffffffffffffffffffffffffff", "rental-test", time.Hour).GenerateAccessToken(actor)
		require.NoError(t, err)

		_, err = tm.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("Expired", func(t *testing.T) {
		old := &tokenManager{
			secret: []byte(secret),
			issuer: "rental-test",
			expiry: time.Minute,
			now:    func() time.Time { return time.Now().Add(-2 * time.Hour) },
		}
		token, err := old.GenerateAccessToken(actor)
		require.NoError(t, err)

		_, err = tm.ValidateToken(token)
		assert.ErrorIs(t, err, ErrExpiredToken)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := tm.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestActorContext(t *testing.T) {
	_, ok := ActorFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithActor(context.Background(), domain.SystemActor)
	actor, ok := ActorFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, domain.SystemActor, actor)
}
