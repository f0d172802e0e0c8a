package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestSeedDatabaseIsIdempotent(t *testing.T) {
	store := newMemStore()
	seeder := NewDatabaseSeeder(store, "deepseek-7b", testDefaults)
	ctx := context.Background()

	require.NoError(t, seeder.SeedDatabase(ctx))
	require.NoError(t, seeder.SeedDatabase(ctx))

	assert.Len(t, store.users, 2)
	user, err := store.GetUserByEmail(ctx, "demo@example.com")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.Password), []byte("password")))

	agents, err := store.ListAgents(ctx, user.ID, 0, 100)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	for _, a := range agents {
		assert.Equal(t, "deepseek-7b", a.ModelID)
		assert.Equal(t, float32(0.7), a.Parameters["temperature"])
	}
}
