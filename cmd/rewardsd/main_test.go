package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards/internal/config"
	"github.com/mmeshcher/campus-rewards/internal/middleware"
	"github.com/mmeshcher/campus-rewards/internal/model"
)

func TestOpenStore_MemoryDemo(t *testing.T) {
	store, users, err := openStore(&config.Config{}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.Len(t, users, 3)
	for _, u := range users {
		got, err := store.GetUser(context.Background(), u.ID)
		require.NoError(t, err)
		assert.Equal(t, u.Role, got.Role)
	}

	hoodie, err := store.GetReward(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, hoodie.Stock)
	assert.Equal(t, int64(25), *hoodie.Stock)
}

func TestDemoTokensAuthenticate(t *testing.T) {
	_, users, err := openStore(&config.Config{}, zap.NewNop())
	require.NoError(t, err)

	auth := middleware.NewAuthMiddleware("")
	for _, u := range users {
		tok, err := auth.IssueToken(u.ID, u.Role)
		require.NoError(t, err)

		var gotID int64
		var gotRole model.Role
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotID, _ = middleware.GetUserIDFromContext(r.Context())
			gotRole, _ = middleware.GetRoleFromContext(r.Context())
		})

		req := httptest.NewRequest(http.MethodGet, "/api/points/balance", nil)
		req.Header.Set("Authorization", "Bearer "+tok)
		w := httptest.NewRecorder()
		auth.Middleware(next).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, u.ID, gotID)
		assert.Equal(t, u.Role, gotRole)
	}
}
