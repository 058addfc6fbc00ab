// Copyright 2025 Fiscalia
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fiscalia/platform/shared/types"
)

var testSecret = []byte("unit-test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	require.NoError(t, err)
	return token
}

func TestValidateToken(t *testing.T) {
	token := signToken(t, jwt.MapClaims{
		"firm_id": "firm-42",
		"user_id": "u-7",
		"email":   "partner@example.com",
		"tier":    "enterprise",
	})

	caller, err := ValidateToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "firm-42", caller.FirmID)
	assert.Equal(t, "u-7", caller.UserID)
	assert.Equal(t, "partner@example.com", caller.Email)
	assert.Equal(t, types.TierEnterprise, caller.Tier)
}

func TestValidateTokenUnknownTierDefaultsToFree(t *testing.T) {
	token := signToken(t, jwt.MapClaims{"firm_id": "firm-1", "tier": "platinum"})

	caller, err := ValidateToken(token, testSecret)
	require.NoError(t, err)
	assert.Equal(t, types.TierFree, caller.Tier)
}

func TestValidateTokenRejections(t *testing.T) {
	t.Run("missing firm_id", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"tier": "free"})
		_, err := ValidateToken(token, testSecret)
		assert.Error(t, err)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"firm_id": "firm-1"})
		_, err := ValidateToken(token, []byte("other-secret"))
		assert.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := ValidateToken("not.a.token", testSecret)
		assert.Error(t, err)
	})

	t.Run("unsigned token", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"firm_id": "firm-1"}).
			SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = ValidateToken(token, testSecret)
		assert.Error(t, err)
	})
}

func TestAuthMiddleware(t *testing.T) {
	var seen *Caller
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CallerFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("valid bearer token", func(t *testing.T) {
		token := signToken(t, jwt.MapClaims{"firm_id": "firm-1", "tier": "professional"})
		req := httptest.NewRequest("POST", "/api/v1/query", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		AuthMiddleware(testSecret, next).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "firm-1", seen.FirmID)
		assert.Equal(t, types.TierProfessional, seen.Tier)
	})

	t.Run("missing header", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/query", nil)
		rec := httptest.NewRecorder()

		AuthMiddleware(testSecret, next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/query", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()

		AuthMiddleware(testSecret, next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("auth disabled", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/query", nil)
		rec := httptest.NewRecorder()

		AuthMiddleware(nil, next).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, anonymousCaller, seen)
	})
}

func TestCallerFromDefaultsToAnonymous(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	caller := CallerFrom(req.Context())
	assert.Equal(t, "anonymous", caller.FirmID)
	assert.Equal(t, types.TierFree, caller.Tier)
}
