package main

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintTokenClaims(t *testing.T) {
	secret := []byte("test-secret")
	signed, err := mintToken(secret, "ops", "operator", time.Hour, time.Now())
	require.NoError(t, err)

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	tok, err := parser.Parse(signed, func(*jwt.Token) (interface{}, error) { return secret, nil })
	require.NoError(t, err)
	claims := tok.Claims.(jwt.MapClaims)
	assert.Equal(t, "ops", claims["username"])
	assert.Equal(t, "ops", claims["sub"])
	assert.Equal(t, "operator", claims["role"])

	expired, err := mintToken(secret, "ops", "operator", time.Hour, time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	_, err = parser.Parse(expired, func(*jwt.Token) (interface{}, error) { return secret, nil })
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}
