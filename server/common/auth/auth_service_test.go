package auth

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestService_TokenRoundTrip(t *testing.T) {
	svc := NewService("test-secret", 60)

	token, err := svc.GenerateToken("u1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	userID, err := svc.Authenticate(token)
	require.NoError(t, err)
	require.Equal(t, "u1", userID)
}

func TestService_RejectsGarbageToken(t *testing.T) {
	svc := NewService("test-secret", 60)

	_, err := svc.Authenticate("not.a.jwt")
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = svc.Authenticate("")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_RejectsTokenSignedWithOtherSecret(t *testing.T) {
	minted := NewService("secret-a", 60)
	verifier := NewService("secret-b", 60)

	token, err := minted.GenerateToken("u1")
	require.NoError(t, err)

	_, err = verifier.Authenticate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_RejectsExpiredToken(t *testing.T) {
	svc := NewService("test-secret", -1)

	token, err := svc.GenerateToken("u1")
	require.NoError(t, err)

	_, err = svc.Authenticate(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
