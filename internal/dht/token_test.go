package dht

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenAcceptedForSameIPUnderCurrentSecret(t *testing.T) {
	tm := NewTokenManager()
	tok := tm.Issue("203.0.113.5")
	require.True(t, tm.Verify("203.0.113.5", tok))
}

func TestTokenRejectedForDifferentIP(t *testing.T) {
	tm := NewTokenManager()
	tok := tm.Issue("203.0.113.5")
	require.False(t, tm.Verify("198.51.100.9", tok))
}

func TestTokenStillValidAfterOneRotation(t *testing.T) {
	tm := NewTokenManager()
	tok := tm.Issue("203.0.113.5")
	tm.Rotate()
	require.True(t, tm.Verify("203.0.113.5", tok))
}

func TestTokenRejectedAfterTwoRotations(t *testing.T) {
	tm := NewTokenManager()
	tok := tm.Issue("203.0.113.5")
	tm.Rotate()
	tm.Rotate()
	require.False(t, tm.Verify("203.0.113.5", tok))
}
