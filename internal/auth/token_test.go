package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("secret")

func TestIssueAndParseToken(t *testing.T) {
	issued, err := IssueToken(secret, Claims{
		Sub:   "user-1",
		Name:  "Avery",
		Scope: "yjs_",
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)

	claims, err := ParseToken(secret, issued)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Sub)
	assert.Equal(t, "Avery", claims.Name)
	assert.True(t, claims.Allows("yjs_cell1"))
	assert.False(t, claims.Allows("notebook_nb"))
}

func TestParseTokenRejections(t *testing.T) {
	expired, err := IssueToken(secret, Claims{Sub: "u", JTI: "j", Exp: time.Now().Add(-time.Minute).Unix()})
	require.NoError(t, err)
	_, err = ParseToken(secret, expired)
	assert.ErrorIs(t, err, ErrExpiredToken)

	valid, err := PeerToken(secret, "peer-a", time.Hour)
	require.NoError(t, err)

	_, err = ParseToken([]byte("other"), valid)
	assert.ErrorIs(t, err, ErrInvalidToken)

	payload, sig, _ := strings.Cut(valid, ".")
	_, err = ParseToken(secret, payload+"x."+sig)
	assert.ErrorIs(t, err, ErrInvalidToken)

	for _, bad := range []string{"", "nodot", valid + ".extra"} {
		_, err = ParseToken(secret, bad)
		assert.ErrorIs(t, err, ErrInvalidToken, bad)
	}

	missing, err := IssueToken(secret, Claims{Sub: "u", Exp: time.Now().Add(time.Hour).Unix()})
	require.NoError(t, err)
	_, err = ParseToken(secret, missing)
	assert.ErrorIs(t, err, ErrInvalidToken, "jti is required")
}

func TestPeerTokenAllowsEveryTopic(t *testing.T) {
	token, err := PeerToken(secret, "peer-a", time.Minute)
	require.NoError(t, err)
	claims, err := ParseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", claims.Sub)
	assert.True(t, claims.Allows("notebook_nb"))
	assert.True(t, claims.Allows("anything"))
}
