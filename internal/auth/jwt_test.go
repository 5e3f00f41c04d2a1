package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"semaphore/qrsession/internal/session"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func TestAccessTokenRoundTrip(t *testing.T) {
	key := newKey(t)
	token, err := NewAccessToken(key, "issuer", time.Minute, Claims{
		UserID:    "T1",
		UserType:  session.RoleTeacher,
		SectionID: "S",
	})
	require.NoError(t, err)

	publicKey, err := ParseRSAPublicKey(publicPEM(t, key))
	require.NoError(t, err)

	claims, err := ParseToken(publicKey, "issuer", token)
	require.NoError(t, err)
	assert.Equal(t, session.Actor{ID: "T1", Role: session.RoleTeacher, SectionID: "S"}, claims.Actor())
	assert.Equal(t, "T1", claims.Subject)
}

func TestParseTokenRejects(t *testing.T) {
	key := newKey(t)
	token, err := NewAccessToken(key, "issuer", time.Minute, Claims{UserID: "ST1", UserType: session.RoleStudent})
	require.NoError(t, err)

	_, err = ParseToken(&key.PublicKey, "other-issuer", token)
	assert.Error(t, err)

	_, err = ParseToken(&newKey(t).PublicKey, "issuer", token)
	assert.Error(t, err)

	_, err = ParseToken(nil, "issuer", token)
	assert.EqualError(t, err, "missing_public_key")

	expired, err := NewAccessToken(key, "issuer", -time.Minute, Claims{UserID: "ST1"})
	require.NoError(t, err)
	_, err = ParseToken(&key.PublicKey, "issuer", expired)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: "ST1"})
	signed, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)
	_, err = ParseToken(&key.PublicKey, "", signed)
	assert.Error(t, err)

	anonymous, err := NewAccessToken(key, "issuer", time.Minute, Claims{UserType: session.RoleAdmin})
	require.NoError(t, err)
	_, err = ParseToken(&key.PublicKey, "issuer", anonymous)
	assert.ErrorIs(t, err, jwt.ErrTokenInvalidClaims)
}

func TestParseRSAPublicKey(t *testing.T) {
	key := newKey(t)
	pkcs1 := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}))
	parsed, err := ParseRSAPublicKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, key.PublicKey.Equal(parsed))

	_, err = ParseRSAPublicKey("not pem")
	assert.EqualError(t, err, "invalid_public_key")
}
