package auth_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datanimbus/dnio-configuration-manager/internal/auth"
	"github.com/datanimbus/dnio-configuration-manager/internal/model"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)

	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"), hash)

	other, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.NotEqual(t, hash, other, "salt differs per hash")
}

func TestVerifyAPIKeyRejectsMalformedHash(t *testing.T) {
	for _, bad := range []string{"", "salt$hash", "$bcrypt$v=19$m=1,t=1,p=1$AA$AA", "$argon2id$v=18$m=1,t=1,p=1$AA$AA"} {
		_, err := auth.VerifyAPIKey("k", bad)
		assert.Error(t, err, bad)
	}
}

func TestUserToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, expiresAt, err := mgr.IssueUserToken("admin", []string{"Adam"}, false)
	require.NoError(t, err)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.False(t, claims.IsAgent())
	assert.Equal(t, "admin", claims.Subject)
	assert.True(t, claims.CanAccessApp("Adam"))
	assert.True(t, claims.CanAccessApp("adam"))
	assert.False(t, claims.CanAccessApp("Eve"))

	super, _, err := mgr.IssueUserToken("root", nil, true)
	require.NoError(t, err)
	claims, err = mgr.ValidateToken(super)
	require.NoError(t, err)
	assert.True(t, claims.CanAccessApp("anything"))
}

func TestAgentToken(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	agent := model.Agent{ID: "AGENT2001", AgentID: uuid.NewString(), App: "Adam", Name: "edge"}
	token, expiresAt, err := mgr.IssueAgentToken(agent, 2*time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), expiresAt, time.Minute)

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.True(t, claims.IsAgent())
	assert.Equal(t, agent.AgentID, claims.AgentID)
	assert.Equal(t, "AGENT2001", claims.Subject)
	assert.True(t, claims.CanAccessApp("Adam"))
	assert.False(t, claims.CanAccessApp("Eve"))
}

func TestTokenFromOtherKeyRejected(t *testing.T) {
	a, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	b, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	token, _, err := a.IssueUserToken("admin", nil, true)
	require.NoError(t, err)
	_, err = b.ValidateToken(token)
	assert.Error(t, err)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

// forgeToken signs a JWT with the given private key and claims.
func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func registered(iss, sub string) jwt.RegisteredClaims {
	now := time.Now().UTC()
	return jwt.RegisteredClaims{
		Subject:   sub,
		Issuer:    iss,
		Audience:  jwt.ClaimStrings{"dnio-cm"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		ID:        uuid.New().String(),
	}
}

func TestValidateToken_WrongIssuer(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: registered("someone-else", "admin"),
		Kind:             auth.SubjectUser,
	})
	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid issuer")
}

func TestValidateToken_UnknownKind(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: registered("dnio-cm", "admin"),
		Kind:             "robot",
	})
	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown token kind")
}

func TestValidateToken_AgentWithoutAgentID(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	token := forgeToken(t, privKey, &auth.Claims{
		RegisteredClaims: registered("dnio-cm", "AGENT2001"),
		Kind:             auth.SubjectAgent,
	})
	_, err := mgr.ValidateToken(token)
	require.Error(t, err)
}

func TestTokenKey(t *testing.T) {
	a := auth.TokenKey("token-a")
	assert.Len(t, a, 64)
	assert.Equal(t, a, auth.TokenKey("token-a"))
	assert.NotEqual(t, a, auth.TokenKey("token-b"))
}

func TestGenerateKeyPairPEM(t *testing.T) {
	privPEM, pubPEM, err := auth.GenerateKeyPairPEM()
	require.NoError(t, err)

	dir := t.TempDir()
	privPath := filepath.Join(dir, "priv.pem")
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(privPath, privPEM, 0600))
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueUserToken("admin", nil, true)
	require.NoError(t, err)
	_, err = mgr.ValidateToken(token)
	require.NoError(t, err)
}
