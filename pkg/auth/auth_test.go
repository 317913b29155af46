package auth

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenHexRoundTrip(t *testing.T) {
	tok := NewToken()
	require.Len(t, tok.ID, 6)
	require.Len(t, tok.Secret, 26)

	parsed, err := ParseHex(tok.EncodeToHex())
	require.NoError(t, err)
	assert.Equal(t, tok.ID, parsed.ID)
	assert.Equal(t, tok.Secret, parsed.Secret)
}

func TestParseHexRejectsMalformed(t *testing.T) {
	for _, in := range []string{
		"",
		"deadbeef",
		"deadbeefdead.short",
		"nothex.nothexnothexnothexnothexnothexnothexnothexnot",
	} {
		_, err := ParseHex(in)
		assert.ErrorIs(t, err, ErrMalformedToken, "input %q", in)
	}
}

func TestDetachedSignatureRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tok := NewToken()

	sig, err := tok.SignDetached(priv)
	require.NoError(t, err)
	assert.NotContains(t, string(sig), string(tok.Secret),
		"the detached payload must not travel with the signature")

	full, err := tok.VerifyDetached(sig, pub)
	require.NoError(t, err)
	assert.NotEmpty(t, full)
}

func TestVerifyDetachedWrongToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sig, err := NewToken().SignDetached(priv)
	require.NoError(t, err)

	_, err = NewToken().VerifyDetached(sig, pub)
	assert.Error(t, err, "a different token reconstructs a different payload")
}

func TestVerifyDetachedGarbage(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = NewToken().VerifyDetached([]byte("no dots here"), pub)
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestSignDetachedRejectsUnknownKey(t *testing.T) {
	_, err := NewToken().SignDetached("not a key")
	assert.Error(t, err)
}

func TestNewTokenDeterministicSource(t *testing.T) {
	seed := bytes.Repeat([]byte{0xAB}, 32)
	a := NewToken(bytes.NewReader(seed))
	b := NewToken(bytes.NewReader(seed))
	assert.Equal(t, a.EncodeToHex(), b.EncodeToHex())
}

func TestHeaderProviders(t *testing.T) {
	h := http.Header{}
	require.NoError(t, APIKey("k123").Apply(h))
	assert.Equal(t, "k123", h.Get("api-key"))

	h = http.Header{}
	require.NoError(t, BearerToken("t456").Apply(h))
	assert.Equal(t, "Bearer t456", h.Get("Authorization"))

	h = http.Header{}
	require.NoError(t, HeaderMap{"X-Env": "prod"}.Apply(h))
	assert.Equal(t, "prod", h.Get("X-Env"))
}

func TestChainLaterProviderWins(t *testing.T) {
	h := http.Header{}
	c := Chain(
		HeaderMap{"X-Env": "dev", "X-Region": "eu"},
		nil,
		HeaderMap{"X-Env": "prod"},
	)
	require.NoError(t, c.Apply(h))
	assert.Equal(t, "prod", h.Get("X-Env"))
	assert.Equal(t, "eu", h.Get("X-Region"))
}

func TestLoadSigningKey(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "enroll.pem")
	require.NoError(t, os.WriteFile(path,
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	loaded, err := LoadSigningKey(path)
	require.NoError(t, err)

	// The loaded key must produce signatures the original public key accepts.
	tok := NewToken()
	sig, err := tok.SignDetached(loaded)
	require.NoError(t, err)
	_, err = tok.VerifyDetached(sig, pub)
	assert.NoError(t, err)
}

func TestLoadSigningKeyRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadSigningKey(filepath.Join(dir, "absent.pem"))
	assert.Error(t, err)

	notPEM := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(notPEM, []byte("not a key"), 0o600))
	_, err = LoadSigningKey(notPEM)
	assert.Error(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)
	wrongType := filepath.Join(dir, "rsa.pem")
	require.NoError(t, os.WriteFile(wrongType,
		pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))
	_, err = LoadSigningKey(wrongType)
	assert.Error(t, err, "only ed25519 keys can sign enrollment tokens")
}

func TestTokenSignerReusesSignature(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tok := NewToken()
	signer := NewTokenSigner(tok, priv)

	h1, h2 := http.Header{}, http.Header{}
	require.NoError(t, signer.Apply(h1))
	require.NoError(t, signer.Apply(h2))

	assert.Equal(t, h1.Get("Authorization"), h2.Get("Authorization"))
	assert.Equal(t, tok.HexID(), h1.Get("api-key"))
}
