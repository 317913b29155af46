package compress

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	c, ok := Lookup(EncodingGzip)
	require.True(t, ok)
	assert.Equal(t, EncodingGzip, c.Name())

	c, ok = Lookup("")
	require.True(t, ok, "empty name falls back to identity")
	assert.Equal(t, EncodingIdentity, c.Name())

	_, ok = Lookup("zstd")
	assert.False(t, ok)
}

func TestGzipRoundTrip(t *testing.T) {
	codec, ok := Lookup(EncodingGzip)
	require.True(t, ok)

	payload := bytes.Repeat([]byte("status report "), 256)
	encoded, err := codec.Encode(payload)
	require.NoError(t, err)
	assert.Less(t, len(encoded), len(payload), "repetitive payload should shrink")

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestGzipDecodeGarbage(t *testing.T) {
	codec, _ := Lookup(EncodingGzip)
	_, err := codec.Decode([]byte("not a gzip stream"))
	assert.Error(t, err)
}

func TestIdentityPassesThrough(t *testing.T) {
	codec, _ := Lookup(EncodingIdentity)
	payload := []byte{0x00, 0x01, 0x02}

	encoded, err := codec.Encode(payload)
	require.NoError(t, err)
	assert.Equal(t, payload, encoded)

	decoded, err := codec.Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestNegotiatePicksFirstMutual(t *testing.T) {
	codec := Negotiate(slog.Default(),
		[]string{"zstd", EncodingGzip, EncodingIdentity},
		[]string{EncodingGzip, EncodingIdentity})
	assert.Equal(t, EncodingGzip, codec.Name(), "first preference the peer also offers wins")
}

func TestNegotiateNoOverlapFallsBackToIdentity(t *testing.T) {
	codec := Negotiate(slog.Default(),
		[]string{EncodingGzip},
		[]string{"zstd"})
	assert.Equal(t, EncodingIdentity, codec.Name())
}

func TestNegotiateIdentityPreferenceStopsSearch(t *testing.T) {
	codec := Negotiate(slog.Default(),
		[]string{EncodingIdentity, EncodingGzip},
		[]string{EncodingGzip})
	assert.Equal(t, EncodingIdentity, codec.Name(),
		"an explicit identity preference ends negotiation")
}

func TestNegotiateEmptyPreferences(t *testing.T) {
	codec := Negotiate(slog.Default(), nil, []string{EncodingGzip})
	assert.Equal(t, EncodingIdentity, codec.Name())
}
