package ident_test

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/otelfleet/fleetlink/pkg/ident"
)

func TestIdentFromMAC(t *testing.T) {
	provider, err := ident.IdFromMac(sha256.New(), "foo")
	require.NoError(t, err)

	id1 := provider.UniqueIdentifier().UUID
	require.NotEmpty(t, id1)
	id2 := provider.UniqueIdentifier().UUID
	require.NotEmpty(t, id2)
	require.Equal(t, id1, id2)
	require.Equal(t, ident.IDTypeMac, provider.UniqueIdentifier().Metadata[ident.MetadataIDType])
}

func TestInstanceUid(t *testing.T) {
	id := ident.NewInstanceUid()
	require.NotEqual(t, [16]byte{}, [16]byte(id))

	parsed, err := ident.ParseInstanceUid(id[:])
	require.NoError(t, err)
	require.Equal(t, id, parsed)

	_, err = ident.ParseInstanceUid([]byte("short"))
	require.Error(t, err)

	_, err = ident.ParseInstanceUid(make([]byte, 16))
	require.Error(t, err)
}
