// Package compress holds the payload codecs a transport may negotiate.
// Identity is always available, so negotiation can never fail outright.
package compress

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"slices"
)

const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
)

type Codec interface {
	Name() string
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

func Lookup(name string) (Codec, bool) {
	switch name {
	case EncodingIdentity, "":
		return identityCodec{}, true
	case EncodingGzip:
		return gzipCodec{}, true
	}
	return nil, false
}

// Negotiate picks the first client preference the peer also offers. When
// nothing overlaps the session falls back to identity, which every peer must
// accept.
func Negotiate(logger *slog.Logger, preferred, offered []string) Codec {
	for _, name := range preferred {
		if name == EncodingIdentity {
			break
		}
		if !slices.Contains(offered, name) {
			continue
		}
		if codec, ok := Lookup(name); ok {
			return codec
		}
	}
	if len(preferred) > 0 && preferred[0] != EncodingIdentity {
		logger.Warn("no mutual payload encoding, continuing uncompressed",
			"preferred", preferred, "offered", offered)
	}
	return identityCodec{}
}

type identityCodec struct{}

func (identityCodec) Name() string                       { return EncodingIdentity }
func (identityCodec) Encode(data []byte) ([]byte, error) { return data, nil }
func (identityCodec) Decode(data []byte) ([]byte, error) { return data, nil }

type gzipCodec struct{}

func (gzipCodec) Name() string { return EncodingGzip }

func (gzipCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing payload: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decode(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	return out, nil
}
