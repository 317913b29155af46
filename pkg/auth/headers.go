package auth

import (
	"crypto/ed25519"
	"fmt"
	"net/http"
	"sync"
)

const apiKeyHeader = "api-key"

// HeaderProvider injects credential headers into an outgoing request. A
// provider may be called concurrently once the transport is connected.
type HeaderProvider interface {
	Apply(h http.Header) error
}

type APIKey string

func (k APIKey) Apply(h http.Header) error {
	h.Set(apiKeyHeader, string(k))
	return nil
}

type BearerToken string

func (t BearerToken) Apply(h http.Header) error {
	h.Set("Authorization", "Bearer "+string(t))
	return nil
}

// HeaderMap carries the literal headers a server handed out in a connection
// settings offer.
type HeaderMap map[string]string

func (m HeaderMap) Apply(h http.Header) error {
	for k, v := range m {
		h.Set(k, v)
	}
	return nil
}

// TokenSigner authenticates with a detached JWS over the enrollment token.
// The signature is deterministic for a given key, so it is computed once and
// reused for every request.
type TokenSigner struct {
	token *Token
	key   ed25519.PrivateKey

	once sync.Once
	sig  []byte
	err  error
}

func NewTokenSigner(token *Token, key ed25519.PrivateKey) *TokenSigner {
	return &TokenSigner{token: token, key: key}
}

func (s *TokenSigner) Apply(h http.Header) error {
	s.once.Do(func() {
		s.sig, s.err = s.token.SignDetached(s.key)
	})
	if s.err != nil {
		return fmt.Errorf("signing enrollment token: %w", s.err)
	}
	h.Set("Authorization", "Bearer "+string(s.sig))
	h.Set(apiKeyHeader, s.token.HexID())
	return nil
}

// Chain applies several providers in order. Later providers win on header
// collisions.
func Chain(providers ...HeaderProvider) HeaderProvider {
	return chain(providers)
}

type chain []HeaderProvider

func (c chain) Apply(h http.Header) error {
	for _, p := range c {
		if p == nil {
			continue
		}
		if err := p.Apply(h); err != nil {
			return err
		}
	}
	return nil
}
