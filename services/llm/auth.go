// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/agentrag/pkg/orcherrors"
)

// =============================================================================
// Header Provider
// =============================================================================

// HeaderProvider injects auth headers into outbound requests. The same
// contract serves the LLM and search gateways so both share the bearer
// refresh discipline.
//
// Tokens are never written to disk and never logged.
type HeaderProvider interface {
	// Apply sets auth headers on req. Called per request; must be safe
	// for concurrent use.
	Apply(ctx context.Context, req *http.Request) error
}

// =============================================================================
// Static API Key Provider
// =============================================================================

// StaticKeyProvider holds a fixed API key inside a memguard enclave and
// applies it as a bearer header. The plaintext key passed at
// construction should be zeroed by the caller afterwards.
type StaticKeyProvider struct {
	enclave *memguard.Enclave
	header  string
}

// NewStaticKeyProvider seals key into an enclave. header defaults to
// "Authorization" with a "Bearer " prefix.
func NewStaticKeyProvider(key string) (*StaticKeyProvider, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, orcherrors.New(orcherrors.KindConfigMissing, "API key is empty")
	}
	return &StaticKeyProvider{
		enclave: memguard.NewEnclave([]byte(key)),
		header:  "Authorization",
	}, nil
}

// NewStaticKeyProviderFromEnv reads the key from envName, falling back
// to a secret file at secretPath (container secret mount).
func NewStaticKeyProviderFromEnv(envName, secretPath string) (*StaticKeyProvider, error) {
	key := os.Getenv(envName)
	if key == "" && secretPath != "" {
		raw, err := os.ReadFile(secretPath)
		if err == nil {
			key = strings.TrimSpace(string(raw))
		}
	}
	if key == "" {
		return nil, orcherrors.New(orcherrors.KindConfigMissing,
			fmt.Sprintf("%s not set and secret not found", envName))
	}
	return NewStaticKeyProvider(key)
}

// Apply implements HeaderProvider.
func (p *StaticKeyProvider) Apply(_ context.Context, req *http.Request) error {
	buf, err := p.enclave.Open()
	if err != nil {
		return orcherrors.Wrap(orcherrors.KindAuth, "opening key enclave", err)
	}
	defer buf.Destroy()
	req.Header.Set(p.header, "Bearer "+buf.String())
	return nil
}

// =============================================================================
// Refreshing Bearer Provider
// =============================================================================

// TokenSource fetches a fresh bearer token and its expiry.
type TokenSource func(ctx context.Context) (token string, expiresAt time.Time, err error)

// BearerTokenProvider caches {token, expiresAt} per cache key and
// refreshes when expiresAt - now < slop.
//
// Concurrent refresh is coalesced: at most one refresh per cache key is
// in flight; other callers wait on the same singleflight result. This
// closes the cold-start race where parallel requests each minted a
// token.
type BearerTokenProvider struct {
	source   TokenSource
	cacheKey string
	slop     time.Duration

	mu        sync.RWMutex
	token     string
	expiresAt time.Time

	group singleflight.Group
}

// NewBearerTokenProvider creates a provider with the given refresh slop.
// Zero slop defaults to 2 minutes.
func NewBearerTokenProvider(cacheKey string, source TokenSource, slop time.Duration) *BearerTokenProvider {
	if slop <= 0 {
		slop = 2 * time.Minute
	}
	return &BearerTokenProvider{source: source, cacheKey: cacheKey, slop: slop}
}

// Apply implements HeaderProvider.
func (p *BearerTokenProvider) Apply(ctx context.Context, req *http.Request) error {
	token, err := p.currentToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// currentToken returns the cached token, refreshing through singleflight
// when it is within slop of expiry.
func (p *BearerTokenProvider) currentToken(ctx context.Context) (string, error) {
	p.mu.RLock()
	token, expiresAt := p.token, p.expiresAt
	p.mu.RUnlock()

	if token != "" && time.Until(expiresAt) >= p.slop {
		return token, nil
	}

	result, err, _ := p.group.Do(p.cacheKey, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have
		// refreshed while this one waited.
		p.mu.RLock()
		cached, exp := p.token, p.expiresAt
		p.mu.RUnlock()
		if cached != "" && time.Until(exp) >= p.slop {
			return cached, nil
		}

		fresh, freshExp, err := p.source(ctx)
		if err != nil {
			return "", orcherrors.Wrap(orcherrors.KindAuth, "token refresh failed", err)
		}
		p.mu.Lock()
		p.token, p.expiresAt = fresh, freshExp
		p.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// authTransport is an http.RoundTripper that applies a HeaderProvider to
// every outbound request. Used to plug dynamic auth into SDK clients
// that only accept a static key.
type authTransport struct {
	provider HeaderProvider
	base     http.RoundTripper
}

// NewAuthHTTPClient wraps an http.Client so every request passes through
// the header provider.
func NewAuthHTTPClient(provider HeaderProvider, timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &authTransport{provider: provider, base: http.DefaultTransport},
	}
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	if err := t.provider.Apply(req.Context(), cloned); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(cloned)
}
