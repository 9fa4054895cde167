// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package server exposes the orchestrator's HTTP API.
package server

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/golang-jwt/jwt/v5"
)

// jwksRefreshInterval bounds how often the key set is re-fetched when an
// unknown kid shows up.
const jwksRefreshInterval = time.Minute

// Authenticator verifies bearer tokens against the realm's JWKS.
type Authenticator struct {
	jwksURL string
	http    *http.Client
	log     logr.Logger

	mu          sync.Mutex
	keys        map[string]*rsa.PublicKey
	lastRefresh time.Time
}

// NewAuthenticator builds an Authenticator for one Keycloak realm.
func NewAuthenticator(keycloakURL, realm string, httpClient *http.Client, log logr.Logger) *Authenticator {
	return &Authenticator{
		jwksURL: fmt.Sprintf("%s/realms/%s/protocol/openid-connect/certs", strings.TrimSuffix(keycloakURL, "/"), realm),
		http:    httpClient,
		log:     log.WithName("auth"),
		keys:    map[string]*rsa.PublicKey{},
	}
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			unauthorized(w, "missing bearer token")
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		token, err := jwt.Parse(raw, a.keyFor(r.Context()),
			jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			a.log.V(4).Info("rejected token", "error", fmt.Sprintf("%v", err))
			unauthorized(w, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// keyFor resolves the signing key named by the token's kid, refreshing the
// key set at most once per interval.
func (a *Authenticator) keyFor(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid")
		}
		a.mu.Lock()
		key, ok := a.keys[kid]
		needRefresh := !ok && time.Since(a.lastRefresh) > jwksRefreshInterval
		a.mu.Unlock()
		if ok {
			return key, nil
		}
		if !needRefresh {
			return nil, fmt.Errorf("unknown signing key %s", kid)
		}
		if err := a.refresh(ctx); err != nil {
			return nil, err
		}
		a.mu.Lock()
		key, ok = a.keys[kid]
		a.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("unknown signing key %s", kid)
		}
		return key, nil
	}
}

type jwksDocument struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		Use string `json:"use"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (a *Authenticator) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}
	var doc jwksDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("failed to decode jwks: %w", err)
	}
	keys := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		key, err := rsaKeyFromJWK(k.N, k.E)
		if err != nil {
			a.log.V(4).Info("skipping unparsable jwk", "kid", k.Kid, "error", err.Error())
			continue
		}
		keys[k.Kid] = key
	}
	a.mu.Lock()
	a.keys = keys
	a.lastRefresh = time.Now()
	a.mu.Unlock()
	a.log.V(4).Info("refreshed jwks", "keys", len(keys))
	return nil
}

func rsaKeyFromJWK(n, e string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("bad modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("bad exponent: %w", err)
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}
