// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package hub reports node-local analysis state to the central FLAME hub.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenExpiryMargin is subtracted from expires_in so a token is never used in
// its final seconds.
const tokenExpiryMargin = 30 * time.Second

// robotTokenSource obtains and caches a hub access token using the node's
// robot credentials.
type robotTokenSource struct {
	authURL string
	robotID string
	secret  string
	http    *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newRobotTokenSource(authURL, robotID, secret string, httpClient *http.Client) *robotTokenSource {
	return &robotTokenSource{
		authURL: strings.TrimSuffix(authURL, "/"),
		robotID: robotID,
		secret:  secret,
		http:    httpClient,
	}
}

// Token returns the cached token or obtains a new one when the cache expired.
func (s *robotTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Now().Before(s.expires) {
		return s.token, nil
	}
	form := url.Values{
		"grant_type": {"robot_credentials"},
		"id":         {s.robotID},
		"secret":     {s.secret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.authURL+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build hub token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("hub token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("hub token endpoint returned %d: %s", resp.StatusCode, string(raw))
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("failed to decode hub token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("hub token endpoint returned an empty token")
	}
	s.token = payload.AccessToken
	s.expires = time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - tokenExpiryMargin)
	return s.token, nil
}

// invalidate drops the cached token so the next call re-authenticates.
func (s *robotTokenSource) invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}
