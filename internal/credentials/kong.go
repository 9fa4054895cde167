// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-logr/logr"
)

// Kong talks to the Kong admin API to provision per-analysis data-store
// access: a consumer named after the analysis, an ACL group granting the
// project's data sources, and a key-auth key handed to the analysis.
type Kong struct {
	adminURL string
	http     *http.Client
	log      logr.Logger
}

func NewKong(adminURL string, httpClient *http.Client, log logr.Logger) *Kong {
	return &Kong{
		adminURL: strings.TrimSuffix(adminURL, "/"),
		http:     httpClient,
		log:      log.WithName("kong"),
	}
}

// EnsureConsumer creates the consumer or reuses an existing one with the same
// username.
func (k *Kong) EnsureConsumer(ctx context.Context, username string) error {
	status, err := k.call(ctx, http.MethodPost, "/consumers", map[string]any{"username": username}, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusOK, http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("kong returned %d creating consumer %s", status, username)
	}
}

// AttachACL adds the consumer to the project's ACL group. Membership that
// already exists is fine.
func (k *Kong) AttachACL(ctx context.Context, username, group string) error {
	status, err := k.call(ctx, http.MethodPost, "/consumers/"+username+"/acls", map[string]any{"group": group}, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusOK, http.StatusConflict:
		return nil
	default:
		return fmt.Errorf("kong returned %d attaching %s to acl group %s", status, username, group)
	}
}

// IssueKey mints a fresh key-auth key for the consumer.
func (k *Kong) IssueKey(ctx context.Context, username string) (string, error) {
	var out struct {
		Key string `json:"key"`
	}
	status, err := k.call(ctx, http.MethodPost, "/consumers/"+username+"/key-auth", map[string]any{}, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return "", fmt.Errorf("kong returned %d issuing key for %s", status, username)
	}
	if out.Key == "" {
		return "", fmt.Errorf("kong returned an empty key for %s", username)
	}
	return out.Key, nil
}

// DeleteConsumer removes the consumer with its keys and ACL memberships. A
// missing consumer is not an error.
func (k *Kong) DeleteConsumer(ctx context.Context, username string) error {
	status, err := k.call(ctx, http.MethodDelete, "/consumers/"+username, nil, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent && status != http.StatusNotFound {
		return fmt.Errorf("kong returned %d deleting consumer %s", status, username)
	}
	return nil
}

func (k *Kong) call(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode kong request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, k.adminURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("failed to build kong request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("kong request %s %s failed: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to decode kong response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
