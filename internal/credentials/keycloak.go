// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package credentials provisions the per-analysis service identities: a
// Keycloak confidential client for platform tokens and a Kong consumer for
// data-store access.
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
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientPrefix marks Keycloak clients owned by this orchestrator.
const ClientPrefix = "flame-"

// ClientName returns the Keycloak client id for an analysis.
func ClientName(analysisID string) string {
	return ClientPrefix + analysisID
}

// Keycloak talks to the Keycloak admin and token endpoints of one realm.
type Keycloak struct {
	baseURL string
	realm   string
	http    *http.Client
	admin   clientcredentials.Config
	log     logr.Logger
}

// NewKeycloak builds a Keycloak client. adminClientID/adminClientSecret must
// belong to a service account with realm client management roles.
func NewKeycloak(baseURL, realm, adminClientID, adminClientSecret string, httpClient *http.Client, log logr.Logger) *Keycloak {
	baseURL = strings.TrimSuffix(baseURL, "/")
	return &Keycloak{
		baseURL: baseURL,
		realm:   realm,
		http:    httpClient,
		admin: clientcredentials.Config{
			ClientID:     adminClientID,
			ClientSecret: adminClientSecret,
			TokenURL:     fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", baseURL, realm),
		},
		log: log.WithName("keycloak"),
	}
}

// AdminToken mints a fresh admin access token. Admin tokens are short-lived
// and cheap, so none is cached.
func (k *Keycloak) AdminToken(ctx context.Context) (string, error) {
	token, err := k.admin.Token(oauth2Context(ctx, k.http))
	if err != nil {
		return "", fmt.Errorf("failed to obtain keycloak admin token: %w", err)
	}
	return token.AccessToken, nil
}

// EnsureClient creates the analysis client if it does not exist and returns
// its secret. Existing clients are reused, so the secret is stable across
// restarts of the same analysis.
func (k *Keycloak) EnsureClient(ctx context.Context, analysisID string) (string, error) {
	clientID := ClientName(analysisID)
	id, err := k.lookupClient(ctx, clientID)
	if err != nil {
		return "", err
	}
	if id == "" {
		if err := k.createClient(ctx, clientID); err != nil {
			return "", err
		}
		if id, err = k.lookupClient(ctx, clientID); err != nil {
			return "", err
		}
		if id == "" {
			return "", fmt.Errorf("keycloak client %s vanished after creation", clientID)
		}
	}
	return k.clientSecret(ctx, id)
}

// AnalysisToken mints an access token for the analysis client.
func (k *Keycloak) AnalysisToken(ctx context.Context, analysisID, clientSecret string) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     ClientName(analysisID),
		ClientSecret: clientSecret,
		TokenURL:     k.admin.TokenURL,
	}
	token, err := cfg.Token(oauth2Context(ctx, k.http))
	if err != nil {
		return nil, fmt.Errorf("failed to obtain token for analysis %s: %w", analysisID, err)
	}
	return token, nil
}

// DeleteClient removes the analysis client. A missing client is not an error.
func (k *Keycloak) DeleteClient(ctx context.Context, analysisID string) error {
	clientID := ClientName(analysisID)
	id, err := k.lookupClient(ctx, clientID)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	return k.adminCall(ctx, http.MethodDelete, k.adminURL("/clients/"+id), nil, nil)
}

// ListAnalysisClients returns the analysis ids of all clients carrying the
// orchestrator prefix.
func (k *Keycloak) ListAnalysisClients(ctx context.Context) ([]string, error) {
	var reps []clientRepresentation
	if err := k.adminCall(ctx, http.MethodGet, k.adminURL("/clients"), nil, &reps); err != nil {
		return nil, err
	}
	var ids []string
	for _, rep := range reps {
		if strings.HasPrefix(rep.ClientID, ClientPrefix) {
			ids = append(ids, strings.TrimPrefix(rep.ClientID, ClientPrefix))
		}
	}
	return ids, nil
}

type clientRepresentation struct {
	ID       string `json:"id"`
	ClientID string `json:"clientId"`
}

func (k *Keycloak) adminURL(suffix string) string {
	return fmt.Sprintf("%s/admin/realms/%s%s", k.baseURL, k.realm, suffix)
}

// lookupClient returns the internal uuid of a client, or "" when it does not
// exist.
func (k *Keycloak) lookupClient(ctx context.Context, clientID string) (string, error) {
	var reps []clientRepresentation
	if err := k.adminCall(ctx, http.MethodGet, k.adminURL("/clients?clientId="+clientID), nil, &reps); err != nil {
		return "", err
	}
	for _, rep := range reps {
		if rep.ClientID == clientID {
			return rep.ID, nil
		}
	}
	return "", nil
}

func (k *Keycloak) createClient(ctx context.Context, clientID string) error {
	body := map[string]any{
		"clientId":               clientID,
		"enabled":                true,
		"protocol":               "openid-connect",
		"publicClient":           false,
		"serviceAccountsEnabled": true,
		"standardFlowEnabled":    false,
	}
	k.log.Info("creating keycloak client", "clientId", clientID)
	return k.adminCall(ctx, http.MethodPost, k.adminURL("/clients"), body, nil)
}

func (k *Keycloak) clientSecret(ctx context.Context, id string) (string, error) {
	var cred struct {
		Value string `json:"value"`
	}
	if err := k.adminCall(ctx, http.MethodGet, k.adminURL("/clients/"+id+"/client-secret"), nil, &cred); err != nil {
		return "", err
	}
	if cred.Value == "" {
		return "", fmt.Errorf("keycloak returned an empty client secret for %s", id)
	}
	return cred.Value, nil
}

// adminCall performs one authenticated admin API request, decoding the JSON
// response into out when given.
func (k *Keycloak) adminCall(ctx context.Context, method, url string, body any, out any) error {
	token, err := k.AdminToken(ctx)
	if err != nil {
		return err
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode keycloak request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build keycloak request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := k.http.Do(req)
	if err != nil {
		return fmt.Errorf("keycloak request %s %s failed: %w", method, url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("keycloak request %s %s returned %d: %s", method, url, resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode keycloak response: %w", err)
		}
	}
	return nil
}

// oauth2Context makes the oauth2 package use our pooled, proxy-aware client.
func oauth2Context(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
