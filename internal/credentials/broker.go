// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
)

// AnalysisCredentials is the pair of secrets injected into an analysis
// container.
type AnalysisCredentials struct {
	// KeycloakToken authenticates the analysis against the platform
	// services behind the sidecar.
	KeycloakToken string
	// DataSourceToken is the key-auth key for the project's data sources.
	DataSourceToken string
}

// Broker provisions and revokes the full credential set of an analysis.
type Broker struct {
	keycloak *Keycloak
	kong     *Kong
	log      logr.Logger
}

func NewBroker(keycloak *Keycloak, kong *Kong, log logr.Logger) *Broker {
	return &Broker{keycloak: keycloak, kong: kong, log: log.WithName("credential-broker")}
}

// Issue provisions the analysis identity on first launch and on every
// restart. All steps are idempotent, so a partially-provisioned identity from
// a crashed earlier attempt is completed rather than duplicated.
func (b *Broker) Issue(ctx context.Context, analysisID, projectID string) (*AnalysisCredentials, error) {
	secret, err := b.keycloak.EnsureClient(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	token, err := b.keycloak.AnalysisToken(ctx, analysisID, secret)
	if err != nil {
		return nil, err
	}
	if err := b.kong.EnsureConsumer(ctx, analysisID); err != nil {
		return nil, err
	}
	if err := b.kong.AttachACL(ctx, analysisID, projectID); err != nil {
		return nil, err
	}
	key, err := b.kong.IssueKey(ctx, analysisID)
	if err != nil {
		return nil, err
	}
	return &AnalysisCredentials{KeycloakToken: token.AccessToken, DataSourceToken: key}, nil
}

// MintToken returns a fresh Keycloak token for a provisioned analysis. Used
// when the token the analysis holds is about to expire.
func (b *Broker) MintToken(ctx context.Context, analysisID string) (string, error) {
	secret, err := b.keycloak.EnsureClient(ctx, analysisID)
	if err != nil {
		return "", err
	}
	token, err := b.keycloak.AnalysisToken(ctx, analysisID, secret)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

// Revoke tears down the analysis identity. Both halves are attempted; the
// first failure is returned.
func (b *Broker) Revoke(ctx context.Context, analysisID string) error {
	kcErr := b.keycloak.DeleteClient(ctx, analysisID)
	kongErr := b.kong.DeleteConsumer(ctx, analysisID)
	if kcErr != nil {
		return fmt.Errorf("failed to revoke keycloak client: %w", kcErr)
	}
	if kongErr != nil {
		return fmt.Errorf("failed to revoke kong consumer: %w", kongErr)
	}
	return nil
}

// OrphanedClients returns analysis ids that still have a Keycloak client but
// are not in the given set of known analyses.
func (b *Broker) OrphanedClients(ctx context.Context, known map[string]struct{}) ([]string, error) {
	all, err := b.keycloak.ListAnalysisClients(ctx)
	if err != nil {
		return nil, err
	}
	var orphans []string
	for _, id := range all {
		if _, ok := known[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	return orphans, nil
}
