// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package composer builds up and tears down whole analysis generations: the
// pull secret, the credential set, the cluster resources and the repository
// row, in an order that leaves a recoverable trail if any step fails.
package composer

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/privateaim/pod-orchestrator/api/analysis"
	"github.com/privateaim/pod-orchestrator/internal/cluster"
	"github.com/privateaim/pod-orchestrator/internal/credentials"
	"github.com/privateaim/pod-orchestrator/internal/store"
)

// Cluster is the slice of the cluster facade the composer needs.
type Cluster interface {
	Namespace() string
	EnsureImagePullSecret(ctx context.Context, registry, user, password, name string) error
	CreateAnalysisDeployment(ctx context.Context, name, image string, env []cluster.EnvVar) ([]string, error)
	CreateAnalysisService(ctx context.Context, name string) error
	CreateSidecar(ctx context.Context, in cluster.SidecarInput) error
	RebuildSidecar(ctx context.Context, deploymentName, analysisID, projectID string) error
	DeleteGeneration(ctx context.Context, deploymentName string) error
	DeletePods(ctx context.Context, appLabel string) error
}

// CredentialBroker issues the per-analysis secrets.
type CredentialBroker interface {
	Issue(ctx context.Context, analysisID, projectID string) (*credentials.AnalysisCredentials, error)
	Revoke(ctx context.Context, analysisID string) error
}

// StatusReporter pushes run states to the hub.
type StatusReporter interface {
	ReportStatus(ctx context.Context, analysisID string, status analysis.Status, progress *int) error
}

// Composer orchestrates generation lifecycles.
type Composer struct {
	cluster  Cluster
	broker   CredentialBroker
	repo     store.Repository
	reporter StatusReporter
	log      logr.Logger
}

func New(c Cluster, broker CredentialBroker, repo store.Repository, reporter StatusReporter, log logr.Logger) *Composer {
	return &Composer{cluster: c, broker: broker, repo: repo, reporter: reporter, log: log.WithName("composer")}
}

// LaunchSpec is everything needed to start one generation.
type LaunchSpec struct {
	AnalysisID       string
	ProjectID        string
	RegistryURL      string
	ImageURL         string
	RegistryUser     string
	RegistryPassword string
	KongToken        string
	RestartCounter   int
}

// SpecFromRequest builds the launch spec of a first generation.
func SpecFromRequest(req *analysis.CreateRequest) LaunchSpec {
	return LaunchSpec{
		AnalysisID:       req.AnalysisID,
		ProjectID:        req.ProjectID,
		RegistryURL:      req.RegistryURL,
		ImageURL:         req.ImageURL,
		RegistryUser:     req.RegistryUser,
		RegistryPassword: req.RegistryPassword,
		KongToken:        req.KongToken,
	}
}

// SpecFromGeneration builds the launch spec of a replacement generation.
func SpecFromGeneration(gen *analysis.Generation, restartCounter int) LaunchSpec {
	return LaunchSpec{
		AnalysisID:       gen.AnalysisID,
		ProjectID:        gen.ProjectID,
		RegistryURL:      gen.RegistryURL,
		ImageURL:         gen.ImageURL,
		RegistryUser:     gen.RegistryUser,
		RegistryPassword: gen.RegistryPassword,
		KongToken:        gen.KongToken,
		RestartCounter:   restartCounter,
	}
}

// Launch starts a new generation. The repository row is inserted with status
// starting before any cluster resource exists, so a crash mid-launch leaves a
// row the reconciler can finalize. On success the row is patched to started
// with the scheduled pod names and the hub is informed.
func (c *Composer) Launch(ctx context.Context, spec LaunchSpec) (*analysis.Generation, error) {
	if err := c.cluster.EnsureImagePullSecret(ctx, spec.RegistryURL, spec.RegistryUser, spec.RegistryPassword, ""); err != nil {
		return nil, err
	}

	ordinal, err := c.repo.CountGenerations(ctx, spec.AnalysisID)
	if err != nil {
		return nil, err
	}
	name := analysis.DeploymentName(spec.AnalysisID, ordinal+1)
	gen := &analysis.Generation{
		DeploymentName:   name,
		AnalysisID:       spec.AnalysisID,
		ProjectID:        spec.ProjectID,
		RegistryURL:      spec.RegistryURL,
		ImageURL:         spec.ImageURL,
		RegistryUser:     spec.RegistryUser,
		RegistryPassword: spec.RegistryPassword,
		KongToken:        spec.KongToken,
		Namespace:        c.cluster.Namespace(),
		Status:           analysis.StatusStarting,
		RestartCounter:   spec.RestartCounter,
	}
	if err := c.repo.Insert(ctx, gen); err != nil {
		return nil, err
	}

	creds, err := c.broker.Issue(ctx, spec.AnalysisID, spec.ProjectID)
	if err != nil {
		return nil, c.abortLaunch(ctx, gen, err)
	}
	dataSourceToken := creds.DataSourceToken
	if spec.KongToken != "" {
		dataSourceToken = spec.KongToken
	}

	env := []cluster.EnvVar{
		{Name: "ANALYSIS_ID", Value: spec.AnalysisID},
		{Name: "PROJECT_ID", Value: spec.ProjectID},
		{Name: "DEPLOYMENT_NAME", Value: name},
		{Name: "KEYCLOAK_TOKEN", Value: creds.KeycloakToken},
		{Name: "DATA_SOURCE_TOKEN", Value: dataSourceToken},
	}
	pods, err := c.cluster.CreateAnalysisDeployment(ctx, name, spec.ImageURL, env)
	if err != nil {
		return nil, c.abortLaunch(ctx, gen, err)
	}
	if err := c.cluster.CreateAnalysisService(ctx, name); err != nil {
		return nil, c.abortLaunch(ctx, gen, err)
	}
	if err := c.cluster.CreateSidecar(ctx, cluster.SidecarInput{
		DeploymentName: name,
		AnalysisID:     spec.AnalysisID,
		ProjectID:      spec.ProjectID,
	}); err != nil {
		return nil, c.abortLaunch(ctx, gen, err)
	}

	started := analysis.StatusStarted
	if err := c.repo.Apply(ctx, name, store.Update{Status: &started, PodIDs: pods}); err != nil {
		return nil, err
	}
	gen.Status = started
	gen.PodIDs = pods

	if err := c.reporter.ReportStatus(ctx, spec.AnalysisID, started, nil); err != nil {
		c.log.Error(err, "failed to report launch to hub", "analysis", spec.AnalysisID)
	}
	c.log.Info("launched generation", "deployment", name, "restartCounter", spec.RestartCounter)
	return gen, nil
}

// abortLaunch marks the half-built generation failed and removes whatever
// cluster resources came up, returning the original launch error.
func (c *Composer) abortLaunch(ctx context.Context, gen *analysis.Generation, cause error) error {
	if err := c.cluster.DeleteGeneration(ctx, gen.DeploymentName); err != nil {
		c.log.Error(err, "failed to clean up aborted launch", "deployment", gen.DeploymentName)
	}
	failed := analysis.StatusFailed
	if err := c.repo.Apply(ctx, gen.DeploymentName, store.Update{Status: &failed}); err != nil {
		c.log.Error(err, "failed to mark aborted launch", "deployment", gen.DeploymentName)
	}
	return fmt.Errorf("failed to launch %s: %w", gen.DeploymentName, cause)
}

// Teardown removes the cluster resources of a generation and stamps it with
// its final status. The repository row survives for the history endpoint.
func (c *Composer) Teardown(ctx context.Context, gen *analysis.Generation, final analysis.Status) error {
	if err := c.cluster.DeleteGeneration(ctx, gen.DeploymentName); err != nil {
		return err
	}
	if err := c.repo.Apply(ctx, gen.DeploymentName, store.Update{Status: &final}); err != nil {
		return err
	}
	c.log.Info("tore down generation", "deployment", gen.DeploymentName, "final", final)
	return nil
}

// RecyclePods handles an externally-restarted analysis pod: the stale sidecar
// still allow-lists the old pod IP, so it is rebuilt against the new pod. The
// analysis pods themselves are left to the deployment controller.
func (c *Composer) RecyclePods(ctx context.Context, gen *analysis.Generation) error {
	if err := c.cluster.RebuildSidecar(ctx, gen.DeploymentName, gen.AnalysisID, gen.ProjectID); err != nil {
		return err
	}
	c.log.Info("recycled sidecar after pod restart", "deployment", gen.DeploymentName)
	return nil
}
