// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package supervisor wires the orchestrator's collaborators together and runs
// them as one process: database migration and pool, cluster facade,
// credential broker, hub reporter, reconciler loop and HTTP API.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/run"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/privateaim/pod-orchestrator/internal/archive"
	"github.com/privateaim/pod-orchestrator/internal/cluster"
	"github.com/privateaim/pod-orchestrator/internal/composer"
	"github.com/privateaim/pod-orchestrator/internal/config"
	"github.com/privateaim/pod-orchestrator/internal/credentials"
	"github.com/privateaim/pod-orchestrator/internal/hub"
	"github.com/privateaim/pod-orchestrator/internal/reconciler"
	"github.com/privateaim/pod-orchestrator/internal/server"
	"github.com/privateaim/pod-orchestrator/internal/store"
	"github.com/privateaim/pod-orchestrator/internal/util"
)

// shutdownGrace bounds the HTTP server drain on termination.
const shutdownGrace = 10 * time.Second

// Supervisor owns the process lifecycle.
type Supervisor struct {
	cfg *config.Config
	log logr.Logger
}

func New(cfg *config.Config, log logr.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, log: log.WithName("supervisor")}
}

// Run blocks until the context is cancelled or a component fails.
func (s *Supervisor) Run(ctx context.Context) error {
	util.SetLogger(s.log)

	if err := store.Migrate(s.cfg.PostgresDSN()); err != nil {
		return err
	}
	pool, err := pgxpool.New(ctx, s.cfg.PostgresDSN())
	if err != nil {
		return fmt.Errorf("failed to create database pool: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}
	repo := store.NewPostgres(pool, s.log)

	facade, err := s.buildFacade()
	if err != nil {
		return err
	}

	// In-cluster services (Keycloak, Kong, sidecars) are reached directly;
	// only the hub goes through the egress proxy.
	inClusterClient, err := util.NewHTTPClient(util.HTTPClientOptions{
		Timeout:          30 * time.Second,
		ExtraCACertsFile: s.cfg.ExtraCACerts,
	})
	if err != nil {
		return err
	}
	hubClient, err := util.NewHTTPClient(util.HTTPClientOptions{
		Timeout:          30 * time.Second,
		ExtraCACertsFile: s.cfg.ExtraCACerts,
		ProxyURL:         firstNonEmpty(s.cfg.HTTPSProxy, s.cfg.HTTPProxy),
	})
	if err != nil {
		return err
	}
	probeClient, err := util.NewHTTPClient(util.HTTPClientOptions{DisableKeepAlives: true})
	if err != nil {
		return err
	}

	keycloak := credentials.NewKeycloak(s.cfg.KeycloakURL, s.cfg.KeycloakRealm,
		s.cfg.ResultClientID, s.cfg.ResultClientSecret, inClusterClient, s.log)
	kong := credentials.NewKong(s.cfg.KongAdminURL, inClusterClient, s.log)
	broker := credentials.NewBroker(keycloak, kong, s.log)

	reporter := hub.NewReporter(
		hub.NewClient(s.cfg.HubURLCore, s.cfg.HubURLAuth, s.cfg.HubRobotUser, s.cfg.HubRobotSecret, hubClient, s.log),
		s.cfg.HubRobotUser, s.log)

	comp := composer.New(facade, broker, repo, reporter, s.log)

	var archiver reconciler.Archiver
	if s.cfg.ArchivalEnabled() {
		a, err := archive.NewLogArchiver(ctx, s.cfg.MinioEndpoint, s.cfg.MinioAccessKey, s.cfg.MinioSecretKey, s.log)
		if err != nil {
			return err
		}
		archiver = a
	}

	prober := reconciler.NewProber(probeClient, reconciler.SidecarAddr, s.log)
	rec := reconciler.New(repo, facade, comp, prober, broker, reporter, archiver, s.cfg.StatusLoopInterval, s.log)

	auth := server.NewAuthenticator(s.cfg.KeycloakURL, s.cfg.KeycloakRealm, inClusterClient, s.log)
	api := server.New(repo, facade, comp, broker, reporter, auth, rec.Healthy, s.log)
	httpServer := &http.Server{Addr: s.cfg.ListenAddr, Handler: api.Router()}

	var group run.Group
	loopCtx, cancelLoop := context.WithCancel(ctx)
	group.Add(func() error {
		return rec.Run(loopCtx)
	}, func(error) {
		cancelLoop()
	})
	group.Add(func() error {
		s.log.Info("listening", "addr", s.cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	})
	group.Add(func() error {
		<-ctx.Done()
		return ctx.Err()
	}, func(error) {})

	err = group.Run()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildFacade connects to the cluster this process runs in, falling back to
// the ambient kubeconfig when running outside a pod.
func (s *Supervisor) buildFacade() (*cluster.Facade, error) {
	restCfg, err := rest.InClusterConfig()
	if errors.Is(err, rest.ErrNotInCluster) {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, nil).ClientConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster configuration: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	var opts []cluster.Option
	if s.cfg.AnalysisLivenessProbe {
		opts = append(opts, cluster.WithAnalysisLivenessProbe())
	}
	return cluster.NewFacade(clientset, cluster.CurrentNamespace(), s.log, opts...), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
