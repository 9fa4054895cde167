// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/privateaim/pod-orchestrator/internal/cluster"
)

// Cleanup scopes accepted by DELETE /po/cleanup/{type}, singly or as a
// comma-separated list. Every run ends with a zombie sweep regardless of
// scope.
const (
	cleanupAll           = "all"
	cleanupAnalyzes      = "analyzes"
	cleanupServices      = "services"
	cleanupMessageBroker = "mb"
	cleanupResultService = "rs"
	cleanupKeycloak      = "keycloak"
	cleanupZombies       = "zombies"
)

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report := map[string]int{}

	for _, scope := range strings.Split(chi.URLParam(r, "type"), ",") {
		var err error
		switch strings.TrimSpace(scope) {
		case cleanupAll:
			err = s.cleanupAnalyzes(ctx, report)
			if err == nil {
				err = s.cleanupKeycloak(ctx, report)
			}
		case cleanupAnalyzes:
			err = s.cleanupAnalyzes(ctx, report)
		case cleanupServices:
			err = s.recyclePlatformPods(ctx, "message-broker", report)
			if err == nil {
				err = s.recyclePlatformPods(ctx, "result-service", report)
			}
		case cleanupMessageBroker:
			err = s.recyclePlatformPods(ctx, "message-broker", report)
		case cleanupResultService:
			err = s.recyclePlatformPods(ctx, "result-service", report)
		case cleanupKeycloak:
			err = s.cleanupKeycloak(ctx, report)
		case cleanupZombies:
			// Nothing beyond the sweep below.
		default:
			writeError(w, http.StatusBadRequest, fmt.Errorf("unknown cleanup type %q", scope))
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if err := s.sweepZombies(ctx, report); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cleaned": report})
}

func (s *Server) cleanupAnalyzes(ctx context.Context, report map[string]int) error {
	ids, err := s.repo.ListAnalysisIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		gens, err := s.repo.ListByAnalysis(ctx, id)
		if err != nil {
			return err
		}
		if err := s.deleteAnalysis(ctx, id, gens); err != nil {
			return err
		}
		report["analyzes"]++
	}
	return nil
}

func (s *Server) cleanupKeycloak(ctx context.Context, report map[string]int) error {
	ids, err := s.repo.ListAnalysisIDs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	orphans, err := s.creds.OrphanedClients(ctx, known)
	if err != nil {
		return err
	}
	for _, id := range orphans {
		if err := s.creds.Revoke(ctx, id); err != nil {
			return err
		}
		report["keycloak_clients"]++
	}
	return nil
}

// recyclePlatformPods deletes the pods of a platform service so its
// deployment brings up fresh ones. Database siblings are left alone.
func (s *Server) recyclePlatformPods(ctx context.Context, substring string, report map[string]int) error {
	pods, err := s.clusterOp.PodNames(ctx)
	if err != nil {
		return err
	}
	for _, pod := range pods {
		if !strings.Contains(pod, substring) || strings.Contains(pod, "-db-") {
			continue
		}
		if err := s.clusterOp.DeleteResource(ctx, cluster.KindPod, pod); err != nil {
			return err
		}
		report["platform_pods"]++
	}
	return nil
}

// sweepZombies deletes generation-labeled resources whose analysis id is not
// in the repository. Resources of known analyses are never touched, whatever
// state they are in.
func (s *Server) sweepZombies(ctx context.Context, report map[string]int) error {
	ids, err := s.repo.ListAnalysisIDs(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}
	for _, kind := range cluster.SweepableKinds {
		names, err := s.clusterOp.ListResources(ctx, kind, cluster.ComponentSelector)
		if err != nil {
			return err
		}
		for _, name := range names {
			id := cluster.DeriveAnalysisID(kind, name)
			if id != "" {
				if _, ok := known[id]; ok {
					continue
				}
			}
			if err := s.clusterOp.DeleteResource(ctx, kind, name); err != nil {
				return err
			}
			s.log.Info("swept zombie resource", "kind", kind, "name", name)
			report["zombies"]++
		}
	}
	return nil
}
