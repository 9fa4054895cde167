// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/privateaim/pod-orchestrator/api/analysis"
)

var (
	_ Repository = (*Postgres)(nil)
	_ Repository = (*InMemory)(nil)
)

// InMemory is a Repository for tests. Archived generations stay inspectable
// via Archived.
type InMemory struct {
	mu          sync.Mutex
	generations map[string]*analysis.Generation
	archive     []analysis.Generation
}

func NewInMemory() *InMemory {
	return &InMemory{generations: map[string]*analysis.Generation{}}
}

func (m *InMemory) Insert(_ context.Context, gen *analysis.Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.generations[gen.DeploymentName]; ok {
		return ErrDuplicate
	}
	clone := *gen
	now := time.Now()
	clone.TimeCreated = now
	clone.TimeUpdated = now
	m.generations[gen.DeploymentName] = &clone
	return nil
}

func (m *InMemory) Get(_ context.Context, deploymentName string) (*analysis.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[deploymentName]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *gen
	return &clone, nil
}

func (m *InMemory) Latest(_ context.Context, analysisID string) (*analysis.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gens := m.sortedByAnalysis(analysisID)
	if len(gens) == 0 {
		return nil, ErrNotFound
	}
	clone := gens[len(gens)-1]
	return &clone, nil
}

func (m *InMemory) ListByAnalysis(_ context.Context, analysisID string) ([]analysis.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedByAnalysis(analysisID), nil
}

func (m *InMemory) ListLive(_ context.Context) ([]analysis.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	latest := map[string]analysis.Generation{}
	for _, gen := range m.generations {
		if current, ok := latest[gen.AnalysisID]; !ok || gen.TimeCreated.After(current.TimeCreated) {
			latest[gen.AnalysisID] = *gen
		}
	}
	var live []analysis.Generation
	for _, gen := range latest {
		if gen.Status.Live() {
			live = append(live, gen)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].TimeCreated.Before(live[j].TimeCreated) })
	return live, nil
}

func (m *InMemory) ListAnalysisIDs(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	var ids []string
	for _, gen := range m.generations {
		if _, ok := seen[gen.AnalysisID]; !ok {
			seen[gen.AnalysisID] = struct{}{}
			ids = append(ids, gen.AnalysisID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *InMemory) CountGenerations(_ context.Context, analysisID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, gen := range m.generations {
		if gen.AnalysisID == analysisID {
			count++
		}
	}
	return count, nil
}

func (m *InMemory) Apply(_ context.Context, deploymentName string, update Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	gen, ok := m.generations[deploymentName]
	if !ok {
		return ErrNotFound
	}
	if update.Status != nil {
		gen.Status = *update.Status
	}
	if update.PodIDs != nil {
		gen.PodIDs = append([]string(nil), update.PodIDs...)
	}
	if update.Log != nil {
		gen.Log = update.Log
	}
	if update.Progress != nil {
		progress := *update.Progress
		gen.Progress = &progress
	}
	if update.RestartCounter != nil {
		gen.RestartCounter = *update.RestartCounter
	}
	gen.TimeUpdated = time.Now()
	return nil
}

func (m *InMemory) DeleteByAnalysis(_ context.Context, analysisID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, gen := range m.generations {
		if gen.AnalysisID == analysisID {
			m.archive = append(m.archive, *gen)
			delete(m.generations, name)
		}
	}
	return nil
}

func (m *InMemory) PruneOlderGenerations(_ context.Context, analysisID, keepDeploymentName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, gen := range m.generations {
		if gen.AnalysisID == analysisID && name != keepDeploymentName {
			m.archive = append(m.archive, *gen)
			delete(m.generations, name)
		}
	}
	return nil
}

// Archived returns the archived generations of an analysis, for assertions.
func (m *InMemory) Archived(analysisID string) []analysis.Generation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []analysis.Generation
	for _, gen := range m.archive {
		if gen.AnalysisID == analysisID {
			out = append(out, gen)
		}
	}
	return out
}

func (m *InMemory) sortedByAnalysis(analysisID string) []analysis.Generation {
	var gens []analysis.Generation
	for _, gen := range m.generations {
		if gen.AnalysisID == analysisID {
			gens = append(gens, *gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool {
		if gens[i].TimeCreated.Equal(gens[j].TimeCreated) {
			return gens[i].DeploymentName < gens[j].DeploymentName
		}
		return gens[i].TimeCreated.Before(gens[j].TimeCreated)
	})
	return gens
}
