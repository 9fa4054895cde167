// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package store persists analysis generations. The postgres implementation is
// the production one; the in-memory implementation backs tests.
package store

import (
	"context"
	"errors"

	"github.com/privateaim/pod-orchestrator/api/analysis"
)

var (
	// ErrNotFound is returned when no generation matches.
	ErrNotFound = errors.New("generation not found")
	// ErrDuplicate is returned when inserting an existing deployment name.
	ErrDuplicate = errors.New("generation already exists")
)

// Update carries the mutable fields of a generation. Nil fields are left
// untouched; time_updated is bumped on every application.
type Update struct {
	Status         *analysis.Status
	PodIDs         []string
	Log            *analysis.LogBlob
	Progress       *int
	RestartCounter *int
}

// Repository stores generations and their archive. Deleting always archives
// first so no run history is ever lost.
type Repository interface {
	// Insert adds a new generation. ErrDuplicate when the deployment name
	// is taken.
	Insert(ctx context.Context, gen *analysis.Generation) error
	// Get returns one generation by deployment name.
	Get(ctx context.Context, deploymentName string) (*analysis.Generation, error)
	// Latest returns the generation with the highest ordinal of an
	// analysis. ErrNotFound when the analysis is unknown.
	Latest(ctx context.Context, analysisID string) (*analysis.Generation, error)
	// ListByAnalysis returns all generations of an analysis, oldest first.
	ListByAnalysis(ctx context.Context, analysisID string) ([]analysis.Generation, error)
	// ListLive returns the latest generation of every analysis whose
	// latest generation is in a live status.
	ListLive(ctx context.Context) ([]analysis.Generation, error)
	// ListAnalysisIDs returns the distinct analysis ids with at least one
	// generation.
	ListAnalysisIDs(ctx context.Context) ([]string, error)
	// CountGenerations returns how many generations an analysis has. Used
	// to allocate the next ordinal.
	CountGenerations(ctx context.Context, analysisID string) (int, error)
	// Apply patches one generation. ErrNotFound when it does not exist.
	Apply(ctx context.Context, deploymentName string, update Update) error
	// DeleteByAnalysis archives and removes all generations of an
	// analysis.
	DeleteByAnalysis(ctx context.Context, analysisID string) error
	// PruneOlderGenerations archives and removes every generation of the
	// analysis except the named one.
	PruneOlderGenerations(ctx context.Context, analysisID, keepDeploymentName string) error
}
