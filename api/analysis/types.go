// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package analysis defines the entities shared between the pod orchestrator's
// API surface, its repository and its reconciler.
package analysis

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of one analysis generation. Transitions are
// linear forward except for StatusStuck which is a transient marker during
// recovery.
type Status string

const (
	StatusStarting Status = "starting"
	StatusStarted  Status = "started"
	StatusRunning  Status = "running"
	StatusStuck    Status = "stuck"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Live reports whether a generation in this status still owns cluster resources
// and must be watched by the reconciler.
func (s Status) Live() bool {
	switch s {
	case StatusStarting, StatusStarted, StatusRunning, StatusStuck, StatusStopping:
		return true
	}
	return false
}

// Terminal reports whether the status is final. The log of a terminal
// generation is immutable.
func (s Status) Terminal() bool {
	switch s {
	case StatusStopped, StatusFinished, StatusFailed:
		return true
	}
	return false
}

// MaxRestarts bounds the number of replacement generations the reconciler may
// launch for a single analysis before it is marked failed permanently.
const MaxRestarts = 10

// DeploymentName derives the unique name of one launch attempt of an analysis.
// The ordinal is one greater than the number of generations existing at launch
// time and is strictly increasing within an analysis.
func DeploymentName(analysisID string, ordinal int) string {
	return fmt.Sprintf("analysis-%s-%d", analysisID, ordinal)
}

// LogBlob holds the archived logs of both containers of a generation, keyed by
// deployment name. It is persisted as a structured record instead of a
// stringified mapping so that readers never have to re-parse it.
type LogBlob struct {
	Analysis map[string]string `json:"analysis"`
	Nginx    map[string]string `json:"nginx"`
}

// Generation is one launch attempt of an analysis. A generation owns exactly
// five cluster resources: the analysis Deployment, the proxy Deployment, the
// proxy ConfigMap, the analysis and proxy Services and the NetworkPolicy.
type Generation struct {
	DeploymentName   string    `json:"deployment_name"`
	AnalysisID       string    `json:"analysis_id"`
	ProjectID        string    `json:"project_id"`
	RegistryURL      string    `json:"registry_url"`
	ImageURL         string    `json:"image_url"`
	RegistryUser     string    `json:"registry_user"`
	RegistryPassword string    `json:"registry_password"`
	KongToken        string    `json:"kong_token"`
	Namespace        string    `json:"namespace"`
	PodIDs           []string  `json:"pod_ids"`
	Status           Status    `json:"status"`
	Log              *LogBlob  `json:"log,omitempty"`
	RestartCounter   int       `json:"restart_counter"`
	Progress         *int      `json:"progress,omitempty"`
	TimeCreated      time.Time `json:"time_created"`
	TimeUpdated      time.Time `json:"time_updated"`
}

// CreateRequest is the body of POST /po.
type CreateRequest struct {
	AnalysisID       string `json:"analysis_id" validate:"required"`
	ProjectID        string `json:"project_id" validate:"required"`
	RegistryURL      string `json:"registry_url" validate:"required"`
	ImageURL         string `json:"image_url" validate:"required"`
	RegistryUser     string `json:"registry_user" validate:"required"`
	RegistryPassword string `json:"registry_password" validate:"required"`
	KongToken        string `json:"kong_token"`
}

// StreamLogRequest is the body of POST /po/stream_logs, called by the analysis
// sidecar to push a single log entry.
type StreamLogRequest struct {
	AnalysisID string `json:"analysis_id" validate:"required"`
	Status     string `json:"status"`
	Progress   *int   `json:"progress,omitempty"`
	LogType    string `json:"log_type" validate:"required,oneof=emerg alert crit error warn notice info debug"`
	Log        string `json:"log"`
}
