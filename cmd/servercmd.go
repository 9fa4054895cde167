// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/privateaim/pod-orchestrator/internal/config"
	"github.com/privateaim/pod-orchestrator/internal/supervisor"
)

var ServerCmd = &Command{
	Name:      "server",
	UsageLine: "server",
	ShortDesc: "Run the pod orchestrator",
	LongDesc: `Runs the pod orchestrator: applies pending database migrations, starts the
status reconcile loop and serves the authenticated HTTP API. All configuration
comes from the environment; see the repository README for the variable list.`,
	Run: runServer,
}

func runServer(ctx context.Context, logger logr.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	return supervisor.New(cfg, logger).Run(ctx)
}
