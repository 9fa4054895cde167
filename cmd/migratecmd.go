// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/go-logr/logr"

	"github.com/privateaim/pod-orchestrator/internal/store"
)

var migrateDSN string

// MigrateCmd applies migrations without starting the orchestrator, for use as
// an init container or from an operator's shell.
var MigrateCmd = &Command{
	Name:      "migrate",
	UsageLine: "migrate [-dsn <connection-string>]",
	ShortDesc: "Apply pending database migrations and exit",
	AddFlags: func(fs *flag.FlagSet) {
		fs.StringVar(&migrateDSN, "dsn", "", "Postgres connection string; composed from the POSTGRES_* environment when empty")
	},
	Run: runMigrate,
}

func runMigrate(_ context.Context, logger logr.Logger) error {
	dsn := migrateDSN
	if dsn == "" {
		host := os.Getenv("POSTGRES_HOST")
		if host == "" {
			return fmt.Errorf("neither -dsn nor POSTGRES_HOST is set")
		}
		dsn = fmt.Sprintf("postgres://%s:%s@%s/%s",
			os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, os.Getenv("POSTGRES_DB"))
	}
	if err := store.Migrate(dsn); err != nil {
		return err
	}
	logger.Info("Database is up to date")
	return nil
}
