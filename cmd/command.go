// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"flag"

	"github.com/go-logr/logr"
)

var (
	Commands = []*Command{
		ServerCmd,
		MigrateCmd,
	}
)

// Command is one sub-command of the po binary.
type Command struct {
	Name      string
	UsageLine string
	ShortDesc string
	LongDesc  string
	AddFlags  func(fs *flag.FlagSet)
	Run       func(ctx context.Context, logger logr.Logger) error
}
