// SPDX-FileCopyrightText: 2025 PrivateAIM contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/privateaim/pod-orchestrator/cmd"
)

var logLevel string

func main() {
	args := os.Args[1:]
	checkArgs(args)
	flag.CommandLine.StringVar(&logLevel, "log-level", "info", "Log level: debug, info or error")
	_, command, err := parseCommand(args)
	if err != nil {
		os.Exit(2)
	}
	logger := newLogger(logLevel).WithName("po")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := command.Run(ctx, logger); err != nil {
		logger.Error(err, fmt.Sprintf("failed to run command %s", command.Name))
		os.Exit(1)
	}
}

func newLogger(level string) logr.Logger {
	zapLevel := zapcore.InfoLevel
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	zl, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return zapr.NewLogger(zl)
}

func checkArgs(args []string) {
	switch {
	case len(args) < 1, args[0] == "-h", args[0] == "--help":
		cmd.PrintCliUsage(os.Stdout)
		os.Exit(0)
	case args[0] == "help":
		if len(args) == 1 {
			fmt.Fprintln(os.Stderr, "Incorrect usage. To get the CLI usage help use `-h | --help`. To get a command help use `po help <command-name>`")
			os.Exit(2)
		}
		requestedCommand := args[1]
		if _, err := getCommand(requestedCommand); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		cmd.PrintHelp(requestedCommand, os.Stdout)
		os.Exit(0)
	}
}

func getCommand(cmdName string) (*cmd.Command, error) {
	supportedCmdNames := make([]string, 0, len(cmd.Commands))
	for _, cmnd := range cmd.Commands {
		supportedCmdNames = append(supportedCmdNames, cmnd.Name)
		if cmdName == cmnd.Name {
			return cmnd, nil
		}
	}
	return nil, fmt.Errorf("unknown command %s. Supported commands are: %v", cmdName, supportedCmdNames)
}

func parseCommand(args []string) ([]string, *cmd.Command, error) {
	requestedCmdName := args[0]
	command, err := getCommand(requestedCmdName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	fs := flag.CommandLine
	fs.Usage = func() {}
	if command.AddFlags != nil {
		command.AddFlags(fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		if err == flag.ErrHelp {
			cmd.PrintHelp(requestedCmdName, os.Stdout)
			return nil, nil, err
		}
		cmd.PrintHelp(requestedCmdName, os.Stderr)
		return nil, nil, err
	}
	return fs.Args(), command, nil
}
