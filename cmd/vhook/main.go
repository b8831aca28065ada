// Copyright (C) 2022 K2 Cyber Security Inc.

package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/k2io/vhook/cli"
	"github.com/k2io/vhook/internal/logger"
)

func main() {
	log, err := logger.New(false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start the logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := cli.Root(log).Execute(); err != nil {
		log.Error("command failed", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}
