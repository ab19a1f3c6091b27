// Package main is the entry point for the keygate daemon.
package main

import (
	"os"

	"github.com/keygate-io/keygate/cmd/kgd/app"
	"github.com/keygate-io/keygate/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
