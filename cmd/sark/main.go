// Package main is the entry point for the SARK gateway.
package main

import (
	"os"

	"github.com/sark-gateway/sark/cmd/sark/app"
	"github.com/sark-gateway/sark/pkg/logger"
)

func main() {
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
